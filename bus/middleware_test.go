package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/storymesh/core"
)

func TestMetricsMiddleware(t *testing.T) {
	metrics := NewMetrics()
	b := New(func(o *Options) {
		o.Middleware = []Middleware{metrics.Middleware()}
	})
	defer b.Close()

	b.Publish(context.Background(), core.NewMessage("a", "test", nil))
	b.Publish(context.Background(), core.NewMessage("a", "test", nil))
	b.Publish(context.Background(), core.NewMessage("b", "test", nil))

	assert.Equal(t, int64(3), metrics.Total())
	assert.Equal(t, int64(2), metrics.Count("a"))
	assert.Equal(t, int64(1), metrics.Count("b"))
	assert.Len(t, metrics.Counts(), 2)
}

func TestMiddleware_Drop(t *testing.T) {
	drop := func(msg core.Message) (core.Message, bool) {
		return msg, msg.Topic != "blocked"
	}
	b := New(func(o *Options) { o.Middleware = []Middleware{drop} })
	defer b.Close()

	delivered := make(chan string, 2)
	for _, topic := range []string{"blocked", "open"} {
		topic := topic
		_, err := b.Subscribe(topic, func(_ context.Context, msg core.Message) error {
			delivered <- msg.Topic
			return nil
		})
		require.NoError(t, err)
	}

	b.Publish(context.Background(), core.NewMessage("blocked", "test", nil))
	b.Publish(context.Background(), core.NewMessage("open", "test", nil))

	select {
	case topic := <-delivered:
		assert.Equal(t, "open", topic)
	case <-time.After(time.Second):
		t.Fatal("open topic never delivered")
	}
	select {
	case topic := <-delivered:
		t.Fatalf("dropped message delivered on %q", topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecorder_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events", "run.jsonl")
	rec, err := NewRecorder(path)
	require.NoError(t, err)

	b := New(func(o *Options) { o.Middleware = []Middleware{rec.Middleware()} })

	msg := core.NewMessage("plot.plan", "pipeline", core.Payload{"chapter_number": 1, "characters": []string{"Mira"}})
	msg.ChapterNumber = 1
	b.Publish(context.Background(), msg)

	b.Close()
	require.NoError(t, rec.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	assert.Equal(t, "plot.plan", entry["topic"])
	assert.Equal(t, "pipeline", entry["source"])
	assert.Equal(t, []any{"chapter_number", "characters"}, entry["payload_keys"])
	assert.False(t, scanner.Scan())
}
