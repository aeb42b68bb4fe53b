package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/storymesh/core"
)

func TestPublish_ReachesAllHandlers(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	seen := map[string]int{}

	subscribe := func(name string) {
		_, err := b.Subscribe("chapter.plan", func(_ context.Context, _ core.Message) error {
			mu.Lock()
			seen[name]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	subscribe("first")
	subscribe("second")
	subscribe("third")

	b.Publish(context.Background(), core.NewMessage("chapter.plan", "test", nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["first"] == 1 && seen["second"] == 1 && seen["third"] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPublish_HandlerFailuresIsolated(t *testing.T) {
	b := New()
	defer b.Close()

	var delivered sync.WaitGroup
	delivered.Add(1)

	_, err := b.Subscribe("t", func(_ context.Context, _ core.Message) error {
		panic("handler exploded")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("t", func(_ context.Context, _ core.Message) error {
		return errors.New("handler failed")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("t", func(_ context.Context, _ core.Message) error {
		delivered.Done()
		return nil
	})
	require.NoError(t, err)

	// Publish must not panic and the healthy sibling must still see the message.
	b.Publish(context.Background(), core.NewMessage("t", "test", nil))

	done := make(chan struct{})
	go func() { delivered.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("healthy handler never ran")
	}
}

func TestPublish_FIFOPerTopic(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var order []int

	_, err := b.Subscribe("seq", func(_ context.Context, msg core.Message) error {
		n, _ := msg.Payload.Int("n")
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	const total = 50
	for i := 0; i < total; i++ {
		b.Publish(context.Background(), core.NewMessage("seq", "test", core.Payload{"n": i}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == total
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < total; i++ {
		assert.Equal(t, i, order[i])
	}
}

func TestSubscribe_SingleHandlerEnforced(t *testing.T) {
	b := New(func(o *Options) { o.SingleHandlerTopics = true })
	defer b.Close()

	_, err := b.Subscribe("t", func(context.Context, core.Message) error { return nil })
	require.NoError(t, err)

	_, err = b.Subscribe("t", func(context.Context, core.Message) error { return nil })
	assert.ErrorIs(t, err, core.ErrDuplicateSubscription)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	var count int
	var mu sync.Mutex
	sub, err := b.Subscribe("t", func(context.Context, core.Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	b.Publish(context.Background(), core.NewMessage("t", "test", nil))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	b.Unsubscribe(sub)
	assert.False(t, b.HasSubscribers("t"))
}

func TestRequest_ResolvesWithResponse(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Subscribe("world.validate", func(_ context.Context, msg core.Message) error {
		b.Publish(context.Background(), msg.Respond("world", core.Payload{"setting": "dunes"}))
		return nil
	})
	require.NoError(t, err)

	resp, err := b.Request(context.Background(),
		core.NewMessage("world.validate", "pipeline", core.Payload{"scene": "dunes"}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "dunes", resp.Payload.String("setting"))
	assert.Equal(t, 0, b.PendingCount())
}

func TestRequest_FirstResponseWins(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Subscribe("t", func(_ context.Context, msg core.Message) error {
		// Duplicate responses to the same correlation id.
		b.Publish(context.Background(), msg.Respond("w", core.Payload{"n": 1}))
		b.Publish(context.Background(), msg.Respond("w", core.Payload{"n": 2}))
		b.Publish(context.Background(), msg.Respond("w", core.Payload{"n": 3}))
		return nil
	})
	require.NoError(t, err)

	resp, err := b.Request(context.Background(), core.NewMessage("t", "test", nil), time.Second)
	require.NoError(t, err)

	n, _ := resp.Payload.Int("n")
	assert.Equal(t, 1, n)
}

func TestRequest_TimeoutRemovesPending(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Subscribe("slow", func(context.Context, core.Message) error {
		return nil // never responds
	})
	require.NoError(t, err)

	baseline := b.PendingCount()

	for i := 0; i < 5; i++ {
		_, err := b.Request(context.Background(), core.NewMessage("slow", "test", nil), 10*time.Millisecond)
		assert.ErrorIs(t, err, core.ErrTimeout)
	}

	assert.Equal(t, baseline, b.PendingCount())
}

func TestRequest_NoSubscribersFailsFast(t *testing.T) {
	b := New()
	defer b.Close()

	start := time.Now()
	_, err := b.Request(context.Background(), core.NewMessage("nobody.home", "test", nil), time.Second)

	assert.ErrorIs(t, err, core.ErrNoSubscribers)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRequest_CancelledContext(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Subscribe("slow", func(context.Context, core.Message) error { return nil })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = b.Request(ctx, core.NewMessage("slow", "test", nil), time.Second)
	assert.ErrorIs(t, err, core.ErrCancelled)
	assert.Equal(t, 0, b.PendingCount())
}

func TestRequestContext_CancelledWhenAbandoned(t *testing.T) {
	b := New()
	defer b.Close()

	gotCtx := make(chan context.Context, 1)
	_, err := b.Subscribe("slow", func(_ context.Context, msg core.Message) error {
		gotCtx <- b.RequestContext(msg.ID)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Request(context.Background(), core.NewMessage("slow", "test", nil), 20*time.Millisecond)
	require.ErrorIs(t, err, core.ErrTimeout)

	select {
	case ctx := <-gotCtx:
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			t.Fatal("request context not cancelled after timeout")
		}
	case <-time.After(time.Second):
		t.Fatal("handler never observed the request")
	}
}

func TestLateResponse_DroppedNotDelivered(t *testing.T) {
	b := New()
	defer b.Close()

	// A response correlated to a finished request must not reach topic
	// subscribers or panic; it is logged and discarded.
	req := core.NewMessage("t", "test", nil)
	req.ReplyTo = "reply." + req.ID
	late := req.Respond("w", core.Payload{"stale": true})

	b.Publish(context.Background(), late)
	assert.Equal(t, 0, b.PendingCount())
}

func TestLog_FilterByTopicAndChapter(t *testing.T) {
	b := New()
	defer b.Close()

	m1 := core.NewMessage("a", "test", nil)
	m1.ChapterNumber = 1
	m2 := core.NewMessage("a", "test", nil)
	m2.ChapterNumber = 2
	m3 := core.NewMessage("b", "test", nil)
	m3.ChapterNumber = 2

	b.Publish(context.Background(), m1)
	b.Publish(context.Background(), m2)
	b.Publish(context.Background(), m3)

	assert.Len(t, b.Log("", 0), 3)
	assert.Len(t, b.Log("a", 0), 2)
	assert.Len(t, b.Log("", 2), 2)
	assert.Len(t, b.Log("b", 2), 1)

	b.ClearLog()
	assert.Empty(t, b.Log("", 0))
}

func TestConcurrentDispatch_StillFIFO(t *testing.T) {
	b := New(func(o *Options) { o.ConcurrentDispatch = true })
	defer b.Close()

	var mu sync.Mutex
	var order []int

	_, err := b.Subscribe("seq", func(_ context.Context, msg core.Message) error {
		n, _ := msg.Payload.Int("n")
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		b.Publish(context.Background(), core.NewMessage("seq", "test", core.Payload{"n": i}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 20
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		assert.Equal(t, i, n)
	}
}
