package bus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hupe1980/storymesh/core"
	"github.com/hupe1980/storymesh/logging"
)

// Middleware observes a message entering the bus. It may return a transformed
// copy; returning ok=false drops the message. Middleware must not reorder or
// re-deliver messages.
type Middleware func(msg core.Message) (core.Message, bool)

// Logging returns a middleware that emits one debug line per message.
func Logging(logger logging.Logger) Middleware {
	return func(msg core.Message) (core.Message, bool) {
		logger.Debug("message",
			"topic", msg.Topic,
			"source", msg.Source,
			"id", shortID(msg.ID),
			"correlation_id", shortID(msg.CorrelationID),
			"chapter", msg.ChapterNumber,
		)
		return msg, true
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Metrics counts messages per topic. Snapshot accessors are safe for
// concurrent use with the middleware.
type Metrics struct {
	mu     sync.Mutex
	counts map[string]int64
	total  int64
}

// NewMetrics creates an empty metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{counts: make(map[string]int64)}
}

// Middleware returns the counting middleware for this collector.
func (m *Metrics) Middleware() Middleware {
	return func(msg core.Message) (core.Message, bool) {
		m.mu.Lock()
		m.counts[msg.Topic]++
		m.total++
		m.mu.Unlock()
		return msg, true
	}
}

// Total returns the number of messages observed.
func (m *Metrics) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Count returns the number of messages observed on one topic.
func (m *Metrics) Count(topic string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[topic]
}

// Counts returns a per-topic snapshot.
func (m *Metrics) Counts() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// recorderEntry is the JSONL record persisted per message. Payload contents
// stay out of the record; only key names are kept for replay debugging.
type recorderEntry struct {
	Topic         string   `json:"topic"`
	Source        string   `json:"source"`
	ID            string   `json:"id"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	ChapterNumber int      `json:"chapter_number,omitempty"`
	SceneIndex    int      `json:"scene_index,omitempty"`
	Timestamp     string   `json:"timestamp"`
	PayloadKeys   []string `json:"payload_keys,omitempty"`
}

// Recorder persists message metadata to a JSONL file for replay and
// debugging.
type Recorder struct {
	mu sync.Mutex
	f  *os.File
}

// NewRecorder opens (appending) the JSONL file at path, creating parent
// directories as needed.
func NewRecorder(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Recorder{f: f}, nil
}

// Middleware returns the recording middleware. Write failures drop the record
// silently rather than the message.
func (r *Recorder) Middleware() Middleware {
	return func(msg core.Message) (core.Message, bool) {
		keys := make([]string, 0, len(msg.Payload))
		for k := range msg.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		entry := recorderEntry{
			Topic:         msg.Topic,
			Source:        msg.Source,
			ID:            msg.ID,
			CorrelationID: msg.CorrelationID,
			ChapterNumber: msg.ChapterNumber,
			SceneIndex:    msg.SceneIndex,
			Timestamp:     msg.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			PayloadKeys:   keys,
		}

		line, err := json.Marshal(entry)
		if err != nil {
			return msg, true
		}

		r.mu.Lock()
		_, _ = r.f.Write(append(line, '\n'))
		r.mu.Unlock()

		return msg, true
	}
}

// Close flushes and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
