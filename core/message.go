package core

import (
	"time"

	"github.com/google/uuid"
)

// Payload is the opaque structured value carried by messages. Values are
// treated as immutable once a message is constructed; producers must not
// mutate a payload after publishing it.
type Payload map[string]any

// Clone returns a shallow copy of the payload. Nested values are shared and
// must be treated as read-only by all holders.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	cp := make(Payload, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// String returns the payload value under key if it is a string, else "".
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Int returns the payload value under key coerced to int. JSON round-trips
// produce float64, so both numeric shapes are accepted.
func (p Payload) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Message is the immutable unit of communication on the bus. It captures:
//   - Correlation (ID, CorrelationID, ReplyTo)
//   - Routing (Topic, Source)
//   - The opaque payload
//   - Chapter / scene scoping metadata for middleware filtering
//   - A UTC timestamp
//
// A message with an empty ReplyTo is fire-and-forget; a response links back to
// its request through CorrelationID. After construction a message must be
// treated as immutable.
type Message struct {
	ID            string    `json:"id"`
	Topic         string    `json:"topic"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	Source        string    `json:"source"`
	Payload       Payload   `json:"payload,omitempty"`
	ChapterNumber int       `json:"chapter_number,omitempty"`
	SceneIndex    int       `json:"scene_index,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewID generates a new unique identifier for messages and correlation keys.
func NewID() string { return uuid.NewString() }

// NewMessage constructs a fire-and-forget message authored by source.
// SceneIndex defaults to -1 (not scene-scoped).
func NewMessage(topic, source string, payload Payload) Message {
	return Message{
		ID:         NewID(),
		Topic:      topic,
		Source:     source,
		Payload:    payload,
		SceneIndex: -1,
		CreatedAt:  time.Now().UTC(),
	}
}

// Respond builds a response message correlated to m, addressed to m's reply
// topic. Chapter and scene scoping carries over so middleware can associate
// the response with the originating pipeline step.
func (m Message) Respond(source string, payload Payload) Message {
	r := NewMessage(m.ReplyTo, source, payload)
	r.CorrelationID = m.ID
	r.ChapterNumber = m.ChapterNumber
	r.SceneIndex = m.SceneIndex
	return r
}

// IsResponse reports whether the message is correlated to a prior request.
func (m Message) IsResponse() bool { return m.CorrelationID != "" }
