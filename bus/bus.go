package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/storymesh/core"
	"github.com/hupe1980/storymesh/logging"
)

// Handler processes one delivered message. A non-nil error is logged by the
// bus; it never reaches the publisher.
type Handler func(ctx context.Context, msg core.Message) error

// Options configures a Bus instance.
type Options struct {
	// SingleHandlerTopics rejects a second subscription on the same topic
	// with core.ErrDuplicateSubscription. Off by default.
	SingleHandlerTopics bool

	// ConcurrentDispatch runs same-topic handlers concurrently per message
	// instead of in registration order. Per-topic FIFO is preserved either
	// way: the next message is not delivered until all handlers finished
	// with the previous one.
	ConcurrentDispatch bool

	// LogCapacity bounds the retained message log. Oldest entries are
	// evicted first. Zero disables retention.
	LogCapacity int

	// Logger receives dispatch diagnostics. Defaults to NoOp.
	Logger logging.Logger

	// Middleware observes every message entering the bus, in order.
	Middleware []Middleware
}

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	id      string
	Topic   string
	handler Handler
}

// pendingRequest tracks one in-flight request/response call. The outcome slot
// accepts exactly one response; ctx is cancelled when the caller stops
// waiting, which asks the serving adapter to stop cooperatively.
type pendingRequest struct {
	ch     chan core.Message
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (p *pendingRequest) resolve(msg core.Message) bool {
	accepted := false
	p.once.Do(func() {
		p.ch <- msg
		accepted = true
	})
	return accepted
}

// topicQueue is an unbounded FIFO feeding one dispatcher goroutine, so
// publishing never blocks while per-topic order is preserved.
type topicQueue struct {
	mu   sync.Mutex
	msgs []core.Message
	wake chan struct{}
}

func (q *topicQueue) push(m core.Message) {
	q.mu.Lock()
	q.msgs = append(q.msgs, m)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *topicQueue) pop() (core.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return core.Message{}, false
	}
	m := q.msgs[0]
	q.msgs = q.msgs[1:]
	return m, true
}

// Bus routes messages between publishers and subscribed handlers and
// correlates request/response pairs. All methods are safe for concurrent use.
type Bus struct {
	opts   Options
	logger logging.Logger

	mu      sync.RWMutex
	subs    map[string][]*Subscription
	queues  map[string]*topicQueue
	pending map[string]*pendingRequest

	logMu  sync.Mutex
	msgLog []core.Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Bus with optional overrides.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{
		LogCapacity: 1024,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bus{
		opts:    opts,
		logger:  opts.Logger,
		subs:    make(map[string][]*Subscription),
		queues:  make(map[string]*topicQueue),
		pending: make(map[string]*pendingRequest),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe registers a handler for a topic and returns its handle. Handlers
// for the same topic are kept in registration order.
func (b *Bus) Subscribe(topic string, h Handler) (*Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("subscribe: empty topic")
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe: nil handler for topic %q", topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opts.SingleHandlerTopics && len(b.subs[topic]) > 0 {
		return nil, fmt.Errorf("topic %q: %w", topic, core.ErrDuplicateSubscription)
	}

	sub := &Subscription{id: core.NewID(), Topic: topic, handler: h}
	b.subs[topic] = append(b.subs[topic], sub)
	b.ensureQueueLocked(topic)

	return sub, nil
}

// Unsubscribe removes a previously registered handler. Unknown handles are a
// no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.subs[sub.Topic]
	for i, s := range handlers {
		if s.id == sub.id {
			b.subs[sub.Topic] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.Topic]) == 0 {
		delete(b.subs, sub.Topic)
	}
}

// HasSubscribers reports whether at least one handler is registered on topic.
func (b *Bus) HasSubscribers(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic]) > 0
}

// Topics returns all topics with at least one subscriber.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs))
	for t := range b.subs {
		out = append(out, t)
	}
	return out
}

// Publish routes a message through the middleware chain and dispatches it
// asynchronously to all handlers on its topic. A correlated response resolves
// its pending request instead of reaching topic subscribers; late or duplicate
// responses are dropped and logged.
func (b *Bus) Publish(_ context.Context, msg core.Message) {
	for _, mw := range b.opts.Middleware {
		out, ok := mw(msg)
		if !ok {
			b.logger.Debug("message dropped by middleware", "topic", msg.Topic, "id", msg.ID)
			return
		}
		msg = out
	}

	b.record(msg)

	if msg.IsResponse() {
		b.mu.RLock()
		p := b.pending[msg.CorrelationID]
		b.mu.RUnlock()
		if p == nil || !p.resolve(msg) {
			b.logger.Debug("late or duplicate response dropped",
				"topic", msg.Topic, "correlation_id", msg.CorrelationID, "source", msg.Source)
		}
		return
	}

	b.mu.RLock()
	q := b.queues[msg.Topic]
	n := len(b.subs[msg.Topic])
	b.mu.RUnlock()

	if q == nil || n == 0 {
		b.logger.Debug("no subscribers for topic", "topic", msg.Topic, "id", msg.ID)
		return
	}
	q.push(msg)
}

// Request publishes msg with a fresh reply topic and suspends the caller
// until the first correlated response arrives, the timeout elapses
// (core.ErrTimeout), or ctx is done (core.ErrCancelled). The pending entry is
// removed on every exit path; at most one response is ever accepted.
func (b *Bus) Request(ctx context.Context, msg core.Message, timeout time.Duration) (core.Message, error) {
	if !b.HasSubscribers(msg.Topic) {
		return core.Message{}, fmt.Errorf("request on topic %q: %w", msg.Topic, core.ErrNoSubscribers)
	}
	if msg.ReplyTo == "" {
		msg.ReplyTo = "reply." + msg.ID
	}

	pctx, pcancel := context.WithCancel(b.ctx)
	p := &pendingRequest{ch: make(chan core.Message, 1), ctx: pctx, cancel: pcancel}

	b.mu.Lock()
	b.pending[msg.ID] = p
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
		pcancel()
	}()

	b.Publish(ctx, msg)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-p.ch:
		return resp, nil
	case <-timer.C:
		return core.Message{}, fmt.Errorf("no response on %q for %s within %s: %w",
			msg.Topic, msg.ID, timeout, core.ErrTimeout)
	case <-ctx.Done():
		return core.Message{}, fmt.Errorf("request on %q: %w", msg.Topic, core.ErrCancelled)
	case <-b.ctx.Done():
		return core.Message{}, fmt.Errorf("request on %q: bus closed: %w", msg.Topic, core.ErrCancelled)
	}
}

// RequestContext returns the context associated with an in-flight request,
// identified by the request message id. It is cancelled when the requester
// stops waiting, letting adapters abandon work cooperatively. For unknown ids
// (fire-and-forget, already resolved) it returns context.Background().
func (b *Bus) RequestContext(requestID string) context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.pending[requestID]; ok {
		return p.ctx
	}
	return context.Background()
}

// PendingCount returns the number of in-flight request/response calls.
func (b *Bus) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// Log returns retained messages, optionally filtered by topic and chapter
// number (zero values match everything).
func (b *Bus) Log(topic string, chapter int) []core.Message {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	var out []core.Message
	for _, m := range b.msgLog {
		if topic != "" && m.Topic != topic {
			continue
		}
		if chapter != 0 && m.ChapterNumber != chapter {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ClearLog discards the retained message log.
func (b *Bus) ClearLog() {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	b.msgLog = nil
}

// Close stops all dispatchers and cancels every in-flight request context.
// Queued but undelivered messages are dropped.
func (b *Bus) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bus) record(msg core.Message) {
	if b.opts.LogCapacity <= 0 {
		return
	}
	b.logMu.Lock()
	defer b.logMu.Unlock()
	b.msgLog = append(b.msgLog, msg)
	if len(b.msgLog) > b.opts.LogCapacity {
		b.msgLog = b.msgLog[len(b.msgLog)-b.opts.LogCapacity:]
	}
}

// ensureQueueLocked lazily creates the topic queue and its dispatcher. The
// caller must hold b.mu.
func (b *Bus) ensureQueueLocked(topic string) {
	if _, ok := b.queues[topic]; ok {
		return
	}
	q := &topicQueue{wake: make(chan struct{}, 1)}
	b.queues[topic] = q

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			msg, ok := q.pop()
			if !ok {
				select {
				case <-b.ctx.Done():
					return
				case <-q.wake:
					continue
				}
			}
			b.dispatch(msg)
		}
	}()
}

// dispatch delivers one message to the current handler snapshot. It returns
// only after every handler finished, preserving per-topic FIFO.
func (b *Bus) dispatch(msg core.Message) {
	b.mu.RLock()
	handlers := make([]*Subscription, len(b.subs[msg.Topic]))
	copy(handlers, b.subs[msg.Topic])
	b.mu.RUnlock()

	if b.opts.ConcurrentDispatch {
		var wg sync.WaitGroup
		for _, s := range handlers {
			wg.Add(1)
			go func(s *Subscription) {
				defer wg.Done()
				b.safeInvoke(s, msg)
			}(s)
		}
		wg.Wait()
		return
	}

	for _, s := range handlers {
		b.safeInvoke(s, msg)
	}
}

// safeInvoke shields the dispatcher from handler errors and panics.
func (b *Bus) safeInvoke(s *Subscription, msg core.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "topic", msg.Topic, "panic", fmt.Sprint(r))
		}
	}()
	if err := s.handler(b.ctx, msg); err != nil {
		b.logger.Error("handler error", "topic", msg.Topic, "error", err.Error())
	}
}
