// Package adapter bridges external content-generation collaborators onto the
// bus. An Adapter subscribes to one request topic, invokes its worker with a
// deadline, and publishes a correlated response. Every collaborator failure
// (timeout, provider error, rate limit, panic) is translated into an
// error-tagged response so the caller's request resolves with data instead of
// timing out.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/storymesh/bus"
	"github.com/hupe1980/storymesh/core"
	"github.com/hupe1980/storymesh/logging"
)

// Options configures an Adapter.
type Options struct {
	// DefaultTimeout bounds worker invocations when the request payload
	// carries no deadline_ms hint.
	DefaultTimeout time.Duration

	// Limiter gates outbound calls per provider. The wait for a token
	// counts toward the invocation deadline. Nil disables limiting.
	Limiter core.RateLimiter

	// Logger receives per-invocation diagnostics. Defaults to NoOp.
	Logger logging.Logger
}

// Adapter wraps one core.Worker as a bus subscriber on its request topic.
// Inbound requests are served concurrently; ordering across requests to the
// same worker is not guaranteed.
type Adapter struct {
	name    string
	topic   string
	worker  core.Worker
	bus     *bus.Bus
	sub     *bus.Subscription
	timeout time.Duration
	limiter core.RateLimiter
	logger  logging.Logger
}

// New constructs an adapter for worker, serving requests on topic.
func New(name, topic string, worker core.Worker, b *bus.Bus, optFns ...func(o *Options)) *Adapter {
	opts := Options{
		DefaultTimeout: 60 * time.Second,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Adapter{
		name:    name,
		topic:   topic,
		worker:  worker,
		bus:     b,
		timeout: opts.DefaultTimeout,
		limiter: opts.Limiter,
		logger:  opts.Logger,
	}
}

// Name returns the adapter's worker name.
func (a *Adapter) Name() string { return a.name }

// Topic returns the request topic the adapter serves.
func (a *Adapter) Topic() string { return a.topic }

// Register subscribes the adapter on its request topic.
func (a *Adapter) Register() error {
	sub, err := a.bus.Subscribe(a.topic, a.handle)
	if err != nil {
		return fmt.Errorf("registering adapter %s: %w", a.name, err)
	}
	a.sub = sub
	return nil
}

// Close unsubscribes the adapter. In-flight invocations finish on their own.
func (a *Adapter) Close() {
	a.bus.Unsubscribe(a.sub)
	a.sub = nil
}

// handle serves each inbound request in its own goroutine so a slow worker
// never stalls topic delivery.
func (a *Adapter) handle(ctx context.Context, msg core.Message) error {
	go a.serve(ctx, msg)
	return nil
}

func (a *Adapter) serve(busCtx context.Context, msg core.Message) {
	timeout := a.timeout
	if ms, ok := msg.Payload.Int("deadline_ms"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	// The request context is cancelled when the requester stops waiting,
	// so abandoned work stops cooperatively.
	ctx, cancel := context.WithTimeout(a.bus.RequestContext(msg.ID), timeout)
	defer cancel()

	start := time.Now()
	out, err := a.invoke(ctx, msg.Payload)
	dur := time.Since(start)

	if err != nil {
		a.logger.Warn("worker invocation failed",
			"worker", a.name, "topic", a.topic, "duration", dur, "error", err.Error())
	} else {
		a.logger.Debug("worker invocation completed",
			"worker", a.name, "topic", a.topic, "duration", dur)
	}

	if msg.ReplyTo == "" {
		return // fire-and-forget
	}

	var resp core.Message
	if err != nil {
		resp = msg.Respond(a.name, core.ErrorPayload(a.name, a.classify(err)))
	} else {
		resp = msg.Respond(a.name, out)
	}
	a.bus.Publish(busCtx, resp)
}

// invoke acquires a rate-limit token, then races the worker against the
// deadline. A worker that ignores cancellation is abandoned, not waited for.
func (a *Adapter) invoke(ctx context.Context, req core.Payload) (core.Payload, error) {
	if a.limiter != nil {
		if err := a.limiter.Acquire(ctx, a.worker.Provider()); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &core.WorkerError{Worker: a.name, Kind: core.FailureDeadline,
					Message: "deadline elapsed waiting for rate limiter"}
			}
			return nil, &core.WorkerError{Worker: a.name, Kind: core.FailureRateLimited, Message: err.Error()}
		}
	}

	type result struct {
		out core.Payload
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &core.WorkerError{Worker: a.name, Kind: core.FailureProvider,
					Message: fmt.Sprintf("worker panicked: %v", r)}}
			}
		}()
		out, err := a.worker.Invoke(ctx, req)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// classify normalizes an invocation error into the worker failure taxonomy.
func (a *Adapter) classify(err error) error {
	var we *core.WorkerError
	if errors.As(err, &we) {
		return we
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, core.ErrTimeout) {
		return &core.WorkerError{Worker: a.name, Kind: core.FailureDeadline, Message: err.Error()}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrCancelled) {
		return &core.WorkerError{Worker: a.name, Kind: core.FailureDeadline, Message: "invocation cancelled"}
	}
	return &core.WorkerError{Worker: a.name, Kind: core.FailureProvider, Message: err.Error()}
}
