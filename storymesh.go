// Package storymesh provides a high-level façade over the event bus, worker
// adapters, pipeline orchestrator and chapter scheduler. Most applications
// interact with this package by:
//  1. Creating a Mesh via New() (optionally overriding store, logger, limits)
//  2. Registering workers for the pipeline topics (RegisterWorker)
//  3. Running chapters through Run(), which returns a per-chapter report
//
// The façade delegates orchestration to pipeline.Orchestrator and
// scheduler.Scheduler while keeping setup concise. All defaults are safe for
// local development and testing; production runs typically supply a directory
// store, provider rate limits and a structured logger.
package storymesh

import (
	"context"
	"time"

	"github.com/hupe1980/storymesh/adapter"
	"github.com/hupe1980/storymesh/bus"
	"github.com/hupe1980/storymesh/core"
	"github.com/hupe1980/storymesh/logging"
	"github.com/hupe1980/storymesh/pipeline"
	"github.com/hupe1980/storymesh/ratelimit"
	"github.com/hupe1980/storymesh/scheduler"
	"github.com/hupe1980/storymesh/store"
)

// Options configures the Mesh instance.
type Options struct {
	// Store receives finalized chapters. Defaults to an in-memory store.
	Store core.ChapterStore

	// Concurrency bounds simultaneously running chapters.
	Concurrency int

	// DefaultWorkerTimeout bounds worker invocations without an explicit
	// deadline.
	DefaultWorkerTimeout time.Duration

	// RateLimits maps provider ids to requests per minute. Providers
	// without an entry are unlimited.
	RateLimits map[string]int

	// Middleware observes every bus message (logging, metrics, recording).
	Middleware []bus.Middleware

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Mesh is the high-level façade aggregating the bus, adapters, rate limiter
// and chapter store.
type Mesh struct {
	opts     Options
	bus      *bus.Bus
	limiter  *ratelimit.Limiter
	adapters []*adapter.Adapter
}

// New creates a Mesh with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Mesh {
	opts := Options{
		Store:                store.NewInMemory(),
		Concurrency:          2,
		DefaultWorkerTimeout: 60 * time.Second,
		Logger:               logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	b := bus.New(func(o *bus.Options) {
		// Worker request topics take exactly one adapter; observation goes
		// through middleware instead of extra handlers.
		o.SingleHandlerTopics = true
		o.Logger = opts.Logger
		o.Middleware = opts.Middleware
	})

	limiter := ratelimit.New()
	for provider, rpm := range opts.RateLimits {
		limiter.SetLimit(provider, rpm)
	}

	return &Mesh{opts: opts, bus: b, limiter: limiter}
}

// Bus exposes the underlying event bus for direct subscriptions.
func (m *Mesh) Bus() *bus.Bus { return m.bus }

// Store returns the chapter store finalized chapters are committed to.
func (m *Mesh) Store() core.ChapterStore { return m.opts.Store }

// RegisterWorker wraps a worker in an adapter subscribed to topic. The
// adapter enforces deadlines, applies the provider rate limit and answers
// every request, turning worker failures into tagged responses.
func (m *Mesh) RegisterWorker(name, topic string, w core.Worker) error {
	a := adapter.New(name, topic, w, m.bus, func(o *adapter.Options) {
		o.DefaultTimeout = m.opts.DefaultWorkerTimeout
		o.Limiter = m.limiter
		o.Logger = m.opts.Logger
	})
	if err := a.Register(); err != nil {
		return err
	}
	m.adapters = append(m.adapters, a)
	return nil
}

// HasWorker reports whether an adapter is registered on topic.
func (m *Mesh) HasWorker(topic string) bool { return m.bus.HasSubscribers(topic) }

// SetRateLimit adjusts a provider's requests-per-minute budget at runtime.
func (m *Mesh) SetRateLimit(provider string, rpm int) {
	m.limiter.SetLimit(provider, rpm)
}

// Run drives the given chapters through the pipeline and returns the
// per-chapter report. Pipeline options (premise, cast, revision budget,
// stage timeouts) are forwarded to every chapter's orchestrator.
func (m *Mesh) Run(ctx context.Context, chapters []scheduler.ChapterSpec, optFns ...func(o *pipeline.Options)) scheduler.Report {
	withLogger := append([]func(o *pipeline.Options){func(o *pipeline.Options) {
		o.Logger = m.opts.Logger
	}}, optFns...)

	orch := pipeline.New(m.bus, m.opts.Store, withLogger...)
	sched := scheduler.New(orch, func(o *scheduler.Options) {
		o.Concurrency = m.opts.Concurrency
		o.Logger = m.opts.Logger
	})
	return sched.Run(ctx, chapters)
}

// Close unregisters all adapters and shuts the bus down. Pending requests
// fail with cancellation.
func (m *Mesh) Close() {
	for _, a := range m.adapters {
		a.Close()
	}
	m.bus.Close()
}
