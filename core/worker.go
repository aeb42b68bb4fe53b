package core

import "context"

// Worker is the single capability interface for external content-generation
// collaborators. Implementations are opaque asynchronous operations from the
// core's point of view: they receive a request payload and a deadline (via
// ctx) and either return a result payload or fail with one of the taxonomy
// errors (*WorkerError, ErrTimeout, ctx errors).
//
// Implementations must respect context cancellation; the adapter enforces the
// deadline and translates every failure into a tagged response, so a worker
// error never escapes onto the bus as an exception.
type Worker interface {
	// Invoke performs the collaborator's operation.
	Invoke(ctx context.Context, req Payload) (Payload, error)

	// Provider identifies the backing provider for rate-limiter keying
	// (e.g. "openai", "anthropic", "mock").
	Provider() string
}

// WorkerFunc adapts a plain function (plus provider label) to Worker.
// Useful for tests and local collaborators.
type WorkerFunc struct {
	ProviderID string
	Fn         func(ctx context.Context, req Payload) (Payload, error)
}

// Invoke implements Worker.
func (w WorkerFunc) Invoke(ctx context.Context, req Payload) (Payload, error) {
	return w.Fn(ctx, req)
}

// Provider implements Worker.
func (w WorkerFunc) Provider() string {
	if w.ProviderID == "" {
		return "local"
	}
	return w.ProviderID
}

// RateLimiter gates outbound collaborator calls per provider. Acquire blocks
// until a token is available or ctx is done; the suspension counts toward the
// call's deadline.
type RateLimiter interface {
	Acquire(ctx context.Context, provider string) error
}

// ChapterStore is the persistence collaborator contract. Commit must be
// idempotent under retry: committing the same chapter number with identical
// content yields no duplicate artifact.
type ChapterStore interface {
	Commit(ctx context.Context, number int, snap ChapterSnapshot) error
}
