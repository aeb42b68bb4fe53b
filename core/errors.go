package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for bus and orchestration failure modes. Wrap with
// fmt.Errorf("...: %w", err) to add context; match with errors.Is.
var (
	// ErrTimeout indicates a request/response call exceeded its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled indicates explicit or inherited cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrDuplicateSubscription is returned by a bus configured for
	// single-handler topics when a second handler subscribes.
	ErrDuplicateSubscription = errors.New("topic already has a subscriber")

	// ErrNoSubscribers is returned by request calls against a topic with no
	// registered handler. Failing fast here prevents a guaranteed timeout.
	ErrNoSubscribers = errors.New("no subscribers for topic")
)

// FailureKind classifies worker collaborator failures per the worker contract.
type FailureKind string

const (
	// FailureProvider indicates the collaborator reported an error.
	FailureProvider FailureKind = "provider"
	// FailureRateLimited indicates the outbound rate limiter denied the call.
	FailureRateLimited FailureKind = "rate_limited"
	// FailureInvalidResponse indicates the collaborator returned an
	// unusable result.
	FailureInvalidResponse FailureKind = "invalid_response"
	// FailureDeadline indicates the collaborator overran its deadline.
	FailureDeadline FailureKind = "deadline"
)

// WorkerError is a recoverable, data-shaped worker failure. Adapters convert
// every collaborator exception into one of these so a pending request resolves
// instead of timing out.
type WorkerError struct {
	Worker  string
	Kind    FailureKind
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s failed (%s): %s", e.Worker, e.Kind, e.Message)
}

// Is lets deadline-kind worker errors match ErrTimeout, so callers can treat
// a worker that overran its deadline and a request that timed out uniformly.
func (e *WorkerError) Is(target error) bool {
	return target == ErrTimeout && e.Kind == FailureDeadline
}

// ConfigError is a fatal configuration problem detected before orchestration
// starts (missing adapter, nonsense limits).
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// PersistenceError indicates a finalize commit failed. The chapter is marked
// failed but its snapshot is retained for a caller-level retry.
type PersistenceError struct {
	Chapter int
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting chapter %d: %v", e.Chapter, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

/// Error payload protocol: adapters encode failures into correlated response
// payloads under these keys so the failure travels as data over the bus.
const (
	errKindKey    = "error_kind"
	errMessageKey = "error"
	errWorkerKey  = "error_worker"
)

// ErrorPayload encodes err as a response payload following the error payload
// protocol. Non-worker errors are tagged as provider failures.
func ErrorPayload(worker string, err error) Payload {
	kind := FailureProvider
	var we *WorkerError
	switch {
	case errors.As(err, &we):
		kind = we.Kind
	case errors.Is(err, ErrTimeout):
		kind = FailureDeadline
	case errors.Is(err, ErrCancelled):
		kind = FailureDeadline
	}
	return Payload{
		errKindKey:    string(kind),
		errMessageKey: err.Error(),
		errWorkerKey:  worker,
	}
}

// PayloadError decodes the error payload protocol. It returns nil when the
// payload carries no failure tag, otherwise a *WorkerError reconstructed from
// the tagged fields.
func PayloadError(p Payload) error {
	kind := p.String(errKindKey)
	if kind == "" {
		return nil
	}
	return &WorkerError{
		Worker:  p.String(errWorkerKey),
		Kind:    FailureKind(kind),
		Message: p.String(errMessageKey),
	}
}
