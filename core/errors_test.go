package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorPayload_RoundTrip(t *testing.T) {
	src := &WorkerError{Worker: "world", Kind: FailureRateLimited, Message: "bucket empty"}
	p := ErrorPayload("world", src)

	err := PayloadError(p)
	require.Error(t, err)

	var we *WorkerError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "world", we.Worker)
	assert.Equal(t, FailureRateLimited, we.Kind)
}

func TestErrorPayload_TimeoutTagging(t *testing.T) {
	p := ErrorPayload("character", fmt.Errorf("invoking: %w", ErrTimeout))

	err := PayloadError(p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPayloadError_NoTag(t *testing.T) {
	assert.NoError(t, PayloadError(Payload{"text": "fine"}))
	assert.NoError(t, PayloadError(nil))
}

func TestWorkerError_IsTimeoutOnlyForDeadline(t *testing.T) {
	deadline := &WorkerError{Worker: "w", Kind: FailureDeadline, Message: "overran"}
	provider := &WorkerError{Worker: "w", Kind: FailureProvider, Message: "boom"}

	assert.ErrorIs(t, deadline, ErrTimeout)
	assert.False(t, errors.Is(provider, ErrTimeout))
}

func TestPersistenceError_Unwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := &PersistenceError{Chapter: 4, Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "chapter 4")
}
