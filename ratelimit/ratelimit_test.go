package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_UnlimitedProvider(t *testing.T) {
	l := New()

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "unconfigured"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, -1, l.Remaining("unconfigured"))
}

func TestAcquire_ConsumesBurst(t *testing.T) {
	l := New()
	l.SetLimit("openai", 60)

	for i := 0; i < 60; i++ {
		require.NoError(t, l.Acquire(context.Background(), "openai"))
	}
	assert.Equal(t, 0, l.Remaining("openai"))
}

func TestAcquire_BlocksUntilRefill(t *testing.T) {
	l := New()
	// 6000 rpm refills one token every 10ms, keeping the test fast.
	l.SetLimit("fast", 6000)
	for i := 0; i < 6000; i++ {
		require.NoError(t, l.Acquire(context.Background(), "fast"))
	}

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "fast"))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestAcquire_ContextDeadline(t *testing.T) {
	l := New()
	l.SetLimit("slow", 1)
	require.NoError(t, l.Acquire(context.Background(), "slow")) // drain the burst

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetLimit_RemoveLimit(t *testing.T) {
	l := New()
	l.SetLimit("p", 1)
	require.NoError(t, l.Acquire(context.Background(), "p"))

	l.SetLimit("p", 0)
	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "p"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
