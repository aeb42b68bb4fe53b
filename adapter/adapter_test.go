package adapter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/storymesh/bus"
	"github.com/hupe1980/storymesh/core"
	"github.com/hupe1980/storymesh/ratelimit"
)

func echoWorker(provider string) core.Worker {
	return core.WorkerFunc{
		ProviderID: provider,
		Fn: func(_ context.Context, req core.Payload) (core.Payload, error) {
			return core.Payload{"echo": req.String("input")}, nil
		},
	}
}

func TestAdapter_RespondsToRequest(t *testing.T) {
	b := bus.New()
	defer b.Close()

	a := New("echo", "echo.request", echoWorker("mock"), b)
	require.NoError(t, a.Register())
	defer a.Close()

	resp, err := b.Request(context.Background(),
		core.NewMessage("echo.request", "test", core.Payload{"input": "hello"}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Payload.String("echo"))
	assert.NoError(t, core.PayloadError(resp.Payload))
}

func TestAdapter_TranslatesWorkerError(t *testing.T) {
	b := bus.New()
	defer b.Close()

	failing := core.WorkerFunc{
		ProviderID: "mock",
		Fn: func(context.Context, core.Payload) (core.Payload, error) {
			return nil, errors.New("model unavailable")
		},
	}
	a := New("flaky", "flaky.request", failing, b)
	require.NoError(t, a.Register())

	resp, err := b.Request(context.Background(),
		core.NewMessage("flaky.request", "test", nil), time.Second)
	require.NoError(t, err, "failures travel as data, the request itself succeeds")

	werr := core.PayloadError(resp.Payload)
	var we *core.WorkerError
	require.ErrorAs(t, werr, &we)
	assert.Equal(t, core.FailureProvider, we.Kind)
	assert.Equal(t, "flaky", we.Worker)
}

func TestAdapter_DeadlineOverrunBecomesData(t *testing.T) {
	b := bus.New()
	defer b.Close()

	// Worker always takes 50ms but the request allows only 10ms.
	slow := core.WorkerFunc{
		ProviderID: "mock",
		Fn: func(ctx context.Context, _ core.Payload) (core.Payload, error) {
			select {
			case <-time.After(50 * time.Millisecond):
				return core.Payload{"text": "late"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	a := New("slow", "slow.request", slow, b)
	require.NoError(t, a.Register())

	start := time.Now()
	resp, err := b.Request(context.Background(),
		core.NewMessage("slow.request", "test", core.Payload{"deadline_ms": 10}), time.Second)
	require.NoError(t, err, "adapter must answer before the bus-level timeout")
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	werr := core.PayloadError(resp.Payload)
	assert.ErrorIs(t, werr, core.ErrTimeout)
}

func TestAdapter_IgnoredCancellationStillAnswers(t *testing.T) {
	b := bus.New()
	defer b.Close()

	// Worker that never checks ctx; the adapter abandons it at the deadline.
	stubborn := core.WorkerFunc{
		ProviderID: "mock",
		Fn: func(context.Context, core.Payload) (core.Payload, error) {
			time.Sleep(200 * time.Millisecond)
			return core.Payload{"text": "too late"}, nil
		},
	}
	a := New("stubborn", "stubborn.request", stubborn, b, func(o *Options) {
		o.DefaultTimeout = 20 * time.Millisecond
	})
	require.NoError(t, a.Register())

	resp, err := b.Request(context.Background(),
		core.NewMessage("stubborn.request", "test", nil), time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, core.PayloadError(resp.Payload), core.ErrTimeout)
}

func TestAdapter_PanicBecomesProviderFailure(t *testing.T) {
	b := bus.New()
	defer b.Close()

	panicky := core.WorkerFunc{
		ProviderID: "mock",
		Fn: func(context.Context, core.Payload) (core.Payload, error) {
			panic("prompt template missing")
		},
	}
	a := New("panicky", "panicky.request", panicky, b)
	require.NoError(t, a.Register())

	resp, err := b.Request(context.Background(),
		core.NewMessage("panicky.request", "test", nil), time.Second)
	require.NoError(t, err)

	var we *core.WorkerError
	require.ErrorAs(t, core.PayloadError(resp.Payload), &we)
	assert.Equal(t, core.FailureProvider, we.Kind)
	assert.Contains(t, we.Message, "prompt template missing")
}

func TestAdapter_ConcurrentRequests(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var inflight, peak int32
	worker := core.WorkerFunc{
		ProviderID: "mock",
		Fn: func(_ context.Context, req core.Payload) (core.Payload, error) {
			n := atomic.AddInt32(&inflight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inflight, -1)
			return core.Payload{"echo": req.String("input")}, nil
		},
	}
	a := New("conc", "conc.request", worker, b)
	require.NoError(t, a.Register())

	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := b.Request(context.Background(),
				core.NewMessage("conc.request", "test", core.Payload{"input": "x"}), time.Second)
			results <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-results)
	}
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1), "requests should overlap")
}

func TestAdapter_RateLimiterWaitCountsTowardDeadline(t *testing.T) {
	b := bus.New()
	defer b.Close()

	limiter := ratelimit.New()
	limiter.SetLimit("mock", 1)
	require.NoError(t, limiter.Acquire(context.Background(), "mock")) // drain the burst

	a := New("limited", "limited.request", echoWorker("mock"), b, func(o *Options) {
		o.Limiter = limiter
	})
	require.NoError(t, a.Register())

	resp, err := b.Request(context.Background(),
		core.NewMessage("limited.request", "test", core.Payload{"deadline_ms": 30}), time.Second)
	require.NoError(t, err)

	var we *core.WorkerError
	require.ErrorAs(t, core.PayloadError(resp.Payload), &we)
	assert.Equal(t, core.FailureDeadline, we.Kind)
}

func TestAdapter_FireAndForget(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var calls int32
	worker := core.WorkerFunc{
		ProviderID: "mock",
		Fn: func(context.Context, core.Payload) (core.Payload, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		},
	}
	a := New("notify", "notify.request", worker, b)
	require.NoError(t, a.Register())

	b.Publish(context.Background(), core.NewMessage("notify.request", "test", nil))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.PendingCount())
}
