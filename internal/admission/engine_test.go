package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3xpluto/quotagate/internal/counter"
	"github.com/3xpluto/quotagate/internal/schedule"
	"github.com/3xpluto/quotagate/internal/window"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore wraps a store and fails whenever fail reports true.
type flakyStore struct {
	next  counter.Store
	fail  func(req counter.Request) bool
	calls atomic.Int64
}

func (f *flakyStore) IncrementAndCheck(ctx context.Context, req counter.Request) (int64, error) {
	f.calls.Add(1)
	if f.fail != nil && f.fail(req) {
		return 0, errors.New("dial tcp: connection refused")
	}
	return f.next.IncrementAndCheck(ctx, req)
}

func (f *flakyStore) Name() string { return "flaky" }
func (f *flakyStore) Close() error { return nil }

func alwaysFail(counter.Request) bool { return true }

func testSchedule(t *testing.T) *schedule.Schedule {
	t.Helper()
	s, err := schedule.New("free", map[string]map[string]schedule.Limits{
		"free": {
			"summaryGenerate": {Short: 2, Long: 20},
			"bulkImport":      {Short: 100, Long: 3},
			"longOnly":        {Long: 2},
		},
		"pro": {
			"summaryGenerate": {Short: 10, Long: 200},
		},
	})
	require.NoError(t, err)
	return s
}

type harness struct {
	engine   *Engine
	clock    *fakeClock
	primary  *flakyStore
	fallback *counter.MemoryStore
	reg      *prometheus.Registry
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock:    &fakeClock{now: time.Date(2024, 5, 1, 10, 4, 10, 0, time.UTC)},
		primary:  &flakyStore{next: counter.NewMemoryStore()},
		fallback: counter.NewMemoryStore(),
		reg:      prometheus.NewRegistry(),
	}
	cfg := Config{
		Schedule: testSchedule(t),
		Primary:  h.primary,
		Fallback: h.fallback,
		Metrics:  NewMetrics(h.reg),
		Clock:    h.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) check(t *testing.T, caller, plan, action string) Decision {
	t.Helper()
	d, err := h.engine.Check(context.Background(), Request{CallerID: caller, Plan: plan, Action: action})
	require.NoError(t, err)
	return d
}

func TestFreeSummaryScenario(t *testing.T) {
	h := newHarness(t, nil)

	d1 := h.check(t, "user_1", "free", "summaryGenerate")
	d2 := h.check(t, "user_1", "free", "summaryGenerate")
	d3 := h.check(t, "user_1", "free", "summaryGenerate")

	assert.True(t, d1.Allowed)
	assert.Equal(t, int64(1), d1.Short.Remaining)
	assert.True(t, d2.Allowed)
	assert.Equal(t, int64(0), d2.Short.Remaining)

	assert.False(t, d3.Allowed)
	assert.Equal(t, window.Short, d3.Violated)
	assert.Equal(t, int64(0), d3.Remaining)
	assert.False(t, d3.Long.Evaluated, "long window is not charged after a short reject")

	// The long counter still holds 2: the next minute's call is the third.
	h.clock.Advance(time.Minute)
	d4 := h.check(t, "user_1", "free", "summaryGenerate")
	assert.True(t, d4.Allowed)
	assert.Equal(t, int64(3), d4.Long.Count)
	assert.Equal(t, int64(17), d4.Long.Remaining)
}

func TestChargeLongOnShortReject(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ChargeLongOnShortReject = true })

	for i := 0; i < 2; i++ {
		h.check(t, "user_1", "free", "summaryGenerate")
	}
	d := h.check(t, "user_1", "free", "summaryGenerate")
	assert.False(t, d.Allowed)
	assert.Equal(t, window.Short, d.Violated)
	require.True(t, d.Long.Evaluated)
	assert.Equal(t, int64(3), d.Long.Count)
}

func TestRejectBoundary(t *testing.T) {
	h := newHarness(t, nil)
	const limit = 10 // pro short limit

	for i := 1; i <= limit; i++ {
		d := h.check(t, "user_1", "pro", "summaryGenerate")
		require.True(t, d.Allowed, "call %d", i)
		assert.Equal(t, int64(limit-i), d.Short.Remaining)
	}
	d := h.check(t, "user_1", "pro", "summaryGenerate")
	assert.False(t, d.Allowed)
	assert.Equal(t, window.Short, d.Violated)
}

func TestLongWindowReject(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 3; i++ {
		require.True(t, h.check(t, "user_1", "free", "bulkImport").Allowed)
	}
	d := h.check(t, "user_1", "free", "bulkImport")
	assert.False(t, d.Allowed)
	assert.Equal(t, window.Long, d.Violated)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Equal(t, int64(96), d.Short.Remaining, "short window was charged before the long check")

	// A new minute does not help; a new UTC day does.
	h.clock.Advance(time.Minute)
	assert.False(t, h.check(t, "user_1", "free", "bulkImport").Allowed)
	h.clock.Advance(24 * time.Hour)
	assert.True(t, h.check(t, "user_1", "free", "bulkImport").Allowed)
}

func TestUnenforcedWindowSkipped(t *testing.T) {
	h := newHarness(t, nil)

	d := h.check(t, "user_1", "free", "longOnly")
	assert.True(t, d.Allowed)
	assert.False(t, d.Short.Enforced)
	assert.False(t, d.Short.Evaluated)
	assert.Equal(t, int64(1), d.Remaining)
	assert.Equal(t, int64(1), h.primary.calls.Load())
}

func TestSlotRollover(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 2; i++ {
		h.check(t, "user_1", "free", "summaryGenerate")
	}
	require.False(t, h.check(t, "user_1", "free", "summaryGenerate").Allowed)

	h.clock.Advance(50 * time.Second) // 10:05:00
	d := h.check(t, "user_1", "free", "summaryGenerate")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Short.Count)
}

func TestWindowIndependence(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 3; i++ {
		h.check(t, "user_1", "free", "summaryGenerate")
	}
	d := h.check(t, "user_1", "free", "bulkImport")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Short.Count)
	assert.Equal(t, int64(1), d.Long.Count)

	other := h.check(t, "user_2", "free", "summaryGenerate")
	assert.True(t, other.Allowed)
	assert.Equal(t, int64(1), other.Short.Count)
}

func TestUnscheduledActionIsUnlimited(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 5; i++ {
		d := h.check(t, "user_1", "pro", "bulkImport")
		assert.True(t, d.Allowed)
		assert.True(t, d.Unlimited)
		assert.Equal(t, int64(-1), d.Remaining)
	}
	assert.Zero(t, h.primary.calls.Load(), "unlimited actions never touch a store")
	assert.Equal(t, 5.0, testutil.ToFloat64(h.engine.metrics.Decisions.WithLabelValues("pro", "bulkImport", outcomeUnlimited)))
}

func TestUnknownPlanUsesDefaultPlan(t *testing.T) {
	h := newHarness(t, nil)

	d := h.check(t, "user_1", "platinum", "summaryGenerate")
	assert.Equal(t, "free", d.Plan)
	assert.Equal(t, int64(2), d.Short.Limit)
}

func TestFallbackParity(t *testing.T) {
	h := newHarness(t, nil)
	h.primary.fail = alwaysFail

	for i := 0; i < 2; i++ {
		d := h.check(t, "user_1", "free", "summaryGenerate")
		assert.True(t, d.Allowed)
		assert.True(t, d.Degraded)
	}
	d := h.check(t, "user_1", "free", "summaryGenerate")
	assert.False(t, d.Allowed)
	assert.Equal(t, window.Short, d.Violated)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.engine.metrics.Fallbacks.WithLabelValues("flaky")))
}

func TestFallbackLatchesForRestOfCheck(t *testing.T) {
	h := newHarness(t, nil)
	h.primary.fail = func(req counter.Request) bool { return req.Key.Kind == window.Short }

	d := h.check(t, "user_1", "free", "summaryGenerate")
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	// Short failed on primary, so long must not go back to primary.
	assert.Equal(t, int64(1), h.primary.calls.Load())
	assert.Equal(t, 2, h.fallback.Len())
}

func TestMemoryOnlyIsNotDegraded(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Primary = nil })

	d := h.check(t, "user_1", "free", "summaryGenerate")
	assert.True(t, d.Allowed)
	assert.False(t, d.Degraded)
	assert.Equal(t, 2, h.fallback.Len())
}

type brokenStore struct{}

func (brokenStore) IncrementAndCheck(context.Context, counter.Request) (int64, error) {
	return 0, errors.New("disk full")
}
func (brokenStore) Name() string { return "broken" }
func (brokenStore) Close() error { return nil }

func TestFailurePolicy(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		h := newHarness(t, func(c *Config) {
			c.Fallback = brokenStore{}
			c.FailurePolicy = FailOpen
		})
		h.primary.fail = alwaysFail

		d := h.check(t, "user_1", "free", "summaryGenerate")
		assert.True(t, d.Allowed)
		assert.True(t, d.Degraded)

		d = h.check(t, "", "free", "summaryGenerate")
		assert.True(t, d.Allowed)
	})

	t.Run("closed", func(t *testing.T) {
		h := newHarness(t, func(c *Config) {
			c.Fallback = brokenStore{}
			c.FailurePolicy = FailClosed
		})
		h.primary.fail = alwaysFail

		_, err := h.engine.Check(context.Background(), Request{CallerID: "user_1", Plan: "free", Action: "summaryGenerate"})
		assert.ErrorIs(t, err, ErrInternal)

		_, err = h.engine.Check(context.Background(), Request{CallerID: " ", Plan: "free", Action: "summaryGenerate"})
		assert.ErrorIs(t, err, ErrInternal)
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.Equal(t, 2.0, testutil.ToFloat64(h.engine.metrics.Decisions.WithLabelValues("free", "summaryGenerate", outcomeError)))
	})
}

// waitStore blocks until the caller's context ends.
type waitStore struct{}

func (waitStore) IncrementAndCheck(ctx context.Context, _ counter.Request) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (waitStore) Name() string { return "wait" }
func (waitStore) Close() error { return nil }

func TestCallerCancellationIsNotAFault(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Primary = waitStore{}
		c.FailurePolicy = FailClosed
		c.StoreTimeout = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.engine.Check(ctx, Request{CallerID: "user_1", Plan: "free", Action: "summaryGenerate"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrInternal)
	assert.Zero(t, testutil.ToFloat64(h.engine.metrics.Decisions.WithLabelValues("free", "summaryGenerate", outcomeError)))
	assert.Zero(t, testutil.ToFloat64(h.engine.metrics.Fallbacks.WithLabelValues("wait")))

	// A primary timeout still degrades to the fallback.
	d, err := h.engine.Check(context.Background(), Request{CallerID: "user_1", Plan: "free", Action: "summaryGenerate"})
	require.NoError(t, err)
	assert.True(t, d.Degraded)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.metrics.Fallbacks.WithLabelValues("wait")))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Schedule: testSchedule(t), FailurePolicy: "sometimes"})
	assert.Error(t, err)
}

func TestConcurrentChecksAdmitExactlyLimit(t *testing.T) {
	h := newHarness(t, nil)
	const n = 1000

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := h.engine.Check(context.Background(), Request{CallerID: "user_1", Plan: "pro", Action: "summaryGenerate"})
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), allowed.Load())
}

func TestEngineWithRedisPrimary(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	e, err := New(Config{
		Schedule: testSchedule(t),
		Primary:  counter.NewRedisStore(rdb, "quota:"),
		Clock:    func() time.Time { return time.Now() },
	})
	require.NoError(t, err)

	req := Request{CallerID: "user_1", Plan: "free", Action: "summaryGenerate"}
	var last Decision
	for i := 0; i < 3; i++ {
		last, err = e.Check(context.Background(), req)
		require.NoError(t, err)
	}
	assert.False(t, last.Allowed)
	assert.False(t, last.Degraded)

	// Redis goes away: the engine keeps answering from the fallback.
	mr.Close()
	d, err := e.Check(context.Background(), Request{CallerID: "user_2", Plan: "free", Action: "summaryGenerate"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}
