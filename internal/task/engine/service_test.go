package engine

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/eventbus"
	"jobsched/internal/task/job"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newExec(t *testing.T, cfg Config, kinds *job.Registry, opts ...Option) *Service {
	t.Helper()
	if cfg.CircuitTripFailures == 0 {
		cfg.CircuitTripFailures = -1
	}
	s := New(cfg, kinds, opts...)
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Stop(context.Background(), false) })
	return s
}

func fireOf(name, kind string, concurrent bool) job.Fire {
	return job.Fire{
		Job:  job.Detail{Key: job.NewKey(name, ""), Kind: kind, ConcurrentExecutionAllowed: concurrent},
		Data: job.Data{"in": name},
	}
}

func register(t *testing.T, r *job.Registry, kind string, fn job.Func) {
	t.Helper()
	require.NoError(t, r.Register(kind, fn))
}

func TestSubmitSuccessReportsData(t *testing.T) {
	t.Parallel()

	kinds := job.NewRegistry()
	register(t, kinds, "count", func(_ context.Context, f job.Fire) (job.Data, error) {
		f.Data["out"] = "done"
		return f.Data, nil
	})

	var got job.Data
	var mu sync.Mutex
	s := newExec(t, Config{Workers: 2}, kinds, WithCompletion(func(_ job.Fire, out Outcome, data job.Data) {
		mu.Lock()
		got = data
		mu.Unlock()
	}))

	out, err := s.Submit(fireOf("a", "count", false)).Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.NoError(t, out.Err)
	mu.Lock()
	assert.Equal(t, job.Data{"in": "a", "out": "done"}, got)
	mu.Unlock()
	assert.EqualValues(t, 1, s.Executed())
}

func TestNonConcurrentJobNeverOverlaps(t *testing.T) {
	t.Parallel()

	kinds := job.NewRegistry()
	var active, maxActive atomic.Int32
	var order []string
	var mu sync.Mutex
	register(t, kinds, "slow", func(_ context.Context, f job.Fire) (job.Data, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		mu.Lock()
		order = append(order, f.ID)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	})
	s := newExec(t, Config{Workers: 4}, kinds)

	var futs []*Future
	for _, id := range []string{"f1", "f2", "f3", "f4"} {
		f := fireOf("same", "slow", false)
		f.ID = id
		futs = append(futs, s.Submit(f))
	}
	for _, fut := range futs {
		out, err := fut.Wait(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, out.Status)
	}
	assert.EqualValues(t, 1, maxActive.Load())
	assert.Equal(t, []string{"f1", "f2", "f3", "f4"}, order)
}

func TestConcurrentJobRunsInParallel(t *testing.T) {
	t.Parallel()

	kinds := job.NewRegistry()
	var wg sync.WaitGroup
	wg.Add(2)
	register(t, kinds, "barrier", func(ctx context.Context, _ job.Fire) (job.Data, error) {
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	s := newExec(t, Config{Workers: 2, DefaultTimeout: 5 * time.Second}, kinds)

	a := s.Submit(fireOf("p", "barrier", true))
	b := s.Submit(fireOf("p", "barrier", true))
	for _, fut := range []*Future{a, b} {
		out, err := fut.Wait(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, out.Status)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	kinds := job.NewRegistry()
	register(t, kinds, "panic", func(context.Context, job.Fire) (job.Data, error) { panic("kaboom") })
	register(t, kinds, "ok", func(context.Context, job.Fire) (job.Data, error) { return nil, nil })

	var completionData job.Data = job.Data{"sentinel": true}
	s := newExec(t, Config{Workers: 1}, kinds, WithCompletion(func(f job.Fire, _ Outcome, data job.Data) {
		if f.Job.Kind == "panic" {
			completionData = data
		}
	}))

	out, err := s.Submit(fireOf("p", "panic", false)).Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)
	assert.True(t, errors.Is(out.Err, job.ErrJobExecution))
	assert.Contains(t, out.Err.Error(), "kaboom")
	assert.Nil(t, completionData)

	// The worker survived.
	out, err = s.Submit(fireOf("q", "ok", false)).Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()

	kinds := job.NewRegistry()
	var calls atomic.Int32
	register(t, kinds, "flaky", func(context.Context, job.Fire) (job.Data, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return nil, nil
	})
	s := newExec(t, Config{Workers: 1, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, kinds)

	out, err := s.Submit(fireOf("f", "flaky", false)).Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 3, out.Attempts)
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()

	kinds := job.NewRegistry()
	register(t, kinds, "bad", func(context.Context, job.Fire) (job.Data, error) {
		return nil, NoRetry(errors.New("bad input"))
	})
	s := newExec(t, Config{Workers: 1, RetryMax: 5, RetryBase: time.Millisecond}, kinds)

	out, err := s.Submit(fireOf("b", "bad", false)).Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.Contains(t, out.Err.Error(), "bad input")
}

func TestUnknownKindFails(t *testing.T) {
	t.Parallel()

	s := newExec(t, Config{Workers: 1}, job.NewRegistry())
	out, err := s.Submit(fireOf("x", "missing", false)).Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)
	assert.True(t, errors.Is(out.Err, ErrUnknownKind))
	assert.True(t, errors.Is(out.Err, job.ErrJobExecution))
}

func TestTimeoutCancelsRun(t *testing.T) {
	t.Parallel()

	kinds := job.NewRegistry()
	register(t, kinds, "hang", func(ctx context.Context, _ job.Fire) (job.Data, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := newExec(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond}, kinds)

	out, err := s.Submit(fireOf("h", "hang", false)).Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)
	assert.True(t, errors.Is(out.Err, context.DeadlineExceeded))
}

func TestVetoHook(t *testing.T) {
	t.Parallel()

	kinds := job.NewRegistry()
	var ran atomic.Bool
	register(t, kinds, "ok", func(context.Context, job.Fire) (job.Data, error) { ran.Store(true); return nil, nil })
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := newExec(t, Config{Workers: 1}, kinds, WithBus(bus), WithVeto(func(f job.Fire) error {
		return errors.Newf("maintenance window for %s", f.Job.Key)
	}))

	out, err := s.Submit(fireOf("v", "ok", false)).Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StatusVetoed, out.Status)
	assert.True(t, errors.Is(out.Err, ErrVetoed))
	assert.False(t, ran.Load())
	assert.Equal(t, eventbus.JobVetoed, (<-events).Type)
	assert.EqualValues(t, 0, s.Executed())
}

func TestCircuitBreakerVetoes(t *testing.T) {
	t.Parallel()

	kinds := job.NewRegistry()
	register(t, kinds, "fail", func(context.Context, job.Fire) (job.Data, error) { return nil, errors.New("down") })
	s := newExec(t, Config{Workers: 1, CircuitTripFailures: 2, CircuitBaseDelay: time.Hour}, kinds)

	for i := 0; i < 2; i++ {
		out, err := s.Submit(fireOf("c", "fail", false)).Wait(testCtx(t))
		require.NoError(t, err)
		require.Equal(t, StatusFailure, out.Status)
	}
	out, err := s.Submit(fireOf("c", "fail", false)).Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StatusVetoed, out.Status)
	assert.True(t, errors.Is(out.Err, ErrCircuitOpen))

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.CircuitOpen)
	assert.EqualValues(t, 1, snap.Vetoed)
	assert.Len(t, snap.History, 3)
}

func TestStopWithoutWaitAbandonsPending(t *testing.T) {
	t.Parallel()

	kinds := job.NewRegistry()
	started := make(chan struct{})
	register(t, kinds, "block", func(ctx context.Context, _ job.Fire) (job.Data, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := New(Config{Workers: 1, CircuitTripFailures: -1}, kinds)
	s.Start(context.Background())

	running := s.Submit(fireOf("a", "block", false))
	<-started
	queued := s.Submit(fireOf("a", "block", false))
	require.Equal(t, 1, s.Snapshot().Deferred)

	require.NoError(t, s.Stop(testCtx(t), false))

	out, err := queued.Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)
	assert.True(t, errors.Is(out.Err, job.ErrStopped))

	out, err = running.Wait(testCtx(t))
	require.NoError(t, err)
	assert.True(t, errors.Is(out.Err, context.Canceled))

	late, err := s.Submit(fireOf("b", "block", false)).Wait(testCtx(t))
	require.NoError(t, err)
	assert.True(t, errors.Is(late.Err, job.ErrStopped))
}

func TestStopWithWaitDrainsDeferred(t *testing.T) {
	t.Parallel()

	kinds := job.NewRegistry()
	var runs atomic.Int32
	release := make(chan struct{})
	register(t, kinds, "gate", func(context.Context, job.Fire) (job.Data, error) {
		<-release
		runs.Add(1)
		return nil, nil
	})
	s := New(Config{Workers: 2, CircuitTripFailures: -1}, kinds)
	s.Start(context.Background())

	futs := []*Future{
		s.Submit(fireOf("g", "gate", false)),
		s.Submit(fireOf("g", "gate", false)),
		s.Submit(fireOf("g", "gate", false)),
	}
	close(release)
	require.NoError(t, s.Stop(testCtx(t), true))

	for _, f := range futs {
		out, err := f.Wait(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, out.Status)
	}
	assert.EqualValues(t, 3, runs.Load())
	assert.False(t, s.Running())
}

func TestPrepareRefreshesFire(t *testing.T) {
	t.Parallel()

	kinds := job.NewRegistry()
	seen := make(chan any, 1)
	register(t, kinds, "echo", func(_ context.Context, f job.Fire) (job.Data, error) {
		seen <- f.Data["v"]
		return nil, nil
	})
	s := newExec(t, Config{Workers: 1}, kinds, WithPrepare(func(f *job.Fire) { f.Data = job.Data{"v": "fresh"} }))

	_, err := s.Submit(fireOf("e", "echo", false)).Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "fresh", <-seen)
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.0001}.withDefaults()
	rng := rand.New(rand.NewSource(1))

	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tc := range cases {
		got := backoffDelay(cfg, tc.retry, rng)
		assert.InDelta(t, float64(tc.want), float64(got), float64(tc.want)*0.001, "retry %d", tc.retry)
	}

	hinted := backoffDelayWithHint(cfg, 1, RetryAfter(errors.New("429"), time.Hour), rng)
	assert.InDelta(t, float64(time.Second), float64(hinted), float64(time.Millisecond))
}
