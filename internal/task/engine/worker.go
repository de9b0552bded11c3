package engine

import (
	"context"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/eventbus"
	"jobsched/internal/task/job"
	logx "jobsched/pkg/logx"
)

const slowRun = 750 * time.Millisecond

func (s *Service) worker(ctx context.Context, idx int) {
	// Per-worker RNG: avoids global lock contention when many jobs retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		s.mu.Lock()
		for len(s.pending) == 0 && s.state == stateRunning && ctx.Err() == nil {
			s.cond.Wait()
		}
		if len(s.pending) == 0 || s.state == stateStopped || ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		r := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.inFlight++
		s.mu.Unlock()

		out, data := s.execute(r.fire, rng)
		s.finish(r, out, data)
	}
}

// execute runs one fire to its final outcome, including retries.
func (s *Service) execute(fire job.Fire, rng *rand.Rand) (Outcome, job.Data) {
	if s.prepare != nil {
		s.prepare(&fire)
	}
	start := s.clk.Now()
	out := Outcome{FireID: fire.ID, Started: start}
	ev := RunEvent{FireID: fire.ID, Job: fire.Job.Key.String(), Started: start}
	if fire.Trigger != nil {
		ev.Trigger = fire.Trigger.Key.String()
	}
	hist := HistoryItem{FireID: fire.ID, Job: ev.Job, Trigger: ev.Trigger, Scheduled: fire.ScheduledTime, Started: start}
	if !fire.ScheduledTime.IsZero() && start.After(fire.ScheduledTime) {
		hist.Delay = start.Sub(fire.ScheduledTime)
	}
	log := s.log.With(logx.String("job", ev.Job), logx.String("fire", fire.ID))

	if err := s.vetoErr(fire, start); err != nil {
		out.Status = StatusVetoed
		out.Err = err
		out.Finished = s.clk.Now()
		s.vetoed.Add(1)
		ev.Error = err.Error()
		s.publish(eventbus.JobVetoed, ev)
		hist.Status, hist.Error = StatusVetoed, ev.Error
		s.record(hist)
		log.Debug("job vetoed", logx.Err(err))
		return out, nil
	}

	s.publish(eventbus.JobStarted, ev)
	log.Debug("job started", logx.Duration("delay", hist.Delay))

	var (
		data     job.Data
		err      error
		panicked bool
	)
	fn, ok := s.kinds.Lookup(fire.Job.Kind)
	if !ok {
		err = errors.Wrapf(ErrUnknownKind, "%q", fire.Job.Kind)
		out.Attempts = 1
	} else {
		data, panicked, err = s.attempts(fire, fn, rng, &out, log)
	}

	out.Finished = s.clk.Now()
	out.Duration = out.Finished.Sub(start)
	ev.Duration, ev.Attempts = out.Duration, out.Attempts
	hist.Duration, hist.Attempts = out.Duration, out.Attempts
	s.executed.Add(1)

	if err != nil {
		out.Status = StatusFailure
		out.Err = errors.Mark(errors.Wrapf(err, "job %s", fire.Job.Key), job.ErrJobExecution)
		s.failed.Add(1)
		ev.Error = err.Error()
		hist.Status, hist.Error = StatusFailure, ev.Error
		s.publish(eventbus.JobFailed, ev)
		log.Warn("job failed", logx.Err(err), logx.Int("attempts", out.Attempts), logx.Duration("dur", out.Duration))
	} else {
		out.Status = StatusSuccess
		hist.Status = StatusSuccess
		s.publish(eventbus.JobCompleted, ev)
		if out.Duration >= slowRun {
			log.Info("job completed", logx.Int("attempts", out.Attempts), logx.Duration("dur", out.Duration))
		} else {
			log.Debug("job completed", logx.Int("attempts", out.Attempts), logx.Duration("dur", out.Duration))
		}
		if data == nil {
			data = fire.Data
		}
	}
	if panicked {
		data = nil
	}
	s.circuitRecordResult(out.Finished, fire.Job.Key.String(), err)
	s.record(hist)
	return out, data
}

func (s *Service) attempts(fire job.Fire, fn job.Func, rng *rand.Rand, out *Outcome, log logx.Logger) (data job.Data, panicked bool, err error) {
	timeout := fire.Job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	maxAttempts := 1 + s.cfg.RetryMax

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.Attempts = attempt
		data, panicked = nil, false

		runCtx := s.runCtx
		var cancel context.CancelFunc
		if timeout > 0 {
			runCtx, cancel = context.WithTimeout(runCtx, timeout)
		}
		// Each attempt gets its own copy so a failed attempt cannot leak mutations.
		f := fire
		f.Data = fire.Data.Clone()
		func() {
			defer func() {
				if r := recover(); r != nil {
					panicked = true
					err = errors.Newf("panic: %v", r)
					log.Error("job panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			data, err = fn(runCtx, f)
			if err == nil && data == nil {
				data = f.Data
			}
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return data, false, nil
		}
		// Jobs can mark failures as non-retryable.
		var nr noRetryError
		if errors.As(err, &nr) {
			return data, panicked, nr.err
		}
		if attempt >= maxAttempts || s.runCtx.Err() != nil {
			break
		}

		delay := backoffDelayWithHint(s.cfg, attempt, err, rng)
		if delay > 0 {
			log.Debug("job retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
			tmr := s.clk.NewTimer(delay)
			select {
			case <-s.runCtx.Done():
				tmr.Stop()
				return data, panicked, errors.Wrap(err, "retry abandoned: executor stopped")
			case <-tmr.C():
			}
		}
	}
	return data, panicked, err
}

func (s *Service) vetoErr(fire job.Fire, now time.Time) error {
	if open, until := s.circuitIsOpen(now, fire.Job.Key.String()); open {
		return errors.Wrapf(ErrCircuitOpen, "until %s", until.Format(time.RFC3339))
	}
	if s.veto != nil {
		if err := s.veto(fire); err != nil {
			return errors.Mark(err, ErrVetoed)
		}
	}
	return nil
}

// finish reports the outcome, then releases the job's run lock (handing it to
// the next deferred fire if any) and resolves the future.
func (s *Service) finish(r *run, out Outcome, data job.Data) {
	if s.onDone != nil {
		s.onDone(r.fire, out, data)
	}

	s.mu.Lock()
	s.inFlight--
	key := r.fire.Job.Key
	if !r.fire.Job.ConcurrentExecutionAllowed {
		if q := s.deferred[key]; len(q) > 0 && s.state != stateStopped {
			next := q[0]
			q[0] = nil
			if len(q) == 1 {
				delete(s.deferred, key)
			} else {
				s.deferred[key] = q[1:]
			}
			s.pending = append(s.pending, next)
			s.cond.Signal()
		} else {
			delete(s.locked, key)
		}
	}
	s.mu.Unlock()

	r.fut.resolve(out)
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	// Respect explicit retry-after hints if provided by the job.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
		}
		return jitter(d, cfg, rng)
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
