package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"jobsched/internal/clock"
	"jobsched/internal/eventbus"
	"jobsched/internal/task/job"
	"jobsched/internal/task/store"
	logx "jobsched/pkg/logx"
)

const misfireWarnEvery = 30 * time.Second

// TriggerEvent is the payload of trigger.* events.
type TriggerEvent struct {
	Trigger   string    `json:"trigger"`
	Job       string    `json:"job"`
	Scheduled time.Time `json:"scheduled"`
	Actual    time.Time `json:"actual"`
}

// FireEvent is the payload of job.fired events.
type FireEvent struct {
	FireID    string    `json:"fire_id"`
	Job       string    `json:"job"`
	Trigger   string    `json:"trigger,omitempty"`
	Scheduled time.Time `json:"scheduled"`
	Misfired  bool      `json:"misfired,omitempty"`
	Manual    bool      `json:"manual,omitempty"`
}

// dispatch runs the coordinating loop until ctx is canceled. A store/queue
// inconsistency stops the loop with an assertion error.
func (s *Service) dispatch(ctx context.Context) error {
	s.log.Debug("dispatcher started")
	defer s.log.Debug("dispatcher stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		fires, wait, err := s.collectDue(ctx)
		if err != nil {
			s.log.Error("dispatcher halted", logx.Err(err))
			return err
		}
		for _, f := range fires {
			s.exec.Submit(f)
			s.publish(eventbus.JobFired, FireEvent{FireID: f.ID, Job: f.Job.Key.String(), Trigger: f.Trigger.Key.String(), Scheduled: f.ScheduledTime, Misfired: f.Misfired})
		}

		var tmr clock.Timer
		var tick <-chan time.Time
		if wait >= 0 {
			tmr = s.clk.NewTimer(wait)
			tick = tmr.C()
		}
		select {
		case <-ctx.Done():
		case <-s.wake:
		case <-tick:
		}
		if tmr != nil {
			tmr.Stop()
		}
	}
}

// collectDue pops every due trigger under the store lock, advances it and
// returns the fires to submit plus the time until the next one (-1 = none).
func (s *Service) collectDue(ctx context.Context) ([]job.Fire, time.Duration, error) {
	var (
		fires  []job.Fire
		wait   = time.Duration(-1)
		events []eventbus.Event
	)
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		if s.standby.Load() {
			return nil
		}
		now := s.clk.Now()
		for e := s.queue.popDue(now); e != nil; e = s.queue.popDue(now) {
			tr, err := tx.Trigger(e.key)
			if err != nil {
				return errors.AssertionFailedf("queued trigger %s missing from store", e.key)
			}
			d, err := tx.Job(tr.JobKey)
			if err != nil {
				return errors.AssertionFailedf("trigger %s references missing job %s", tr.Key, tr.JobKey)
			}

			scheduled := tr.NextFireTime
			misfired := s.trig.Misfired(tr, now)
			s.trig.Advance(tr, now, misfired)
			if err := tx.PutTrigger(tr, true); err != nil {
				return errors.NewAssertionErrorWithWrappedErrf(err, "re-store trigger %s", tr.Key)
			}

			f := job.Fire{
				ID:             uuid.NewString(),
				Job:            *d,
				Trigger:        tr,
				ScheduledTime:  scheduled,
				ActualFireTime: now,
				Misfired:       misfired,
			}
			f.Data = f.MergedData()
			fires = append(fires, f)

			te := TriggerEvent{Trigger: tr.Key.String(), Job: d.Key.String(), Scheduled: scheduled, Actual: now}
			if misfired {
				s.reportMisfire(tr, scheduled, now)
				events = append(events, eventbus.Event{Type: eventbus.TriggerMisfired, Time: now, Data: te})
			}
			if tr.Retired() {
				s.log.Debug("trigger retired", logx.String("trigger", tr.Key.String()), logx.Int64("times_triggered", tr.TimesTriggered))
				events = append(events, eventbus.Event{Type: eventbus.TriggerRetired, Time: now, Data: te})
			}
		}
		if head := s.queue.peek(); head != nil {
			wait = head.at.Sub(now)
		}
		return nil
	})
	for _, ev := range events {
		if s.bus != nil {
			s.bus.Publish(ev)
		}
	}
	return fires, wait, err
}

func (s *Service) reportMisfire(tr *job.Trigger, scheduled, now time.Time) {
	if !s.misfireWarn.Allow(tr.Key.String()) {
		return
	}
	s.log.Warn("trigger misfired, firing once and skipping backlog",
		logx.String("trigger", tr.Key.String()),
		logx.Duration("late", now.Sub(scheduled)),
		logx.Time("next", tr.NextFireTime),
	)
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) publish(typ eventbus.Type, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.clk.Now(), Data: data})
	}
}
