package trigger

import (
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/task/job"
)

// Parsed is the result of ParseSchedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 0 * * * ?", "0 0 12 * * ? 2030", "@hourly"
//   - Interval: "@every 55m", Go duration "2h30m", HH:MM "02:30" (2 hours 30 minutes)
//   - One-shot: "at:2030-01-02T15:04:05Z" (RFC 3339)
//
// Optional prefixes force a form: "cron:", "interval:" / "every:", "at:".
type Parsed struct {
	Schedule job.Schedule
	// At is the fire time of a one-shot schedule; zero otherwise.
	At     time.Time
	Source string // "cron" | "duration" | "hhmm" | "at"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a human-facing schedule string. Interval results repeat forever.
func ParseSchedule(raw string) (Parsed, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Parsed{}, errors.Wrap(job.ErrInvalidSchedule, "schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Parsed{}, errors.Wrap(job.ErrInvalidSchedule, "cron schedule required after 'cron:'")
		}
		return cronParsed(expr), nil
	case strings.HasPrefix(low, "interval:"):
		return intervalParsed(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalParsed(s[len("every:"):])
	case strings.HasPrefix(low, "@every "):
		return intervalParsed(s[len("@every "):])
	case strings.HasPrefix(low, "at:"):
		v := strings.TrimSpace(s[len("at:"):])
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Parsed{}, errors.Wrapf(job.ErrInvalidSchedule, "invalid time %q (use RFC 3339)", v)
		}
		return Parsed{Schedule: job.Schedule{Kind: job.ScheduleInterval}, At: at, Source: "at"}, nil
	}

	// Any whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return cronParsed(s), nil
	}
	if p, err := intervalParsed(s); err == nil {
		return p, nil
	}
	return Parsed{}, errors.Wrapf(job.ErrInvalidSchedule,
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
}

func cronParsed(expr string) Parsed {
	return Parsed{Schedule: job.Schedule{Kind: job.ScheduleCron, CronExpr: expr}, Source: "cron"}
}

func intervalParsed(v string) (Parsed, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return Parsed{}, err
	}
	return Parsed{
		Schedule: job.Schedule{Kind: job.ScheduleInterval, Interval: d, RepeatCount: job.RepeatForever},
		Source:   src,
	}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", errors.Wrap(job.ErrInvalidSchedule, "interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", errors.Wrapf(job.ErrInvalidSchedule, "invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", errors.Wrap(job.ErrInvalidSchedule, "interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, string, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, "", errors.Wrapf(job.ErrInvalidSchedule, "invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, "", errors.Wrapf(job.ErrInvalidSchedule, "invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, "", errors.Wrap(job.ErrInvalidSchedule, "interval must be > 0")
	}
	return d, "hhmm", nil
}
