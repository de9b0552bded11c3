package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/storage"
	"jobsched/internal/task/job"
	"jobsched/internal/task/trigger"
	logx "jobsched/pkg/logx"
)

// Validate checks everything that can be checked without starting anything.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(errors.Newf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidFormat(cfg.Logging.Format) {
		add(errors.Newf("logging.format: unknown format %q (pretty|json)", cfg.Logging.Format))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(errors.Newf("scheduler.timezone: unknown zone %q", tz))
		}
	}
	_, err := ParseDurationField("scheduler.misfire_threshold", cfg.Scheduler.MisfireThreshold)
	add(err)
	_, err = ParseDurationField("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout)
	add(err)

	if ex := cfg.Executor; ex != nil {
		if ex.Workers < 0 {
			add(errors.New("executor.workers must be >= 0"))
		}
		if ex.RetryMax < 0 {
			add(errors.New("executor.retry_max must be >= 0"))
		}
		if ex.RetryJitter < 0 || ex.RetryJitter > 1 {
			add(errors.New("executor.retry_jitter must be within [0, 1]"))
		}
		for path, raw := range map[string]string{
			"executor.default_timeout":     ex.DefaultTimeout,
			"executor.retry_base":          ex.RetryBase,
			"executor.retry_max_delay":     ex.RetryMaxDelay,
			"executor.circuit_base_delay":  ex.CircuitBaseDelay,
			"executor.circuit_max_delay":   ex.CircuitMaxDelay,
			"executor.circuit_reset_after": ex.CircuitResetAfter,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
	}

	if st := cfg.Storage; st != nil {
		if !storage.ValidDriver(st.Driver) {
			add(errors.Newf("storage.driver: unknown driver %q", st.Driver))
		}
		d := strings.ToLower(strings.TrimSpace(st.Driver))
		if d != "" && d != "none" && strings.TrimSpace(st.Path) == "" {
			add(errors.New("storage.path is required"))
		}
		_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}

	for path, raw := range map[string]string{
		"debug.read_timeout":  cfg.Debug.ReadTimeout,
		"debug.write_timeout": cfg.Debug.WriteTimeout,
		"debug.idle_timeout":  cfg.Debug.IdleTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	add(validateJobs(cfg.Jobs))
	return errors.Join(errs...)
}

func validateJobs(jobs []JobConfig) error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	checker := trigger.New()
	seenJobs := map[job.Key]bool{}
	seenTriggers := map[job.Key]bool{}
	for i, jc := range jobs {
		key := job.NewKey(jc.Name, jc.Group)
		path := "jobs[" + strconv.Itoa(i) + "]"
		if key.IsZero() {
			add(errors.Newf("%s.name is required", path))
			continue
		}
		path = "jobs." + key.String()
		if seenJobs[key] {
			add(errors.Newf("%s: duplicate job", path))
		}
		seenJobs[key] = true
		if strings.TrimSpace(jc.Kind) == "" {
			add(errors.Newf("%s.kind is required", path))
		}
		if !jc.Durable && len(jc.Triggers) == 0 {
			add(errors.Newf("%s: a job without triggers must be durable", path))
		}
		_, err := ParseDurationField(path+".timeout", jc.Timeout)
		add(err)

		for j, tc := range jc.Triggers {
			tk := TriggerKey(jc, j)
			tpath := path + ".triggers." + tk.Name
			if seenTriggers[tk] {
				add(errors.Newf("%s: duplicate trigger", tpath))
			}
			seenTriggers[tk] = true
			if p, err := trigger.ParseSchedule(tc.Schedule); err != nil {
				add(errors.Wrapf(err, "%s.schedule", tpath))
			} else if err := checker.Validate(p.Schedule); err != nil {
				add(errors.Wrapf(err, "%s.schedule", tpath))
			}
			if tc.Repeat != nil && *tc.Repeat < job.RepeatForever {
				add(errors.Newf("%s.repeat must be >= -1", tpath))
			}
			_, err := ParseTimeField(tpath+".start", tc.Start)
			add(err)
			_, err = ParseTimeField(tpath+".end", tc.End)
			add(err)
			_, err = ParseDurationField(tpath+".misfire_threshold", tc.MisfireThreshold)
			add(err)
			if tz := strings.TrimSpace(tc.Timezone); tz != "" {
				if _, err := time.LoadLocation(tz); err != nil {
					add(errors.Newf("%s.timezone: unknown zone %q", tpath, tz))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// JobKey returns the key of a declared job.
func JobKey(jc JobConfig) job.Key { return job.NewKey(jc.Name, jc.Group) }

// TriggerKey returns the key of the i-th trigger of a declared job. Unnamed
// triggers are named after the job and their position.
func TriggerKey(jc JobConfig, i int) job.Key {
	name := strings.TrimSpace(jc.Triggers[i].Name)
	if name == "" {
		name = strings.TrimSpace(jc.Name) + "#" + strconv.Itoa(i)
	}
	return job.NewKey(name, jc.Group)
}
