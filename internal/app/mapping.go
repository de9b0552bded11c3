package app

import (
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/observability/debug"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
)

const (
	defaultMisfireThreshold = 60 * time.Second
	defaultShutdownTimeout  = 30 * time.Second
	defaultBusyTimeout      = time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns false when persistence is disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		BusyTimeout:  busy,
		CompactEvery: sc.CompactEvery,
	}, true, nil
}

// mapExecutorConfig leaves zero values for engine defaults to fill in.
func mapExecutorConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Executor
	if ec == nil {
		return engine.Config{}, nil
	}
	out := engine.Config{
		Workers:             ec.Workers,
		HistorySize:         ec.HistorySize,
		RetryMax:            ec.RetryMax,
		RetryJitter:         ec.RetryJitter,
		CircuitTripFailures: ec.CircuitTripFailures,
	}
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"executor.default_timeout", ec.DefaultTimeout, &out.DefaultTimeout},
		{"executor.retry_base", ec.RetryBase, &out.RetryBase},
		{"executor.retry_max_delay", ec.RetryMaxDelay, &out.RetryMaxDelay},
		{"executor.circuit_base_delay", ec.CircuitBaseDelay, &out.CircuitBaseDelay},
		{"executor.circuit_max_delay", ec.CircuitMaxDelay, &out.CircuitMaxDelay},
		{"executor.circuit_reset_after", ec.CircuitResetAfter, &out.CircuitResetAfter},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return engine.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	exec, err := mapExecutorConfig(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	misfire, err := config.ParseDurationOrDefault("scheduler.misfire_threshold", cfg.Scheduler.MisfireThreshold, defaultMisfireThreshold)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Name:             strings.TrimSpace(cfg.Scheduler.Name),
		InstanceID:       strings.TrimSpace(cfg.Scheduler.InstanceID),
		Timezone:         strings.TrimSpace(cfg.Scheduler.Timezone),
		MisfireThreshold: misfire,
		Executor:         exec,
	}, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	dc := cfg.Debug
	out := debug.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 10*time.Second); err != nil {
		return debug.Config{}, err
	}
	// 0 keeps /debug/pprof/profile usable.
	if out.WriteTimeout, err = config.ParseDurationField("debug.write_timeout", dc.WriteTimeout); err != nil {
		return debug.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 60*time.Second); err != nil {
		return debug.Config{}, err
	}
	return out, nil
}

func shutdownPolicy(cfg *config.Config) (wait bool, timeout time.Duration) {
	timeout, err := config.ParseDurationOrDefault("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		timeout = defaultShutdownTimeout
	}
	return cfg.Scheduler.WaitForJobsOnShutdown, timeout
}
