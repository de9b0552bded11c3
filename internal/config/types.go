package config

// Config is the jobsched configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Executor controls how fires run. If omitted, executor defaults apply.
	Executor *ExecutorConfig `json:"executor,omitempty"`

	// Storage is optional; nil means jobs live in memory only.
	Storage *StorageConfig `json:"storage,omitempty"`
	Debug   DebugConfig    `json:"debug,omitempty"`

	// Jobs are declarative jobs kept in sync with the file on load and reload.
	Jobs []JobConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // pretty (default) or json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler service.
//
// Defaults (when fields are omitted/zero):
//   - name: "jobsched"
//   - instance_id: "AUTO" (random per process)
//   - timezone: UTC
//   - misfire_threshold: "60s"
type SchedulerConfig struct {
	Name       string `json:"name,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	Timezone   string `json:"timezone,omitempty"`

	MisfireThreshold string `json:"misfire_threshold,omitempty"`

	StartInStandby        bool `json:"start_in_standby,omitempty"`
	WaitForJobsOnShutdown bool `json:"wait_for_jobs_on_shutdown,omitempty"`
	// ShutdownTimeout bounds a waiting shutdown. Default "30s".
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// ExecutorConfig controls the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
//   - retry_base: "500ms", retry_max_delay: "15s", retry_jitter: 0.2
//   - circuit_trip_failures: 5 (negative disables the breaker)
type ExecutorConfig struct {
	Workers int `json:"workers,omitempty"`

	// DefaultTimeout bounds runs of jobs without their own timeout.
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`

	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./jobsched_store" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	CompactEvery int    `json:"compact_every,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (pprof plus JSON
// views of the scheduler).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// JobConfig declares a job and its triggers.
type JobConfig struct {
	Name        string         `json:"name"`
	Group       string         `json:"group,omitempty"`
	Description string         `json:"description,omitempty"`
	Kind        string         `json:"kind"`
	Data        map[string]any `json:"data,omitempty"`

	Durable                    bool   `json:"durable,omitempty"`
	PersistDataAfterExecution  bool   `json:"persist_data,omitempty"`
	ConcurrentExecutionAllowed bool   `json:"concurrent,omitempty"`
	RequestsRecovery           bool   `json:"requests_recovery,omitempty"`
	Timeout                    string `json:"timeout,omitempty"`

	Triggers []TriggerConfig `json:"triggers,omitempty"`
}

// TriggerConfig declares one trigger of a job.
//
// Schedule accepts cron expressions, "@every 5m", Go durations, "HH:MM" intervals
// and "at:<RFC3339>" one-shots.
type TriggerConfig struct {
	Name     string `json:"name,omitempty"`
	Schedule string `json:"schedule"`
	// Repeat limits interval schedules to this many repeats after the first fire.
	Repeat   *int   `json:"repeat,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Start    string `json:"start,omitempty"` // RFC 3339
	End      string `json:"end,omitempty"`   // RFC 3339
	Priority int    `json:"priority,omitempty"`

	MisfireThreshold string         `json:"misfire_threshold,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
}
