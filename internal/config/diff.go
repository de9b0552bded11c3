package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobsched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the keys of declared jobs that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.misfire_threshold", strings.TrimSpace(newCfg.Scheduler.MisfireThreshold)),
			logx.Bool("scheduler.start_in_standby", newCfg.Scheduler.StartInStandby),
		)
	}

	oEx, nEx := derefExecutor(oldCfg.Executor), derefExecutor(newCfg.Executor)
	if (oldCfg.Executor != nil) != (newCfg.Executor != nil) || oEx != nEx {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Bool("executor.present", newCfg.Executor != nil),
			logx.Int("executor.workers", nEx.Workers),
			logx.String("executor.default_timeout", strings.TrimSpace(nEx.DefaultTimeout)),
			logx.Int("executor.retry_max", nEx.RetryMax),
			logx.Int("executor.circuit_trip_failures", nEx.CircuitTripFailures),
		)
	}

	// Storage: nil means memory only. Only whether a path is set is logged.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.CompactEvery != nS.CompactEvery {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	// Debug (never log token)
	oD, nD := oldCfg.Debug, newCfg.Debug
	tokenChanged := oD.Token != nD.Token
	oD.Token, nD.Token = "", ""
	if tokenChanged || oD != nD {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", newCfg.Debug.AllowInsecure),
		)
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.declared", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

// RestartRequired reports whether a change between the two configs cannot be
// applied to a running scheduler and needs a process restart.
func RestartRequired(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	oS, nS := oldCfg.Scheduler, newCfg.Scheduler
	// Shutdown behaviour is read at stop time and can change live.
	oS.WaitForJobsOnShutdown, nS.WaitForJobsOnShutdown = false, false
	oS.ShutdownTimeout, nS.ShutdownTimeout = "", ""
	oS.StartInStandby, nS.StartInStandby = false, false
	if oS != nS {
		return true
	}
	if derefExecutor(oldCfg.Executor) != derefExecutor(newCfg.Executor) {
		return true
	}
	return !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage)
}

func derefExecutor(ec *ExecutorConfig) ExecutorConfig {
	if ec == nil {
		return ExecutorConfig{}
	}
	return *ec
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(in []JobConfig) map[string]uint64 {
		m := make(map[string]uint64, len(in))
		for _, jc := range in {
			m[JobKey(jc).String()] = canonicalHash(jc)
		}
		return m
	}
	oldM, newM := index(oldJobs), index(newJobs)

	out := make([]string, 0)
	for k, h := range newM {
		if oh, ok := oldM[k]; !ok || oh != h {
			out = append(out, k)
		}
	}
	for k := range oldM {
		if _, ok := newM[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
