package storage

import (
	"strings"

	"github.com/cockroachdb/errors"

	"jobsched/internal/task/store"
	logx "jobsched/pkg/logx"
)

// Open initializes the configured backend.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (store.Persistence, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		st, err := openFile(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}

// ValidDriver reports whether Open understands driver.
func ValidDriver(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none", "file", "sqlite", "sqlite3":
		return true
	}
	return false
}
