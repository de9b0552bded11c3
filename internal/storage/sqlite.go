package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"jobsched/internal/task/job"
	logx "jobsched/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st, err := newSQLiteStore(context.Background(), db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// newSQLiteStore wraps an open database and applies the schema.
func newSQLiteStore(ctx context.Context, db *sql.DB, log logx.Logger) (*sqliteStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	st := &sqliteStore{db: db, log: log, now: time.Now}
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		return nil, errors.Wrap(err, "migrate sqlite schema")
	}
	return st, nil
}

func (s *sqliteStore) Name() string { return "sqlite" }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadAll(ctx context.Context) ([]*job.Detail, []*job.Trigger, error) {
	var jobs []*job.Detail
	err := s.scanBodies(ctx, `SELECT body FROM jobs ORDER BY id`, func(body []byte) error {
		var d job.Detail
		if err := json.Unmarshal(body, &d); err != nil {
			return err
		}
		jobs = append(jobs, &d)
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "load jobs")
	}

	var triggers []*job.Trigger
	err = s.scanBodies(ctx, `SELECT body FROM triggers ORDER BY id`, func(body []byte) error {
		var t job.Trigger
		if err := json.Unmarshal(body, &t); err != nil {
			return err
		}
		triggers = append(triggers, &t)
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "load triggers")
	}
	return jobs, triggers, nil
}

func (s *sqliteStore) scanBodies(ctx context.Context, query string, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return err
		}
		if err := fn(body); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *sqliteStore) OnJobChanged(ctx context.Context, key job.Key, d *job.Detail) error {
	key = key.Normalize()
	if d == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE grp = ? AND name = ?`, key.Group, key.Name)
		return errors.Wrapf(err, "delete job %s", key)
	}
	body, err := json.Marshal(d)
	if err != nil {
		return errors.Wrapf(err, "encode job %s", key)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(grp, name, body, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(grp, name) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		key.Group, key.Name, string(body), s.now().UTC().Format(time.RFC3339Nano),
	)
	return errors.Wrapf(err, "upsert job %s", key)
}

func (s *sqliteStore) OnTriggerChanged(ctx context.Context, key job.Key, t *job.Trigger) error {
	key = key.Normalize()
	if t == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE grp = ? AND name = ?`, key.Group, key.Name)
		return errors.Wrapf(err, "delete trigger %s", key)
	}
	body, err := json.Marshal(t)
	if err != nil {
		return errors.Wrapf(err, "encode trigger %s", key)
	}
	jk := t.JobKey.Normalize()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers(grp, name, job_grp, job_name, next_fire_ms, body, updated_at) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(grp, name) DO UPDATE SET job_grp=excluded.job_grp, job_name=excluded.job_name,
		   next_fire_ms=excluded.next_fire_ms, body=excluded.body, updated_at=excluded.updated_at`,
		key.Group, key.Name, jk.Group, jk.Name, nullMillis(t.NextFireTime), string(body), s.now().UTC().Format(time.RFC3339Nano),
	)
	return errors.Wrapf(err, "upsert trigger %s", key)
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
