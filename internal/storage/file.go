package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"jobsched/internal/task/job"
	logx "jobsched/pkg/logx"
)

// fileStore persists the job store in two files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only changes since the snapshot)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	compactEvery int
	writes       int

	// Mirror of the persisted state; seq keeps first-insertion order.
	seq      uint64
	jobs     map[job.Key]jobEntry
	triggers map[job.Key]triggerEntry
}

type jobEntry struct {
	seq uint64
	d   *job.Detail
}

type triggerEntry struct {
	seq uint64
	t   *job.Trigger
}

// journalRecord is one line of the journal. A record with neither Job nor
// Trigger set deletes the keyed entity of Kind.
type journalRecord struct {
	Kind    string       `json:"kind"`
	Key     job.Key      `json:"key"`
	Job     *job.Detail  `json:"job,omitempty"`
	Trigger *job.Trigger `json:"trigger,omitempty"`
}

const (
	recordJob     = "job"
	recordTrigger = "trigger"
)

type snapshotFile struct {
	Jobs     []*job.Detail  `json:"jobs"`
	Triggers []*job.Trigger `json:"triggers"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: cfg.CompactEvery,
		jobs:         map[job.Key]jobEntry{},
		triggers:     map[job.Key]triggerEntry{},
	}
	if s.compactEvery <= 0 {
		s.compactEvery = defaultCompactEvery
	}
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(err, "read snapshot %s", s.snapshotPath)
	}
	skipped, err := s.replayJournal(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(err, "replay journal %s", journalPath)
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal lines", logx.Int("lines", skipped))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Name() string { return "file" }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) LoadAll(ctx context.Context) ([]*job.Detail, []*job.Trigger, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	return snap.Jobs, snap.Triggers, nil
}

func (s *fileStore) OnJobChanged(_ context.Context, key job.Key, d *job.Detail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.applyLocked(journalRecord{Kind: recordJob, Key: key, Job: d})
	return s.appendLocked(journalRecord{Kind: recordJob, Key: key, Job: d})
}

func (s *fileStore) OnTriggerChanged(_ context.Context, key job.Key, t *job.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.applyLocked(journalRecord{Kind: recordTrigger, Key: key, Trigger: t})
	return s.appendLocked(journalRecord{Kind: recordTrigger, Key: key, Trigger: t})
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return errors.Wrap(err, "append journal")
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) applyLocked(r journalRecord) {
	key := r.Key.Normalize()
	switch r.Kind {
	case recordJob:
		if r.Job == nil {
			delete(s.jobs, key)
			return
		}
		e, ok := s.jobs[key]
		if !ok {
			s.seq++
			e.seq = s.seq
		}
		e.d = r.Job.Clone()
		s.jobs[key] = e
	case recordTrigger:
		if r.Trigger == nil {
			delete(s.triggers, key)
			return
		}
		e, ok := s.triggers[key]
		if !ok {
			s.seq++
			e.seq = s.seq
		}
		e.t = r.Trigger.Clone()
		s.triggers[key] = e
	}
}

func (s *fileStore) snapshotLocked() snapshotFile {
	jobs := make([]jobEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		jobs = append(jobs, e)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].seq < jobs[j].seq })
	trs := make([]triggerEntry, 0, len(s.triggers))
	for _, e := range s.triggers {
		trs = append(trs, e)
	}
	sort.Slice(trs, func(i, j int) bool { return trs[i].seq < trs[j].seq })

	out := snapshotFile{Jobs: make([]*job.Detail, 0, len(jobs)), Triggers: make([]*job.Trigger, 0, len(trs))}
	for _, e := range jobs {
		out.Jobs = append(out.Jobs, e.d.Clone())
	}
	for _, e := range trs {
		out.Triggers = append(out.Triggers, e.t.Clone())
	}
	return out
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.snapshotLocked()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, d := range snap.Jobs {
		if d != nil {
			s.applyLocked(journalRecord{Kind: recordJob, Key: d.Key, Job: d})
		}
	}
	for _, t := range snap.Triggers {
		if t != nil {
			s.applyLocked(journalRecord{Kind: recordTrigger, Key: t.Key, Trigger: t})
		}
	}
	return nil
}

// replayJournal applies every readable record and returns how many lines it skipped.
func (s *fileStore) replayJournal(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var r journalRecord
		if err := json.Unmarshal(line, &r); err != nil || r.Key.IsZero() {
			skipped++
			continue
		}
		if r.Kind != recordJob && r.Kind != recordTrigger {
			skipped++
			continue
		}
		s.applyLocked(r)
	}
	return skipped, sc.Err()
}
