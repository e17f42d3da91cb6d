package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sharepilot/internal/credentials"
	"sharepilot/internal/job"
	logx "sharepilot/pkg/logx"
)

// fileStore writes JSON Lines next to a path prefix:
//   - <prefix>.jobs.jsonl         job snapshots, last line per id wins
//   - <prefix>.events.jsonl       history events
//   - <prefix>.credentials.jsonl  credential records, last line per user wins
//   - <prefix>.dedup.snapshot.json + <prefix>.dedup.journal.jsonl
//
// The dedup journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	jobs    *os.File
	events  *os.File
	creds   *os.File
	credsAt string

	dedupSnapshotPath string
	dedupJournal      *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

const compactEvery = 1000

type eventLine struct {
	JobID string `json:"jobId"`
	job.Event
}

type dedupLine struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:               log,
		credsAt:           prefix + ".credentials.jsonl",
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		dedup:             map[string]int64{},
	}
	journalPath := prefix + ".dedup.journal.jsonl"
	_ = loadDedupSnapshot(s.dedupSnapshotPath, s.dedup)
	_ = replayDedupJournal(journalPath, s.dedup)
	pruneExpiredDedup(s.dedup, time.Now())

	var err error
	open := func(p string) *os.File {
		if err != nil {
			return nil
		}
		var f *os.File
		f, err = os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
		return f
	}
	s.jobs = open(prefix + ".jobs.jsonl")
	s.events = open(prefix + ".events.jsonl")
	s.creds = open(s.credsAt)
	s.dedupJournal = open(journalPath)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.jobs, &s.events, &s.creds, &s.dedupJournal} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) writeLine(f *os.File, v any) error {
	if f == nil {
		return ErrDisabled
	}
	return json.NewEncoder(f).Encode(v)
}

func (s *fileStore) SaveJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLine(s.jobs, j)
}

func (s *fileStore) AppendEvent(_ context.Context, jobID string, ev job.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLine(s.events, eventLine{JobID: jobID, Event: ev})
}

func (s *fileStore) SaveCredential(_ context.Context, rec credentials.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLine(s.creds, rec)
}

func (s *fileStore) LoadCredentials(context.Context) ([]credentials.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.credsAt)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	latest := map[string]credentials.Record{}
	var order []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec credentials.Record
		if json.Unmarshal(sc.Bytes(), &rec) != nil || rec.UserID == "" {
			continue
		}
		if _, seen := latest[rec.UserID]; !seen {
			order = append(order, rec.UserID)
		}
		latest[rec.UserID] = rec
	}
	out := make([]credentials.Record, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, sc.Err()
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournal == nil {
		return ErrDisabled
	}
	s.dedup[key] = ms
	if err := s.writeLine(s.dedupJournal, dedupLine{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup, time.Now())

	tmp := s.dedupSnapshotPath + ".tmp"
	b, err := json.Marshal(s.dedup)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournal.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournal.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupLine
		if json.Unmarshal(sc.Bytes(), &r) != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m {
		if v < cut {
			delete(m, k)
		}
	}
}
