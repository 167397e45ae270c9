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

	logx "autopost/pkg/logx"
)

// fileStore is the file-backed journal.
//
// Files:
//   - <prefix>.attempts.jsonl          (append-only JSON Lines)
//   - <prefix>.markers.snapshot.json   (compacted markers)
//   - <prefix>.markers.journal.jsonl   (append-only, fsynced per write)
//
// The marker journal is compacted into the snapshot by Compact and every
// compactEvery writes.
type fileStore struct {
	log       logx.Logger
	retention time.Duration

	mu sync.Mutex

	attemptsFile *os.File

	snapshotPath string
	journalFile  *os.File
	markers      map[string]Marker

	writes int
}

const compactEvery = 500

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".attempts.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".markers.snapshot.json"
	journalPath := prefix + ".markers.journal.jsonl"
	markers := map[string]Marker{}
	if err := loadSnapshot(snapPath, markers); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("marker snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, markers); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("marker journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		retention:    cfg.MarkerRetention,
		attemptsFile: af,
		snapshotPath: snapPath,
		journalFile:  jf,
		markers:      markers,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.attemptsFile != nil {
		err1 = s.attemptsFile.Close()
		s.attemptsFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendAttempt(ctx context.Context, a Attempt) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attemptsFile == nil {
		return errors.New("attempts file closed")
	}
	return json.NewEncoder(s.attemptsFile).Encode(a)
}

func (s *fileStore) PutMarker(ctx context.Context, m Marker) error {
	_ = ctx
	m.JobID = strings.TrimSpace(m.JobID)
	if m.JobID == "" {
		return errors.New("marker job id is required")
	}
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("marker journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(m); err != nil {
		return err
	}
	if err := s.journalFile.Sync(); err != nil {
		return err
	}
	s.markers[m.JobID] = m

	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("marker compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetMarker(ctx context.Context, jobID string) (Marker, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[strings.TrimSpace(jobID)]
	return m, ok, nil
}

func (s *fileStore) Compact(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("marker journal closed")
	}
	return s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	cutoff := time.Now().Add(-s.retention)
	for k, m := range s.markers {
		if m.At.Before(cutoff) {
			delete(s.markers, k)
		}
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.markers); err != nil {
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
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]Marker) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Marker
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]Marker) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m Marker
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil || m.JobID == "" {
			continue
		}
		out[m.JobID] = m
	}
	return sc.Err()
}
