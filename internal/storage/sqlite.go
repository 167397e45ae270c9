//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "autopost/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Runner processes and the loop share the file; one connection each.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log, retention: cfg.MarkerRetention}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAttempt(ctx context.Context, a Attempt) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(id, job_id, at, outcome, attempts, post_id, step, category, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.JobID, a.At.Format(time.RFC3339Nano), a.Outcome, a.Attempts,
		nullStr(a.PostID), nullStr(a.Step), nullStr(a.Category), nullStr(a.Error), a.TookMS,
	)
	return err
}

func (s *sqliteStore) PutMarker(ctx context.Context, m Marker) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(m.JobID) == "" {
		return errors.New("marker job id is required")
	}
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO markers(job_id, post_id, at) VALUES(?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET post_id=excluded.post_id, at=excluded.at`,
		m.JobID, nullStr(m.PostID), m.At.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetMarker(ctx context.Context, jobID string) (Marker, bool, error) {
	if s == nil || s.db == nil {
		return Marker{}, false, ErrDisabled
	}
	var (
		postID sql.NullString
		ms     int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT post_id, at FROM markers WHERE job_id = ?`, jobID).Scan(&postID, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, err
	}
	return Marker{JobID: jobID, PostID: postID.String, At: time.UnixMilli(ms).UTC()}, true, nil
}

func (s *sqliteStore) Compact(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM markers WHERE at < ?`, cutoff); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
