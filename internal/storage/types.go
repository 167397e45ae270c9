package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the attempt journal.
//
// Driver values:
//   - "file": JSON Lines attempts plus a snapshot/journal marker store
//   - "sqlite": SQLite database file (build with -tags sqlite)
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MarkerRetention bounds how long published markers are kept by Compact.
	MarkerRetention time.Duration
}

// Attempt records one dispatch of a job, whatever its outcome.
type Attempt struct {
	ID       string    `json:"id"`
	JobID    string    `json:"job_id"`
	At       time.Time `json:"at"`
	Outcome  string    `json:"outcome"`
	Attempts int       `json:"attempts,omitempty"`
	PostID   string    `json:"post_id,omitempty"`
	Step     string    `json:"step,omitempty"`
	Category string    `json:"category,omitempty"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}

// Marker proves the platform accepted a job's post. It is written before
// the schedule is updated so a lost update can be reconciled without
// publishing twice.
type Marker struct {
	JobID  string    `json:"job_id"`
	PostID string    `json:"post_id,omitempty"`
	At     time.Time `json:"at"`
}

const defaultMarkerRetention = 90 * 24 * time.Hour
