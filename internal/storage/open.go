package storage

import (
	"context"
	"errors"
	"strings"

	logx "autopost/pkg/logx"
)

// Store is the journal API used by the dispatcher and housekeeping.
type Store interface {
	AppendAttempt(ctx context.Context, a Attempt) error
	PutMarker(ctx context.Context, m Marker) error
	GetMarker(ctx context.Context, jobID string) (Marker, bool, error)
	// Compact folds append-only state into its compact form and drops
	// markers past retention.
	Compact(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the journal is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if cfg.MarkerRetention <= 0 {
		cfg.MarkerRetention = defaultMarkerRetention
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown journal driver: " + driver)
	}
}
