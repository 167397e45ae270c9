package schedule

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "autopost/pkg/logx"
)

// ErrNoSchedule marks a missing or unreadable schedule. Load still returns an
// empty document alongside it; callers log and treat it as "no jobs".
var ErrNoSchedule = errors.New("schedule unavailable")

// StoreLockKey is the lock key serializing read-modify-write of the file.
const StoreLockKey = "schedule"

// Locker is the cross-process exclusion used by Update.
type Locker interface {
	WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error
}

type Config struct {
	Path string
	// UpdateTimeout bounds the wait for the store lock in Update.
	UpdateTimeout time.Duration
}

// Store persists the schedule as a JSON array in a single file.
type Store struct {
	path          string
	updateTimeout time.Duration
	locker        Locker
	log           logx.Logger

	// mu serializes writers inside this process; locker covers other processes.
	mu sync.Mutex
}

func NewStore(cfg Config, locker Locker, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("schedule path is required")
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = 10 * time.Second
	}
	return &Store{
		path:          path,
		updateTimeout: cfg.UpdateTimeout,
		locker:        locker,
		log:           log.With(logx.String("comp", "schedule")),
	}, nil
}

func (s *Store) Path() string { return s.path }

// Load reads the whole schedule. On a missing or unreadable file it returns
// an empty document and an error wrapping ErrNoSchedule (and the cause).
func (s *Store) Load(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return &Document{}, fmt.Errorf("%w: %w", ErrNoSchedule, err)
	}
	doc, err := ParseDocument(b)
	if err != nil {
		return &Document{}, fmt.Errorf("%w: %w", ErrNoSchedule, err)
	}
	for _, issue := range doc.Issues() {
		s.log.Warn("skipping malformed schedule record", logx.Err(issue))
	}
	return doc, nil
}

// Save atomically replaces the file with doc.
func (s *Store) Save(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc == nil {
		doc = &Document{}
	}
	b, err := doc.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.path, b)
}

// Update runs fn on the freshly loaded document and saves the result, all
// under the store lock. fn returning an error aborts without saving.
// A missing file starts from an empty document; a corrupt one is never
// overwritten.
func (s *Store) Update(ctx context.Context, fn func(doc *Document) error) error {
	body := func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		doc, err := s.Load(ctx)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			doc = &Document{}
		}
		if err := fn(doc); err != nil {
			return err
		}
		b, err := doc.Marshal()
		if err != nil {
			return err
		}
		return writeAtomic(s.path, b)
	}
	if s.locker == nil {
		return body(ctx)
	}
	return s.locker.WithLock(ctx, StoreLockKey, s.updateTimeout, body)
}

// MarkPosted flips posted to true for id. Posted is monotonic, so marking
// an already posted job is a no-op.
func (s *Store) MarkPosted(ctx context.Context, id string) error {
	return s.Update(ctx, func(doc *Document) error {
		if !doc.MarkPosted(id) {
			return fmt.Errorf("%w: %q", ErrJobNotFound, id)
		}
		return nil
	})
}

// writeAtomic writes to a temp file in the target directory, fsyncs, then
// renames over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
