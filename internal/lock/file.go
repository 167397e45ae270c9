package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "autopost/pkg/logx"
)

const (
	lockFilePrefix = "lock_"
	lockFileSuffix = ".json"
	tombstoneMark  = ".stale."
)

// FileConfig configures the file provider.
type FileConfig struct {
	Dir string
	// Grace is added to a lease's expiry before it counts as stale. It also
	// bounds how long an unreadable lock file is tolerated.
	Grace time.Duration
	Now   func() time.Time
}

// FileProvider keeps one JSON lock file per key in a shared directory.
// Files are created with O_EXCL, so only one process can create a given
// key at a time.
type FileProvider struct {
	dir   string
	grace time.Duration
	now   func() time.Time
	owner string
	pid   int
	log   logx.Logger
}

type leaseFile struct {
	Key        string    `json:"key"`
	Token      string    `json:"token"`
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func NewFileProvider(cfg FileConfig, log logx.Logger) (*FileProvider, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("lock dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	host, _ := os.Hostname()
	return &FileProvider{
		dir:   dir,
		grace: cfg.Grace,
		now:   cfg.Now,
		owner: host,
		pid:   os.Getpid(),
		log:   log.With(logx.String("comp", "lock.file")),
	}, nil
}

// FileName maps a key to its lock file name. Bytes outside [A-Za-z0-9_-]
// are percent-encoded, so distinct keys never share a file.
func FileName(key string) string {
	var b strings.Builder
	b.WriteString(lockFilePrefix)
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	b.WriteString(lockFileSuffix)
	return b.String()
}

func (p *FileProvider) path(key string) string { return filepath.Join(p.dir, FileName(key)) }

func (p *FileProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	path := p.path(key)

	// Two rounds: a stale lease reclaimed in the first round frees the key
	// for the second.
	for round := 0; round < 2; round++ {
		lease, err := p.create(path, key, ttl)
		if err == nil {
			return lease, true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, false, err
		}

		raw, info, err := readLockFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if !p.stale(raw, info) {
			return nil, false, nil
		}
		reclaimed, err := p.reclaim(path, raw)
		if err != nil {
			return nil, false, err
		}
		if !reclaimed {
			return nil, false, nil
		}
	}
	return nil, false, nil
}

func (p *FileProvider) create(path, key string, ttl time.Duration) (*Lease, error) {
	now := p.now().UTC()
	lf := leaseFile{
		Key:        key,
		Token:      uuid.NewString(),
		Owner:      p.owner,
		PID:        p.pid,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	body, err := json.Marshal(lf)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	_, werr := f.Write(body)
	if werr == nil {
		werr = f.Sync()
	}
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(path)
		return nil, werr
	}
	return &Lease{Key: key, Token: lf.Token, ExpireAt: lf.ExpiresAt}, nil
}

func readLockFile(path string) ([]byte, fs.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return raw, info, nil
}

// stale reports whether a lock file may be reclaimed. An unreadable body
// (a writer that crashed mid-write) is stale once older than the grace.
func (p *FileProvider) stale(raw []byte, info fs.FileInfo) bool {
	now := p.now()
	var lf leaseFile
	if err := json.Unmarshal(raw, &lf); err != nil || lf.Token == "" {
		return now.Sub(info.ModTime()) > p.grace
	}
	return now.After(lf.ExpiresAt.Add(p.grace))
}

// reclaim moves a stale file aside and checks it is still the one observed.
// If another process replaced it in between, the file is restored and
// reclaim reports false.
func (p *FileProvider) reclaim(path string, observed []byte) (bool, error) {
	tomb := path + tombstoneMark + uuid.NewString()
	if err := os.Rename(path, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	moved, err := os.ReadFile(tomb)
	if err == nil && bytes.Equal(moved, observed) {
		_ = os.Remove(tomb)
		p.log.Info("reclaimed stale lock", logx.String("file", filepath.Base(path)))
		return true, nil
	}
	// Link fails if a new holder appeared meanwhile; theirs stays.
	if lerr := os.Link(tomb, path); lerr != nil && !errors.Is(lerr, fs.ErrExist) {
		p.log.Warn("could not restore lock file", logx.String("file", filepath.Base(path)), logx.Err(lerr))
	}
	_ = os.Remove(tomb)
	return false, nil
}

// ownedBy reads the lock file and checks the token.
func (p *FileProvider) ownedBy(path, token string) (leaseFile, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return leaseFile{}, false, err
	}
	var lf leaseFile
	if err := json.Unmarshal(raw, &lf); err != nil {
		return leaseFile{}, false, nil
	}
	return lf, lf.Token == token, nil
}

func (p *FileProvider) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := p.path(lease.Key)
	lf, ok, err := p.ownedBy(path, lease.Token)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrLeaseLost
	}
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	lf.ExpiresAt = p.now().UTC().Add(ttl)
	body, err := json.Marshal(lf)
	if err != nil {
		return err
	}
	tmp := path + ".renew." + lease.Token
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	lease.ExpireAt = lf.ExpiresAt
	return nil
}

func (p *FileProvider) Release(ctx context.Context, lease *Lease) error {
	path := p.path(lease.Key)
	_, ok, err := p.ownedBy(path, lease.Token)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Sweep removes stale lock files and leftover tombstones. It returns the
// number of locks reclaimed.
func (p *FileProvider) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, lockFilePrefix) {
			continue
		}
		path := filepath.Join(p.dir, name)
		if strings.Contains(name, tombstoneMark) || strings.Contains(name, ".renew.") {
			if info, err := e.Info(); err == nil && p.now().Sub(info.ModTime()) > p.grace {
				_ = os.Remove(path)
			}
			continue
		}
		if !strings.HasSuffix(name, lockFileSuffix) {
			continue
		}
		raw, info, err := readLockFile(path)
		if err != nil || !p.stale(raw, info) {
			continue
		}
		ok, err := p.reclaim(path, raw)
		if err != nil {
			p.log.Warn("sweep reclaim failed", logx.String("file", name), logx.Err(err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// HealthCheck verifies the lock directory is reachable.
func (p *FileProvider) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(p.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", p.dir)
	}
	return nil
}

func (p *FileProvider) Close() error { return nil }
