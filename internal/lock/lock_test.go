package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "autopost/pkg/logx"
)

func newManager(t *testing.T, dir string, now func() time.Time) *Manager {
	t.Helper()
	p, err := NewFileProvider(FileConfig{Dir: dir, Grace: time.Second, Now: now}, logx.Nop())
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	return NewManager(p, Config{Lease: time.Minute, PollInterval: 5 * time.Millisecond}, logx.Nop())
}

func TestFileNameEncoding(t *testing.T) {
	t.Parallel()
	tests := []struct {
		key  string
		want string
	}{
		{"j1", "lock_j1.json"},
		{"post_42-a", "lock_post_42-a.json"},
		{"a/b", "lock_a%2Fb.json"},
		{"a%2Fb", "lock_a%252Fb.json"},
		{"a b.c", "lock_a%20b%2Ec.json"},
	}
	seen := map[string]string{}
	for _, tt := range tests {
		got := FileName(tt.key)
		if got != tt.want {
			t.Fatalf("FileName(%q) = %q, want %q", tt.key, got, tt.want)
		}
		if other, dup := seen[got]; dup {
			t.Fatalf("%q and %q collide", tt.key, other)
		}
		seen[got] = tt.key
	}
}

func TestTryAcquireIsExclusive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := newManager(t, dir, nil)
	b := newManager(t, dir, nil)
	ctx := context.Background()

	lease, err := a.TryAcquire(ctx, "j1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	_, err = b.TryAcquire(ctx, "j1", 50*time.Millisecond)
	if !errors.Is(err, ErrContended) {
		t.Fatalf("second acquire = %v, want ErrContended", err)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Fatalf("acquire blocked for %s", waited)
	}

	if _, err := b.TryAcquire(ctx, "j2", 50*time.Millisecond); err != nil {
		t.Fatalf("other key: %v", err)
	}

	if err := a.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := a.Release(ctx, lease); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, err := b.TryAcquire(ctx, "j1", 50*time.Millisecond); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestWithLockMutualExclusion(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		ran     atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		m := newManager(t, dir, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, "j1", 5*time.Second, func(context.Context) error {
				n := inside.Add(1)
				for {
					cur := maxSeen.Load()
					if n <= cur || maxSeen.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inside.Add(-1)
				ran.Add(1)
				return nil
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxSeen.Load() != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxSeen.Load())
	}
	if ran.Load() != 6 {
		t.Fatalf("ran = %d, want 6", ran.Load())
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m := newManager(t, dir, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithLock(ctx, "j1", time.Second, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName("j1"))); !os.IsNotExist(err) {
		t.Fatalf("lock file should be gone, stat err = %v", err)
	}
}

func TestWithLockCancelsWhenLeaseTakenOver(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p, err := NewFileProvider(FileConfig{Dir: dir, Grace: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	m := NewManager(p, Config{Lease: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond}, logx.Nop())
	path := filepath.Join(dir, FileName("j1"))
	now := time.Now().UTC()
	other, _ := json.Marshal(leaseFile{
		Key: "j1", Token: "other-holder", Owner: "elsewhere", PID: 2,
		AcquiredAt: now, ExpiresAt: now.Add(time.Hour),
	})

	var cause error
	err = m.WithLock(context.Background(), "j1", time.Second, func(ctx context.Context) error {
		if err := os.WriteFile(path, other, 0o644); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			cause = context.Cause(ctx)
		case <-time.After(2 * time.Second):
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if !errors.Is(cause, ErrLeaseLost) {
		t.Fatalf("cause = %v, want ErrLeaseLost", cause)
	}
	raw, err := os.ReadFile(path)
	if err != nil || string(raw) != string(other) {
		t.Fatalf("new holder's lock file disturbed: %s, %v", raw, err)
	}
}

func TestStaleLeaseIsReclaimed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 19, 0, 0, 0, time.UTC)
	stale := leaseFile{
		Key: "j1", Token: "dead", Owner: "crashed-host", PID: 1,
		AcquiredAt: now.Add(-time.Hour), ExpiresAt: now.Add(-50 * time.Minute),
	}
	b, _ := json.Marshal(stale)
	if err := os.WriteFile(filepath.Join(dir, FileName("j1")), b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := newManager(t, dir, func() time.Time { return now })
	lease, err := m.TryAcquire(context.Background(), "j1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire over stale lease: %v", err)
	}
	if lease.Token == "dead" {
		t.Fatalf("reused stale token")
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "*"+tombstoneMark+"*"))
	if len(leftovers) != 0 {
		t.Fatalf("tombstones left: %v", leftovers)
	}
}

func TestLiveLeaseIsNotReclaimed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 19, 0, 0, 0, time.UTC)
	live := leaseFile{Key: "j1", Token: "alive", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}
	b, _ := json.Marshal(live)
	path := filepath.Join(dir, FileName("j1"))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := newManager(t, dir, func() time.Time { return now })
	if _, err := m.TryAcquire(context.Background(), "j1", 20*time.Millisecond); !errors.Is(err, ErrContended) {
		t.Fatalf("err = %v, want ErrContended", err)
	}
	if n, err := m.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("Sweep = %d, %v; want 0, nil", n, err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != string(b) {
		t.Fatalf("live lock file changed")
	}
}

func TestSweepRemovesStale(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 19, 0, 0, 0, time.UTC)
	for _, key := range []string{"a", "b"} {
		lf := leaseFile{Key: key, Token: key, ExpiresAt: now.Add(-time.Hour)}
		b, _ := json.Marshal(lf)
		if err := os.WriteFile(filepath.Join(dir, FileName(key)), b, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	m := newManager(t, dir, func() time.Time { return now })
	n, err := m.Sweep(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("Sweep = %d, %v; want 2, nil", n, err)
	}
}

func TestRenewAndLostLease(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p, err := NewFileProvider(FileConfig{Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	ctx := context.Background()
	lease, ok, err := p.Acquire(ctx, "j1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}
	before := lease.ExpireAt
	time.Sleep(5 * time.Millisecond)
	if err := p.Renew(ctx, lease, time.Hour); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !lease.ExpireAt.After(before) {
		t.Fatalf("expiry not extended")
	}

	impostor := &Lease{Key: "j1", Token: "someone-else"}
	if err := p.Renew(ctx, impostor, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("impostor renew = %v, want ErrLeaseLost", err)
	}
	if err := p.Release(ctx, impostor); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("impostor release = %v, want ErrLeaseLost", err)
	}
	if err := p.Release(ctx, lease); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := p.Release(ctx, lease); err != nil {
		t.Fatalf("Release missing: %v", err)
	}
}
