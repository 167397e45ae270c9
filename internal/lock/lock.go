package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "autopost/pkg/logx"
)

var (
	// ErrContended means another holder kept the lock for the whole
	// acquisition timeout.
	ErrContended = errors.New("lock held by another holder")
	// ErrLeaseLost means the lease was reclaimed or replaced by someone else.
	ErrLeaseLost = errors.New("lease lost")
)

// Lease is a held lock. Token identifies this holder.
type Lease struct {
	Key      string
	Token    string
	ExpireAt time.Time

	mu       sync.Mutex
	released bool
}

// Provider is a lock backend. Acquire never blocks waiting for a holder:
// it reports ok=false when the key is held.
type Provider interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error)
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error
	// Release returns nil when the lock is already gone.
	Release(ctx context.Context, lease *Lease) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Sweeper is implemented by providers whose stale leases need explicit cleanup.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Config struct {
	// Lease is the ttl of each acquisition; WithLock renews at Lease/3.
	Lease time.Duration
	// PollInterval is the retry cadence inside TryAcquire.
	PollInterval time.Duration
}

// Manager adds bounded waiting, scoped locking and keep-alive on top of a Provider.
type Manager struct {
	provider Provider
	lease    time.Duration
	poll     time.Duration
	log      logx.Logger
}

func NewManager(p Provider, cfg Config, log logx.Logger) *Manager {
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Manager{
		provider: p,
		lease:    cfg.Lease,
		poll:     cfg.PollInterval,
		log:      log.With(logx.String("comp", "lock")),
	}
}

func (m *Manager) Provider() Provider { return m.provider }

// TryAcquire polls the provider until the lock is obtained or timeout
// elapses, then returns ErrContended. It never waits longer than timeout.
func (m *Manager) TryAcquire(ctx context.Context, key string, timeout time.Duration) (*Lease, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	deadline := time.Now().Add(timeout)
	for {
		lease, ok, err := m.provider.Acquire(ctx, key, m.lease)
		if err != nil {
			return nil, fmt.Errorf("acquire %q: %w", key, err)
		}
		if ok {
			return lease, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrContended, key)
		}
		t := time.NewTimer(min(m.poll, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Release gives the lock back. Releasing twice, or releasing a lock that no
// longer exists, is not an error.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	lease.mu.Lock()
	defer lease.mu.Unlock()
	if lease.released {
		return nil
	}
	err := m.provider.Release(context.WithoutCancel(ctx), lease)
	if errors.Is(err, ErrLeaseLost) {
		m.log.Warn("lease was taken over before release", logx.String("key", lease.Key))
		err = nil
	}
	if err != nil {
		return fmt.Errorf("release %q: %w", lease.Key, err)
	}
	lease.released = true
	return nil
}

// WithLock runs fn while holding key. The lease is renewed in the
// background and released on every exit path, including panics. If the
// lease is lost while fn runs, fn's context is canceled with ErrLeaseLost
// as its cause.
func (m *Manager) WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error {
	lease, err := m.TryAcquire(ctx, key, timeout)
	if err != nil {
		return err
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.keepAlive(ctx, lease, stop, cancel)
	}()
	defer func() {
		close(stop)
		<-done
		if err := m.Release(ctx, lease); err != nil {
			m.log.Warn("lock release failed", logx.String("key", key), logx.Err(err))
		}
	}()

	return fn(fnCtx)
}

func (m *Manager) keepAlive(ctx context.Context, lease *Lease, stop <-chan struct{}, lost context.CancelCauseFunc) {
	interval := m.lease / 3
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interval)
			err := m.provider.Renew(rctx, lease, m.lease)
			cancel()
			if err != nil {
				m.log.Warn("lease renew failed", logx.String("key", lease.Key), logx.Err(err))
				if errors.Is(err, ErrLeaseLost) {
					lost(fmt.Errorf("%w: %q", ErrLeaseLost, lease.Key))
					return
				}
			}
		}
	}
}

// Sweep removes stale leases when the provider needs it.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	s, ok := m.provider.(Sweeper)
	if !ok {
		return 0, nil
	}
	return s.Sweep(ctx)
}

func (m *Manager) HealthCheck(ctx context.Context) error { return m.provider.HealthCheck(ctx) }

func (m *Manager) Close() error { return m.provider.Close() }
