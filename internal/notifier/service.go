package notifier

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autopost/internal/eventbus"
	logx "autopost/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Sender delivers one alert text.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Service turns job events into operator alerts:
// bus subscription + bounded queue + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	queue     chan Message

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	now func() time.Time
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	s := &Service{
		sender: sender,
		bus:    bus,
		log:    log.With(logx.String("comp", "notifier")),
		dedup:  map[string]time.Time{},
		now:    time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Running reports whether Run is accepting alerts.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

// Apply swaps rate, retry and dedup settings. Queue size applies on the next Run.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// shutdownGrace bounds how long alerts keep going out after Run's context ends.
const shutdownGrace = 5 * time.Second

// Run consumes job events and delivers alerts until ctx ends. Events already
// published by then still become alerts, and delivery continues for up to
// shutdownGrace so a caller that cancels right after publishing loses nothing.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		s.log.Debug("alerts disabled")
		return nil
	}
	size := s.cfg.QueueSize
	s.mu.Unlock()

	var events <-chan eventbus.Event
	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(size)
		defer unsub()
		events = ch
	}
	q := make(chan Message, size)
	s.mu.Lock()
	s.queue = q
	s.accepting = true
	s.mu.Unlock()
	s.log.Info("alerts started", logx.Int("queue", size))

	// Sends outlive ctx by the grace period; in-flight retries are not cut short.
	sendCtx, stopSends := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSends()
	stopGrace := context.AfterFunc(ctx, func() { time.AfterFunc(shutdownGrace, stopSends) })
	defer stopGrace()
	queueCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			s.flushEvents(queueCtx, events)
			s.drain(sendCtx, q)
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.enqueueEvent(queueCtx, ev)
		case m := <-q:
			s.sendWithRetry(sendCtx, m)
		}
	}
}

func (s *Service) enqueueEvent(ctx context.Context, ev eventbus.Event) {
	m, ok := s.messageFor(ev)
	if !ok {
		return
	}
	if err := s.Notify(ctx, m); err != nil {
		s.log.Warn("alert not queued", logx.String("key", m.Key), logx.Err(err))
	}
}

// flushEvents queues alerts for events still buffered on the subscription.
// The queue must still be accepting.
func (s *Service) flushEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.enqueueEvent(ctx, ev)
		default:
			return
		}
	}
}

func (s *Service) drain(ctx context.Context, q chan Message) {
	s.mu.Lock()
	s.accepting = false
	s.queue = nil
	s.mu.Unlock()

	for {
		select {
		case m := <-q:
			s.sendWithRetry(ctx, m)
		default:
			return
		}
	}
}

// Notify queues m unless an identical key was sent within the dedup window.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.mu.Unlock()

	if window > 0 && m.Key != "" && !s.dedupAllow(m.Key, window, maxEntries) {
		s.log.Debug("alert deduplicated", logx.String("key", m.Key))
		return nil
	}
	select {
	case q <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) sendWithRetry(ctx context.Context, m Message) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	text := prefixForPriority(m.Priority) + m.Text
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.Send(callCtx, text)
		cancel()
		if err == nil {
			s.log.Debug("alert sent", logx.String("key", m.Key))
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt >= attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("alert dropped after retries", logx.String("key", m.Key), logx.Err(lastErr))
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Evict the earliest expiries past the cap.
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}
