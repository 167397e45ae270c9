package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"autopost/internal/dispatch"
	"autopost/internal/eventbus"
	"autopost/internal/metrics"
	"autopost/internal/schedule"
	logx "autopost/pkg/logx"
)

// Source loads the current schedule.
type Source interface {
	Load(ctx context.Context) (*schedule.Document, error)
}

// Executor dispatches one job.
type Executor interface {
	Execute(ctx context.Context, jobID string, now time.Time) (dispatch.Outcome, error)
}

type Config struct {
	Window      time.Duration
	LeadTime    time.Duration
	PollCeiling time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.LeadTime < 0 {
		c.LeadTime = 0
	}
	if c.PollCeiling <= 0 {
		c.PollCeiling = time.Minute
	}
	return c
}

// Loop is the long-running dispatch loop. One cycle loads the schedule,
// dispatches every admissible job in document order and then sleeps until
// the nearest wake time.
type Loop struct {
	src  Source
	exec Executor
	bus  eventbus.Bus // may be nil
	log  logx.Logger
	now  func() time.Time

	wake <-chan struct{}

	mu  sync.RWMutex
	cfg Config

	// cycle state, owned by the Run goroutine
	queue     *wakeQueue
	abandoned map[string]struct{}
	issues    map[string]struct{}

	abandonedNow atomic.Int64
	lastCycle    atomic.Int64 // unix nanos
}

type Option func(*Loop)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// WithWake interrupts the sleep whenever ch fires (schedule file changes).
func WithWake(ch <-chan struct{}) Option {
	return func(l *Loop) { l.wake = ch }
}

func New(cfg Config, src Source, exec Executor, bus eventbus.Bus, log logx.Logger, opts ...Option) *Loop {
	l := &Loop{
		src:       src,
		exec:      exec,
		bus:       bus,
		log:       log.With(logx.String("comp", "trigger")),
		now:       time.Now,
		queue:     newWakeQueue(),
		abandoned: map[string]struct{}{},
		issues:    map[string]struct{}{},
	}
	for _, o := range opts {
		o(l)
	}
	l.Apply(cfg)
	return l
}

// Apply takes effect on the next cycle.
func (l *Loop) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *Loop) config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Abandoned is the number of unposted jobs past their window as of the
// last cycle.
func (l *Loop) Abandoned() int { return int(l.abandonedNow.Load()) }

// LastCycle is the completion time of the last cycle (zero before the first).
func (l *Loop) LastCycle() time.Time {
	n := l.lastCycle.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run cycles until ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	cfg := l.config()
	l.log.Info("trigger loop started",
		logx.Duration("window", cfg.Window),
		logx.Duration("lead_time", cfg.LeadTime),
		logx.Duration("poll_ceiling", cfg.PollCeiling),
	)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.log.Info("trigger loop stopped")
			return nil
		case <-timer.C:
		case <-l.wake:
			l.log.Debug("schedule changed; waking early")
		}
		d := l.Cycle(ctx)
		if ctx.Err() != nil {
			continue
		}
		timer.Reset(d)
		l.log.Debug("sleeping", logx.Duration("for", d))
	}
}

// Cycle runs one pass over the schedule and returns how long to sleep.
func (l *Loop) Cycle(ctx context.Context) time.Duration {
	cfg := l.config()
	start := time.Now()
	defer func() {
		end := time.Now()
		l.lastCycle.Store(end.UnixNano())
		metrics.RecordCycle(end.Sub(start), end)
	}()

	doc, err := l.src.Load(ctx)
	if err != nil {
		if errors.Is(err, schedule.ErrNoSchedule) {
			l.log.Warn("schedule unavailable; treating as empty", logx.Err(err))
		} else {
			l.log.Error("schedule load failed", logx.Err(err))
		}
	}
	l.reportIssues(doc)

	keep := map[string]struct{}{}
	abandoned := 0
	for _, job := range doc.Jobs() {
		if ctx.Err() != nil {
			break
		}
		if job.Posted {
			continue
		}
		// Dispatch can take a while; every decision uses a fresh clock.
		now := l.now()
		switch {
		case job.Admissible(now, cfg.Window):
			outcome, _ := l.exec.Execute(ctx, job.ID, now)
			switch outcome {
			case dispatch.OutcomeNotDue:
				keep[job.ID] = struct{}{}
				l.queue.Set(job.ID, job.ScheduledAt)
			case dispatch.OutcomeExpired:
				// the dispatcher already reported it
				l.abandoned[job.ID] = struct{}{}
			}
		case job.Expired(now, cfg.Window):
			abandoned++
			l.abandon(job)
		default:
			keep[job.ID] = struct{}{}
			l.queue.Set(job.ID, WakeTime(job.ScheduledAt, now, cfg.LeadTime))
		}
	}
	l.queue.Retain(keep)
	l.abandonedNow.Store(int64(abandoned))
	metrics.SetAbandoned(abandoned)

	_, next, ok := l.queue.Next()
	return SleepFor(next, ok, l.now(), cfg.PollCeiling)
}

// abandon reports a job that missed its window, once per process.
func (l *Loop) abandon(job schedule.Job) {
	if _, seen := l.abandoned[job.ID]; seen {
		return
	}
	l.abandoned[job.ID] = struct{}{}
	l.log.Warn("job missed its window; abandoned",
		logx.String("job", job.ID),
		logx.Time("scheduled_at", job.ScheduledAt),
	)
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.JobAbandoned, Data: eventbus.JobEvent{
			JobID:       job.ID,
			ScheduledAt: job.ScheduledAt,
			Outcome:     string(dispatch.OutcomeExpired),
		}})
	}
}

func (l *Loop) reportIssues(doc *schedule.Document) {
	for _, err := range doc.Issues() {
		msg := err.Error()
		if _, seen := l.issues[msg]; seen {
			continue
		}
		l.issues[msg] = struct{}{}
		l.log.Warn("schedule record skipped", logx.Err(err))
	}
}
