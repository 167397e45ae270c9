package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"autopost/internal/eventbus"
	"autopost/internal/lock"
	"autopost/internal/metrics"
	"autopost/internal/publish"
	"autopost/internal/schedule"
	"autopost/internal/storage"
	logx "autopost/pkg/logx"
)

// Outcome is the result of one dispatch.
type Outcome string

const (
	OutcomePublished     Outcome = "published"
	OutcomeReconciled    Outcome = "reconciled"
	OutcomeAlreadyPosted Outcome = "already_posted"
	OutcomeContended     Outcome = "contended"
	OutcomeNotDue        Outcome = "not_due"
	OutcomeExpired       Outcome = "expired"
	OutcomeNotFound      Outcome = "not_found"
	OutcomeFailed        Outcome = "failed"
	OutcomePersistFailed Outcome = "persist_failed"
)

// Store is the part of the schedule store the dispatcher needs.
type Store interface {
	Load(ctx context.Context) (*schedule.Document, error)
	MarkPosted(ctx context.Context, id string) error
}

// Locker provides scoped per-job exclusion.
type Locker interface {
	WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error
}

// Publisher runs the platform transaction for one job.
type Publisher interface {
	Publish(ctx context.Context, job schedule.Job) (publish.Result, error)
}

type Config struct {
	Window         time.Duration
	AcquireTimeout time.Duration
}

// Dispatcher is the single path from "job id" to "posted": shared by the
// trigger loop and the one-shot runner.
type Dispatcher struct {
	store     Store
	locker    Locker
	publisher Publisher
	journal   storage.Store // may be nil
	bus       eventbus.Bus  // may be nil
	log       logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, store Store, locker Locker, publisher Publisher, journal storage.Store, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		locker:    locker,
		publisher: publisher,
		journal:   journal,
		bus:       bus,
		log:       log.With(logx.String("comp", "dispatch")),
	}
	d.Apply(cfg)
	return d
}

// Apply replaces window and lock timeout for subsequent dispatches.
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = time.Second
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// LockKey is the lock key of a job.
func LockKey(jobID string) string { return "job:" + jobID }

// report is what happened inside the lock.
type report struct {
	outcome Outcome
	job     schedule.Job
	result  publish.Result
	err     error
}

// Execute dispatches jobID as of now. The returned error explains failed,
// persist_failed and not_found outcomes; contention and admission
// rejections are not errors.
func (d *Dispatcher) Execute(ctx context.Context, jobID string, now time.Time) (Outcome, error) {
	cfg := d.config()
	start := time.Now()
	log := d.log.With(logx.String("job", jobID))

	var rep report
	err := d.locker.WithLock(ctx, LockKey(jobID), cfg.AcquireTimeout, func(ctx context.Context) error {
		rep = d.underLock(ctx, jobID, now, cfg.Window)
		return nil
	})
	switch {
	case errors.Is(err, lock.ErrContended):
		metrics.RecordLock("contended")
		metrics.RecordOutcome(string(OutcomeContended))
		log.Debug("job locked by another process; skipping")
		return OutcomeContended, nil
	case err != nil:
		metrics.RecordLock("error")
		rep = report{outcome: OutcomeFailed, err: fmt.Errorf("lock job %q: %w", jobID, err)}
	default:
		metrics.RecordLock("acquired")
	}
	if rep.job.ID == "" {
		rep.job.ID = jobID
	}

	took := time.Since(start)
	metrics.RecordOutcome(string(rep.outcome))
	d.journalAttempt(ctx, rep, took)
	d.emit(rep)
	d.logOutcome(log, rep, took)
	return rep.outcome, rep.err
}

func (d *Dispatcher) underLock(ctx context.Context, jobID string, now time.Time, window time.Duration) report {
	doc, err := d.store.Load(ctx)
	if err != nil {
		return report{outcome: OutcomeNotFound, err: err}
	}
	job, err := doc.Find(jobID)
	if err != nil {
		return report{outcome: OutcomeNotFound, err: err}
	}
	rep := report{job: job}

	switch {
	case job.Posted:
		rep.outcome = OutcomeAlreadyPosted
		return rep
	case job.NotYetDue(now):
		rep.outcome = OutcomeNotDue
		return rep
	case job.Expired(now, window):
		rep.outcome = OutcomeExpired
		return rep
	}

	if m, ok := d.marker(ctx, jobID); ok {
		rep.result.PostID = m.PostID
		if err := d.store.MarkPosted(ctx, jobID); err != nil {
			rep.outcome = OutcomePersistFailed
			rep.err = fmt.Errorf("reconcile %q: %w", jobID, err)
			return rep
		}
		rep.outcome = OutcomeReconciled
		return rep
	}

	if ctx.Err() != nil {
		rep.outcome = OutcomeFailed
		rep.err = fmt.Errorf("publish %q: %w", jobID, context.Cause(ctx))
		return rep
	}
	res, err := d.publisher.Publish(ctx, job)
	rep.result = res
	if err != nil {
		rep.outcome = OutcomeFailed
		rep.err = err
		var f *publish.Failure
		if errors.As(err, &f) {
			rep.result.Attempts = f.Attempts
		}
		return rep
	}

	if d.journal != nil {
		if err := d.journal.PutMarker(ctx, storage.Marker{JobID: jobID, PostID: res.PostID, At: time.Now().UTC()}); err != nil {
			d.log.Warn("published marker not written", logx.String("job", jobID), logx.Err(err))
		}
	}
	if err := d.store.MarkPosted(ctx, jobID); err != nil {
		rep.outcome = OutcomePersistFailed
		rep.err = fmt.Errorf("mark %q posted: %w", jobID, err)
		return rep
	}
	rep.outcome = OutcomePublished
	return rep
}

func (d *Dispatcher) marker(ctx context.Context, jobID string) (storage.Marker, bool) {
	if d.journal == nil {
		return storage.Marker{}, false
	}
	m, ok, err := d.journal.GetMarker(ctx, jobID)
	if err != nil {
		d.log.Warn("published marker lookup failed", logx.String("job", jobID), logx.Err(err))
		return storage.Marker{}, false
	}
	return m, ok
}

func (d *Dispatcher) journalAttempt(ctx context.Context, rep report, took time.Duration) {
	if d.journal == nil {
		return
	}
	switch rep.outcome {
	case OutcomeContended, OutcomeNotDue:
		return
	}
	a := storage.Attempt{
		ID:       uuid.NewString(),
		JobID:    rep.job.ID,
		At:       time.Now().UTC(),
		Outcome:  string(rep.outcome),
		Attempts: rep.result.Attempts,
		PostID:   rep.result.PostID,
		TookMS:   took.Milliseconds(),
	}
	if rep.err != nil {
		a.Error = rep.err.Error()
	}
	var f *publish.Failure
	if errors.As(rep.err, &f) && f.Last != nil {
		a.Step = string(f.Last.Step)
		a.Category = string(f.Last.Category)
	}
	if err := d.journal.AppendAttempt(context.WithoutCancel(ctx), a); err != nil {
		d.log.Warn("attempt journal write failed", logx.String("job", rep.job.ID), logx.Err(err))
	}
}

var eventTypes = map[Outcome]string{
	OutcomePublished:     eventbus.JobPublished,
	OutcomeReconciled:    eventbus.JobReconciled,
	OutcomeFailed:        eventbus.JobFailed,
	OutcomePersistFailed: eventbus.JobPersistFailed,
	OutcomeExpired:       eventbus.JobAbandoned,
}

func (d *Dispatcher) emit(rep report) {
	typ, ok := eventTypes[rep.outcome]
	if d.bus == nil || !ok {
		return
	}
	ev := eventbus.JobEvent{
		JobID:       rep.job.ID,
		ScheduledAt: rep.job.ScheduledAt,
		Outcome:     string(rep.outcome),
		PostID:      rep.result.PostID,
		Attempts:    rep.result.Attempts,
	}
	if rep.err != nil {
		ev.Error = rep.err.Error()
	}
	var f *publish.Failure
	if errors.As(rep.err, &f) {
		ev.Category = string(f.Category())
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (d *Dispatcher) logOutcome(log logx.Logger, rep report, took time.Duration) {
	fields := []logx.Field{logx.String("outcome", string(rep.outcome)), logx.Duration("took", took)}
	switch rep.outcome {
	case OutcomePublished, OutcomeReconciled:
		log.Info("job posted", append(fields, logx.String("post_id", rep.result.PostID), logx.Int("attempts", rep.result.Attempts))...)
	case OutcomeFailed, OutcomePersistFailed:
		log.Error("job dispatch failed", append(fields, logx.Err(rep.err))...)
	case OutcomeExpired, OutcomeNotFound:
		log.Warn("job not dispatched", append(fields, logx.Err(rep.err))...)
	default:
		log.Debug("job not dispatched", fields...)
	}
}
