package publish

import (
	"context"
	"errors"
	"sync"
	"time"

	"autopost/internal/schedule"
	logx "autopost/pkg/logx"
)

// Policy bounds the retry of a whole publish transaction.
type Policy struct {
	Attempts          int
	Delay             time.Duration
	RateLimitCooldown time.Duration
	RetryAuthFailures bool
}

// Result describes a completed transaction.
type Result struct {
	PostID   string
	PersonID string
	Asset    string
	Attempts int
}

// StepObserver is told the outcome of every platform call (err nil on success).
type StepObserver func(step Step, err error)

// Publisher runs RESOLVE_IDENTITY, optional media steps, and SUBMIT_POST for
// one job, retrying the transaction per Policy.
type Publisher struct {
	client *Client
	log    logx.Logger

	mu     sync.RWMutex
	policy Policy

	sleep   func(ctx context.Context, d time.Duration) error
	observe StepObserver
}

func NewPublisher(client *Client, policy Policy, log logx.Logger) *Publisher {
	p := &Publisher{
		client: client,
		log:    log.With(logx.String("comp", "publish")),
		sleep:  sleepCtx,
	}
	p.SetPolicy(policy)
	return p
}

// SetPolicy replaces the retry policy; it applies to the next Publish call.
func (p *Publisher) SetPolicy(policy Policy) {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	p.mu.Lock()
	p.policy = policy
	p.mu.Unlock()
}

func (p *Publisher) Policy() Policy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.policy
}

// SetObserver installs a per-step hook (metrics).
func (p *Publisher) SetObserver(fn StepObserver) { p.observe = fn }

// Publish runs the transaction for job. On failure it returns a *Failure.
// The identity is resolved at most once per call; media is re-registered
// on every attempt because upload slots are single-use.
func (p *Publisher) Publish(ctx context.Context, job schedule.Job) (Result, error) {
	policy := p.Policy()
	log := p.log.With(logx.String("job", job.ID))

	var (
		identity string
		last     *StepError
		attempt  int
	)
	for attempt = 1; attempt <= policy.Attempts; attempt++ {
		res, err := p.attempt(ctx, job, &identity)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		if !errors.As(err, &last) {
			last = &StepError{Step: StepSubmitPost, Category: CategoryPermanent, Err: err}
		}
		if !retryable(last.Category, policy.RetryAuthFailures) || attempt == policy.Attempts {
			break
		}

		delay := policy.Delay
		if last.Category == CategoryRateLimited {
			delay += max(policy.RateLimitCooldown, last.RetryAfter())
		}
		log.Warn("publish attempt failed; retrying",
			logx.Int("attempt", attempt),
			logx.String("step", string(last.Step)),
			logx.String("category", string(last.Category)),
			logx.Duration("delay", delay),
			logx.Err(last.Err),
		)
		if err := p.sleep(ctx, delay); err != nil {
			last = &StepError{Step: last.Step, Category: CategoryPermanent, Err: err}
			break
		}
	}
	return Result{}, &Failure{JobID: job.ID, Attempts: min(attempt, policy.Attempts), Last: last}
}

func (p *Publisher) attempt(ctx context.Context, job schedule.Job, identity *string) (Result, error) {
	if *identity == "" {
		id, err := p.client.ResolveIdentity(ctx)
		p.record(StepResolveIdentity, err)
		if err != nil {
			return Result{}, err
		}
		*identity = id
	}
	res := Result{PersonID: *identity}

	if job.HasMedia() {
		up, err := p.client.RegisterMedia(ctx, *identity)
		p.record(StepRegisterMedia, err)
		if err != nil {
			return Result{}, err
		}
		data, ctype, err := p.client.FetchMedia(ctx, job.MediaReference)
		p.record(StepFetchMedia, err)
		if err != nil {
			return Result{}, err
		}
		err = p.client.UploadMedia(ctx, up.UploadURL, data, ctype)
		p.record(StepUploadMedia, err)
		if err != nil {
			return Result{}, err
		}
		res.Asset = up.Asset
	}

	postID, err := p.client.SubmitPost(ctx, *identity, job.Text, res.Asset)
	p.record(StepSubmitPost, err)
	if err != nil {
		return Result{}, err
	}
	res.PostID = postID
	return res, nil
}

func (p *Publisher) record(step Step, err error) {
	if p.observe != nil {
		p.observe(step, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
