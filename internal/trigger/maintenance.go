package trigger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "autopost/pkg/logx"
)

// Sweeper removes stale leases.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Compactor rewrites the attempt journal.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Housekeeping runs periodic upkeep on a cron spec: stale lease sweep,
// journal compaction and an abandoned-job summary. Spec "off" disables it.
type Housekeeping struct {
	parser    cron.Parser
	sweeper   Sweeper   // may be nil
	compactor Compactor // may be nil
	abandoned func() int
	timeout   time.Duration
	log       logx.Logger

	mu      sync.Mutex
	spec    string
	c       *cron.Cron
	entryID cron.EntryID
}

func NewHousekeeping(spec string, parser cron.Parser, sweeper Sweeper, compactor Compactor, abandoned func() int, log logx.Logger) *Housekeeping {
	return &Housekeeping{
		parser:    parser,
		sweeper:   sweeper,
		compactor: compactor,
		abandoned: abandoned,
		timeout:   time.Minute,
		log:       log.With(logx.String("comp", "housekeeping")),
		spec:      strings.TrimSpace(spec),
	}
}

// Run starts the cron and blocks until ctx ends.
func (h *Housekeeping) Run(ctx context.Context) error {
	h.mu.Lock()
	h.c = cron.New(
		cron.WithParser(h.parser),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if err := h.addLocked(ctx); err != nil {
		h.mu.Unlock()
		return err
	}
	h.c.Start()
	c, spec := h.c, h.spec
	h.mu.Unlock()
	h.log.Info("housekeeping started", logx.String("schedule", spec))

	<-ctx.Done()
	<-c.Stop().Done()
	h.log.Info("housekeeping stopped")
	return nil
}

// Reschedule swaps the cron spec of a running Housekeeping.
func (h *Housekeeping) Reschedule(ctx context.Context, spec string) error {
	spec = strings.TrimSpace(spec)
	h.mu.Lock()
	defer h.mu.Unlock()
	if spec == h.spec {
		return nil
	}
	old := h.spec
	h.spec = spec
	if h.c == nil {
		return nil
	}
	h.c.Remove(h.entryID)
	h.entryID = 0
	if err := h.addLocked(ctx); err != nil {
		h.spec = old
		_ = h.addLocked(ctx)
		return err
	}
	h.log.Info("housekeeping rescheduled", logx.String("from", old), logx.String("to", spec))
	return nil
}

func (h *Housekeeping) addLocked(ctx context.Context) error {
	if h.spec == "" || strings.EqualFold(h.spec, "off") {
		return nil
	}
	id, err := h.c.AddJob(h.spec, cron.FuncJob(func() { h.RunOnce(ctx) }))
	if err != nil {
		return err
	}
	h.entryID = id
	return nil
}

// RunOnce performs one round of upkeep.
func (h *Housekeeping) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()

	swept := 0
	if h.sweeper != nil {
		n, err := h.sweeper.Sweep(ctx)
		if err != nil {
			h.log.Warn("lock sweep failed", logx.Err(err))
		}
		swept = n
	}
	if h.compactor != nil {
		if err := h.compactor.Compact(ctx); err != nil {
			h.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	abandoned := 0
	if h.abandoned != nil {
		abandoned = h.abandoned()
	}
	fields := []logx.Field{
		logx.Int("stale_locks_removed", swept),
		logx.Int("abandoned_jobs", abandoned),
		logx.Duration("took", time.Since(start)),
	}
	if abandoned > 0 {
		h.log.Warn("housekeeping done; abandoned jobs present", fields...)
		return
	}
	h.log.Debug("housekeeping done", fields...)
}
