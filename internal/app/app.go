package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"autopost/internal/config"
	"autopost/internal/dispatch"
	"autopost/internal/eventbus"
	"autopost/internal/lock"
	"autopost/internal/metrics"
	"autopost/internal/notifier"
	"autopost/internal/publish"
	"autopost/internal/schedule"
	"autopost/internal/storage"
	logx "autopost/pkg/logx"
)

// App holds the components shared by the trigger loop and the one-shot
// runner. Both go through the same Dispatcher.
type App struct {
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service

	locks      *lock.Manager
	store      *schedule.Store
	journal    storage.Store // nil when disabled
	client     *publish.Client
	publisher  *publish.Publisher
	bus        eventbus.Bus
	dispatcher *dispatch.Dispatcher
	notif      *notifier.Service
}

type Option func(*options)

type options struct {
	getenv func(string) string
	hc     *http.Client
}

// WithGetenv replaces os.Getenv for credential lookup.
func WithGetenv(fn func(string) string) Option {
	return func(o *options) { o.getenv = fn }
}

// WithHTTPClient sets the client used for platform calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.hc = hc }
}

// New loads cfgPath and builds every component. A configuration problem is
// returned as a *config.Error.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	if o.getenv != nil {
		cfgm.SetEnv(o.getenv)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	d := config.ParseDurations(cfg)

	logs, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, logs: logs, log: log.With(logx.String("comp", "app"))}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	var prov lock.Provider
	switch cfg.Lock.Driver {
	case "redis":
		prov, err = lock.NewRedisProvider(ctx, lock.RedisConfig{URL: cfg.Lock.RedisURL, Prefix: cfg.Lock.Prefix}, log)
	default:
		prov, err = lock.NewFileProvider(lock.FileConfig{Dir: cfg.Lock.Dir}, log)
	}
	if err != nil {
		return nil, fmt.Errorf("lock provider: %w", err)
	}
	a.locks = lock.NewManager(prov, mapLock(d), log)

	a.store, err = schedule.NewStore(schedule.Config{Path: cfg.Schedule.Path}, a.locks, log)
	if err != nil {
		return nil, err
	}

	a.journal, err = storage.Open(mapStorage(cfg, d), log)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	a.client = publish.NewClient(mapClient(cfg, d), o.hc)
	a.publisher = publish.NewPublisher(a.client, mapPolicy(cfg, d), log)
	a.publisher.SetObserver(func(step publish.Step, err error) {
		result := "ok"
		if err != nil {
			result = "error"
			var se *publish.StepError
			if errors.As(err, &se) {
				result = string(se.Category)
			}
		}
		metrics.RecordStep(string(step), result)
	})

	a.bus = eventbus.New()
	a.dispatcher = dispatch.New(mapDispatch(d), a.store, a.locks, a.publisher, a.journal, a.bus, log)

	var sender notifier.Sender
	if tc, enabled := mapTelegram(cfg); enabled {
		ts, err := notifier.NewTelegramSender(tc)
		if err != nil {
			return nil, fmt.Errorf("telegram alerts: %w", err)
		}
		sender = ts
	}
	a.notif = notifier.New(mapNotifier(cfg, d), sender, a.bus, log)

	a.log.Debug("components ready",
		logx.String("schedule", cfg.Schedule.Path),
		logx.String("lock.driver", cfg.Lock.Driver),
		logx.String("journal.driver", journalDriver(cfg)),
		logx.Bool("alerts", a.notif.Enabled()),
	)
	ok = true
	return a, nil
}

func journalDriver(cfg *config.Config) string {
	if cfg.Journal == nil || strings.TrimSpace(cfg.Journal.Driver) == "" {
		return "none"
	}
	return cfg.Journal.Driver
}

// Logger is the root application logger.
func (a *App) Logger() logx.Logger { return a.log }

// RunOnce dispatches one job through the same path the loop uses. Alerts
// raised by the dispatch are sent before it returns, bounded by the
// notifier's shutdown grace.
func (a *App) RunOnce(ctx context.Context, jobID string) (dispatch.Outcome, error) {
	jobID = strings.TrimSpace(jobID)
	log := a.log.With(logx.String("job", jobID))
	log.Info("one-shot dispatch requested")

	alertsCtx, stopAlerts := context.WithCancel(context.WithoutCancel(ctx))
	alertsDone := make(chan struct{})
	go func() {
		defer close(alertsDone)
		_ = a.notif.Run(alertsCtx)
	}()
	defer func() {
		stopAlerts()
		<-alertsDone
	}()
	if a.notif.Enabled() {
		// Run subscribes asynchronously; give it the chance before events flow.
		waitAccepting(ctx, a.notif)
	}

	return a.dispatcher.Execute(ctx, jobID, time.Now())
}

func waitAccepting(ctx context.Context, n *notifier.Service) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if n.Running() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close releases the journal, the lock provider and log files.
func (a *App) Close() error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.locks != nil {
		errs = append(errs, a.locks.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
