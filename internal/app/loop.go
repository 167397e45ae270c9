package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autopost/internal/config"
	"autopost/internal/metrics"
	"autopost/internal/runtime/supervisor"
	"autopost/internal/schedule"
	"autopost/internal/trigger"
	logx "autopost/pkg/logx"
)

// Run starts the trigger loop and its background services and blocks until
// ctx ends or a service fails.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfgm.Get()
	d := config.ParseDurations(cfg)

	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	var opts []trigger.Option
	if cfg.Schedule.Watch == nil || *cfg.Schedule.Watch {
		w := schedule.NewWatcher(cfg.Schedule.Path, 250*time.Millisecond, a.log)
		sup.Go("schedule.watch", w.Run)
		opts = append(opts, trigger.WithWake(w.C()))
	}
	loop := trigger.New(mapTrigger(d), a.store, a.dispatcher, a.bus, a.log, opts...)

	var compactor trigger.Compactor
	if a.journal != nil {
		compactor = a.journal
	}
	hk := trigger.NewHousekeeping(cfg.Maintenance.Schedule, config.MaintenanceParser(), a.locks, compactor, loop.Abandoned, a.log)

	health := a.health(loop)
	if cfg.Metrics.Enabled {
		addr := cfg.Metrics.Addr
		sup.Go("metrics.http", func(c context.Context) error {
			return metrics.Serve(c, addr, health, a.log.With(logx.String("comp", "metrics")))
		})
	}

	sup.GoRestart("alerts", a.notif.Run)
	sup.Go("housekeeping", hk.Run)
	sup.Go("config.watch", a.cfgm.Watch)
	sup.Go("config.reload", func(c context.Context) error {
		a.reloadLoop(c, loop, hk)
		return nil
	})
	sup.Go("trigger", loop.Run)
	sup.Go("systemd.watchdog", func(c context.Context) error {
		return watchdog(c, a.log, health)
	})

	sdNotify(a.log, sdReady)
	a.log.Info("autopost started",
		logx.String("schedule", cfg.Schedule.Path),
		logx.Bool("metrics", cfg.Metrics.Enabled),
		logx.Bool("alerts", a.notif.Enabled()),
	)

	<-sup.Context().Done()
	reason := StopContext
	if sup.Err() != nil {
		reason = StopFatalError
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, sdStopping)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := sup.Stop(stopCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		started, active := sup.Counters()
		a.log.Warn("shutdown deadline reached", logx.Int64("active", active), logx.Int64("started", int64(started)))
		return nil
	}
	if err != nil {
		return err
	}
	a.log.Info("stopped")
	return nil
}

// health is healthy when the lock backend answers and the loop cycled
// recently enough.
func (a *App) health(loop *trigger.Loop) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := a.locks.HealthCheck(ctx); err != nil {
			return fmt.Errorf("lock backend: %w", err)
		}
		last := loop.LastCycle()
		if last.IsZero() {
			return nil
		}
		d := config.ParseDurations(a.cfgm.Get())
		// A cycle may legitimately spend up to a lease publishing.
		if stale := 2*d.PollCeiling + d.Lease; time.Since(last) > stale {
			return fmt.Errorf("trigger loop idle since %s", last.Format(time.RFC3339))
		}
		return nil
	}
}

// reloadLoop applies committed config changes to the running components.
func (a *App) reloadLoop(ctx context.Context, loop *trigger.Loop, hk *trigger.Housekeeping) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, lastApplied, newCfg, loop, hk)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config, loop *trigger.Loop, hk *trigger.Housekeeping) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	d := config.ParseDurations(newCfg)

	a.logs.Apply(mapLogging(newCfg))
	a.client.Apply(mapClient(newCfg, d))
	a.publisher.SetPolicy(mapPolicy(newCfg, d))
	a.dispatcher.Apply(mapDispatch(d))
	loop.Apply(mapTrigger(d))
	a.notif.Apply(mapNotifier(newCfg, d))
	if err := hk.Reschedule(ctx, newCfg.Maintenance.Schedule); err != nil {
		a.log.Warn("invalid maintenance schedule; keeping previous", logx.Err(err))
	}

	restart := config.RestartRequired(sections)
	if oldCfg.Schedule.Path != newCfg.Schedule.Path {
		restart = append(restart, "schedule.path")
	}
	if alertTargetChanged(oldCfg, newCfg) {
		restart = append(restart, "alerts.telegram")
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func alertTargetChanged(oldCfg, newCfg *config.Config) bool {
	var o, n config.TelegramAlerts
	if oldCfg.Alerts != nil {
		o = oldCfg.Alerts.Telegram
	}
	if newCfg.Alerts != nil {
		n = newCfg.Alerts.Telegram
	}
	o.RatePerSec, n.RatePerSec = 0, 0
	return o != n
}
