package app

import (
	"strings"

	"autopost/internal/config"
	"autopost/internal/dispatch"
	"autopost/internal/lock"
	"autopost/internal/notifier"
	"autopost/internal/publish"
	"autopost/internal/storage"
	"autopost/internal/trigger"
	logx "autopost/pkg/logx"
)

// The mappers below turn the validated config into each component's own
// Config. They never fail: Validate has already run.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapClient(cfg *config.Config, d config.Durations) publish.Config {
	p := cfg.Platform
	return publish.Config{
		APIBase:         p.APIBase,
		AccessToken:     p.AccessToken,
		ProtocolVersion: p.ProtocolVersion,
		APIVersion:      p.APIVersion,
		Timeout:         d.PlatformTimeout,
		RatePerSec:      p.RatePerSec,
		MaxMediaBytes:   cfg.Publish.MaxMediaBytes,
	}
}

func mapPolicy(cfg *config.Config, d config.Durations) publish.Policy {
	retryAuth := true
	if cfg.Publish.RetryAuthFailures != nil {
		retryAuth = *cfg.Publish.RetryAuthFailures
	}
	return publish.Policy{
		Attempts:          cfg.Publish.Attempts,
		Delay:             d.PublishDelay,
		RateLimitCooldown: d.RateLimitCooldown,
		RetryAuthFailures: retryAuth,
	}
}

func mapLock(d config.Durations) lock.Config {
	return lock.Config{Lease: d.Lease}
}

func mapStorage(cfg *config.Config, d config.Durations) storage.Config {
	if cfg.Journal == nil {
		return storage.Config{}
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if driver == "none" {
		return storage.Config{}
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Journal.Path),
		BusyTimeout: d.BusyTimeout,
	}
}

func mapDispatch(d config.Durations) dispatch.Config {
	return dispatch.Config{Window: d.Window, AcquireTimeout: d.AcquireTimeout}
}

func mapTrigger(d config.Durations) trigger.Config {
	return trigger.Config{Window: d.Window, LeadTime: d.LeadTime, PollCeiling: d.PollCeiling}
}

func mapNotifier(cfg *config.Config, d config.Durations) notifier.Config {
	a := cfg.Alerts
	if a == nil {
		return notifier.Config{}
	}
	return notifier.Config{
		Enabled:       a.Telegram.Enabled,
		QueueSize:     a.QueueSize,
		RatePerSec:    a.Telegram.RatePerSec,
		RetryMax:      2,
		DedupWindow:   d.DedupWindow,
		NotifySuccess: a.NotifySuccess,
	}
}

func mapTelegram(cfg *config.Config) (notifier.TelegramConfig, bool) {
	a := cfg.Alerts
	if a == nil || !a.Telegram.Enabled {
		return notifier.TelegramConfig{}, false
	}
	return notifier.TelegramConfig{
		Token:    a.Telegram.Token,
		ChatID:   a.Telegram.ChatID,
		ThreadID: a.Telegram.ThreadID,
	}, true
}
