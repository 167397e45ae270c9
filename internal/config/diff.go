package config

import (
	"reflect"
	"strings"

	logx "autopost/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens are reported only as "set"/"unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	op, np := oldCfg.Platform, newCfg.Platform
	tokenChanged := op.AccessToken != np.AccessToken
	op.AccessToken, np.AccessToken = "", ""
	if tokenChanged || op != np {
		changed = append(changed, "platform")
		attrs = append(attrs,
			logx.String("platform.api_base", np.APIBase),
			logx.String("platform.timeout", np.Timeout),
			logx.Bool("platform.token_rotated", tokenChanged),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.window", newCfg.Schedule.Window),
			logx.String("schedule.lead_time", newCfg.Schedule.LeadTime),
			logx.String("schedule.poll_ceiling", newCfg.Schedule.PollCeiling),
		)
	}

	if !reflect.DeepEqual(oldCfg.Publish, newCfg.Publish) {
		changed = append(changed, "publish")
		attrs = append(attrs,
			logx.Int("publish.attempts", newCfg.Publish.Attempts),
			logx.String("publish.delay", newCfg.Publish.Delay),
		)
	}

	if oldCfg.Lock != newCfg.Lock {
		changed = append(changed, "lock")
		attrs = append(attrs, logx.String("lock.driver", newCfg.Lock.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		changed = append(changed, "journal")
	}

	oa, na := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	alertTokenChanged := oa.Telegram.Token != na.Telegram.Token
	oa.Telegram.Token, na.Telegram.Token = "", ""
	if alertTokenChanged || oa != na {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.telegram_enabled", na.Telegram.Enabled),
			logx.Bool("alerts.notify_success", na.NotifySuccess),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	if strings.TrimSpace(oldCfg.Maintenance.Schedule) != strings.TrimSpace(newCfg.Maintenance.Schedule) {
		changed = append(changed, "maintenance")
		attrs = append(attrs, logx.String("maintenance.schedule", newCfg.Maintenance.Schedule))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	return changed, attrs
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}

// RestartRequired lists changed sections that only take effect after a
// process restart. Everything else is applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "lock", "journal", "metrics":
			out = append(out, s)
		}
	}
	return out
}
