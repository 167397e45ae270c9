package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Unknown keys are rejected so typos surface at startup and on hot reload.
type Config struct {
	Platform    PlatformConfig    `json:"platform"`
	Schedule    ScheduleConfig    `json:"schedule"`
	Publish     PublishConfig     `json:"publish"`
	Lock        LockConfig        `json:"lock"`
	Journal     *JournalConfig    `json:"journal,omitempty"`
	Alerts      *AlertsConfig     `json:"alerts,omitempty"`
	Metrics     MetricsConfig     `json:"metrics,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Logging     LoggingConfig     `json:"logging"`
}

// PlatformConfig describes the content platform API.
//
// AccessToken may be left empty in the file and supplied through the
// AUTOPOST_ACCESS_TOKEN environment variable instead (preferred).
type PlatformConfig struct {
	APIBase         string `json:"api_base,omitempty"`         // default: https://api.linkedin.com
	AccessToken     string `json:"access_token,omitempty"`     // never logged
	ProtocolVersion string `json:"protocol_version,omitempty"` // default: 2.0.0
	APIVersion      string `json:"api_version,omitempty"`      // default: 202306
	Timeout         string `json:"timeout,omitempty"`          // per-call; default 10s
	RatePerSec      int    `json:"rate_per_sec,omitempty"`     // outgoing call pacing; default 5
}

// ScheduleConfig controls the schedule store and the trigger loop cadence.
type ScheduleConfig struct {
	Path        string `json:"path"`
	Window      string `json:"window,omitempty"`       // admission window; default 5m
	LeadTime    string `json:"lead_time,omitempty"`    // wake this much before a job; default 5m
	PollCeiling string `json:"poll_ceiling,omitempty"` // max sleep between cycles; default 60s
	// Watch wakes the loop early when the schedule file changes.
	// Pointer so an omitted key defaults to true.
	Watch *bool `json:"watch,omitempty"`
}

// PublishConfig controls the retry policy of a publish transaction.
type PublishConfig struct {
	Attempts          int    `json:"attempts,omitempty"`            // default 3
	Delay             string `json:"delay,omitempty"`               // between attempts; default 5s
	RateLimitCooldown string `json:"rate_limit_cooldown,omitempty"` // extra wait after 429; default 30s
	// RetryAuthFailures keeps 401/403 in the retryable set (historic behavior).
	// Pointer so an omitted key defaults to true.
	RetryAuthFailures *bool `json:"retry_auth_failures,omitempty"`
	MaxMediaBytes     int64 `json:"max_media_bytes,omitempty"` // default 10 MiB
}

// LockConfig controls per-job mutual exclusion.
//
// Example:
//
//	"lock": { "driver": "file", "dir": "./locks", "lease": "10m" }
type LockConfig struct {
	Driver         string `json:"driver,omitempty"` // file | redis; default file
	Dir            string `json:"dir,omitempty"`    // file driver; default <schedule dir>/locks
	RedisURL       string `json:"redis_url,omitempty"`
	Prefix         string `json:"prefix,omitempty"`          // redis key prefix
	AcquireTimeout string `json:"acquire_timeout,omitempty"` // default 1s
	Lease          string `json:"lease,omitempty"`           // default 10m
}

// JournalConfig controls the attempt journal / published markers.
//
// If the whole section is omitted, the file driver is used next to the schedule.
type JournalConfig struct {
	Driver      string `json:"driver"` // file | sqlite | none
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// AlertsConfig controls operator notifications.
type AlertsConfig struct {
	Telegram      TelegramAlerts `json:"telegram"`
	NotifySuccess bool           `json:"notify_success,omitempty"`
	DedupWindow   string         `json:"dedup_window,omitempty"` // default 30m
	QueueSize     int            `json:"queue_size,omitempty"`   // default 64
}

type TelegramAlerts struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // or AUTOPOST_TELEGRAM_TOKEN; never logged
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 1
}

// MetricsConfig controls the optional Prometheus endpoint of the loop process.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
}

// MaintenanceConfig controls housekeeping (stale lock sweep, journal compaction).
type MaintenanceConfig struct {
	// Schedule is a cron spec or descriptor ("@every 10m", "*/15 * * * *").
	// "off" disables housekeeping.
	Schedule string `json:"schedule,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
