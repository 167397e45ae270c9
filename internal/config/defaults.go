package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultAPIBase         = "https://api.linkedin.com"
	DefaultProtocolVersion = "2.0.0"
	DefaultAPIVersion      = "202306"
	DefaultMaxMediaBytes   = 10 << 20
	DefaultMaintenance     = "@every 10m"
	DefaultMetricsAddr     = "127.0.0.1:9464"
	DefaultLockPrefix      = "autopost:lock"
)

// ApplyDefaults fills omitted values. cfgPath anchors relative defaults
// (lock dir, journal path) next to the schedule file.
func ApplyDefaults(cfg *Config, cfgPath string) {
	if cfg == nil {
		return
	}
	p := &cfg.Platform
	p.APIBase = strings.TrimRight(strings.TrimSpace(p.APIBase), "/")
	if p.APIBase == "" {
		p.APIBase = DefaultAPIBase
	}
	if strings.TrimSpace(p.ProtocolVersion) == "" {
		p.ProtocolVersion = DefaultProtocolVersion
	}
	if strings.TrimSpace(p.APIVersion) == "" {
		p.APIVersion = DefaultAPIVersion
	}
	if p.RatePerSec <= 0 {
		p.RatePerSec = 5
	}

	s := &cfg.Schedule
	s.Path = strings.TrimSpace(s.Path)
	if s.Path != "" && !filepath.IsAbs(s.Path) && cfgPath != "" {
		s.Path = filepath.Join(filepath.Dir(cfgPath), s.Path)
	}
	if s.Watch == nil {
		t := true
		s.Watch = &t
	}
	baseDir := filepath.Dir(s.Path)

	pub := &cfg.Publish
	if pub.Attempts == 0 {
		pub.Attempts = 3
	}
	if pub.RetryAuthFailures == nil {
		t := true
		pub.RetryAuthFailures = &t
	}
	if pub.MaxMediaBytes <= 0 {
		pub.MaxMediaBytes = DefaultMaxMediaBytes
	}

	l := &cfg.Lock
	l.Driver = strings.ToLower(strings.TrimSpace(l.Driver))
	if l.Driver == "" {
		l.Driver = "file"
	}
	if strings.TrimSpace(l.Dir) == "" {
		l.Dir = filepath.Join(baseDir, "locks")
	}
	if strings.TrimSpace(l.Prefix) == "" {
		l.Prefix = DefaultLockPrefix
	}

	if cfg.Journal == nil {
		cfg.Journal = &JournalConfig{Driver: "file"}
	}
	j := cfg.Journal
	j.Driver = strings.ToLower(strings.TrimSpace(j.Driver))
	if j.Driver == "" {
		j.Driver = "file"
	}
	if strings.TrimSpace(j.Path) == "" {
		switch j.Driver {
		case "sqlite":
			j.Path = filepath.Join(baseDir, "autopost.db")
		default:
			j.Path = filepath.Join(baseDir, "journal.jsonl")
		}
	}

	if a := cfg.Alerts; a != nil {
		if a.Telegram.RatePerSec <= 0 {
			a.Telegram.RatePerSec = 1
		}
		if a.QueueSize <= 0 {
			a.QueueSize = 64
		}
	}

	if strings.TrimSpace(cfg.Metrics.Addr) == "" {
		cfg.Metrics.Addr = DefaultMetricsAddr
	}
	if strings.TrimSpace(cfg.Maintenance.Schedule) == "" {
		cfg.Maintenance.Schedule = DefaultMaintenance
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks a defaulted config. The returned error is a *Error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &Error{Err: errors.New("config is nil")}
	}
	if strings.TrimSpace(cfg.Platform.AccessToken) == "" {
		return fieldErr("platform.access_token", ErrMissingCredential)
	}
	if u, err := url.Parse(cfg.Platform.APIBase); err != nil || u.Scheme == "" || u.Host == "" {
		return fieldErr("platform.api_base", fmt.Errorf("invalid url %q", cfg.Platform.APIBase))
	}
	if cfg.Schedule.Path == "" {
		return fieldErr("schedule.path", errors.New("required"))
	}
	if cfg.Publish.Attempts < 1 {
		return fieldErr("publish.attempts", errors.New("must be >= 1"))
	}

	durations := []struct{ field, raw string }{
		{"platform.timeout", cfg.Platform.Timeout},
		{"schedule.window", cfg.Schedule.Window},
		{"schedule.lead_time", cfg.Schedule.LeadTime},
		{"schedule.poll_ceiling", cfg.Schedule.PollCeiling},
		{"publish.delay", cfg.Publish.Delay},
		{"publish.rate_limit_cooldown", cfg.Publish.RateLimitCooldown},
		{"lock.acquire_timeout", cfg.Lock.AcquireTimeout},
		{"lock.lease", cfg.Lock.Lease},
	}
	if cfg.Journal != nil {
		durations = append(durations, struct{ field, raw string }{"journal.busy_timeout", cfg.Journal.BusyTimeout})
	}
	if cfg.Alerts != nil {
		durations = append(durations, struct{ field, raw string }{"alerts.dedup_window", cfg.Alerts.DedupWindow})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.field, d.raw); err != nil {
			return fieldErr(d.field, err)
		}
	}

	switch cfg.Lock.Driver {
	case "file":
	case "redis":
		if strings.TrimSpace(cfg.Lock.RedisURL) == "" {
			return fieldErr("lock.redis_url", errors.New("required for redis driver"))
		}
	default:
		return fieldErr("lock.driver", fmt.Errorf("unknown driver %q", cfg.Lock.Driver))
	}

	if cfg.Journal != nil {
		switch cfg.Journal.Driver {
		case "file", "sqlite", "none":
		default:
			return fieldErr("journal.driver", fmt.Errorf("unknown driver %q", cfg.Journal.Driver))
		}
	}

	if a := cfg.Alerts; a != nil && a.Telegram.Enabled {
		if strings.TrimSpace(a.Telegram.Token) == "" {
			return fieldErr("alerts.telegram.token", errors.New("required when telegram alerts are enabled"))
		}
		if a.Telegram.ChatID == 0 {
			return fieldErr("alerts.telegram.chat_id", errors.New("required when telegram alerts are enabled"))
		}
	}

	if spec := strings.TrimSpace(cfg.Maintenance.Schedule); spec != "" && !strings.EqualFold(spec, "off") {
		if _, err := MaintenanceParser().Parse(spec); err != nil {
			return fieldErr("maintenance.schedule", err)
		}
	}
	return nil
}

// MaintenanceParser accepts 5 or 6 field specs and descriptors.
func MaintenanceParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Durations is the parsed form of every duration knob.
type Durations struct {
	PlatformTimeout   time.Duration
	Window            time.Duration
	LeadTime          time.Duration
	PollCeiling       time.Duration
	PublishDelay      time.Duration
	RateLimitCooldown time.Duration
	AcquireTimeout    time.Duration
	Lease             time.Duration
	BusyTimeout       time.Duration
	DedupWindow       time.Duration
}

// ParseDurations resolves durations with their defaults. Validate must
// have passed, so parse errors are not expected here.
func ParseDurations(cfg *Config) Durations {
	get := func(raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault("", raw, def)
		if err != nil {
			return def
		}
		return d
	}
	var d Durations
	d.PlatformTimeout = get(cfg.Platform.Timeout, 10*time.Second)
	d.Window = get(cfg.Schedule.Window, 5*time.Minute)
	d.LeadTime = get(cfg.Schedule.LeadTime, 5*time.Minute)
	d.PollCeiling = get(cfg.Schedule.PollCeiling, time.Minute)
	d.PublishDelay = get(cfg.Publish.Delay, 5*time.Second)
	d.RateLimitCooldown = get(cfg.Publish.RateLimitCooldown, 30*time.Second)
	d.AcquireTimeout = get(cfg.Lock.AcquireTimeout, time.Second)
	d.Lease = get(cfg.Lock.Lease, 10*time.Minute)
	d.BusyTimeout = 5 * time.Second
	if cfg.Journal != nil {
		d.BusyTimeout = get(cfg.Journal.BusyTimeout, 5*time.Second)
	}
	d.DedupWindow = 30 * time.Minute
	if cfg.Alerts != nil {
		d.DedupWindow = get(cfg.Alerts.DedupWindow, 30*time.Minute)
	}
	return d
}
