package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"autopost/internal/config"
	"autopost/internal/dispatch"
	"autopost/internal/runner"
	"autopost/internal/schedule"
)

type platform struct {
	srv     *httptest.Server
	submits atomic.Int32
}

func newPlatform(t *testing.T) *platform {
	t.Helper()
	p := &platform{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/me":
			_, _ = w.Write([]byte(`{"id":"p1"}`))
		case "/v2/ugcPosts":
			p.submits.Add(1)
			w.Header().Set("X-RestLi-Id", "urn:li:share:7")
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func writeFixture(t *testing.T, apiBase string, jobs []map[string]any) string {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(jobs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "schedule.json"), data, 0o644); err != nil {
		t.Fatalf("write schedule: %v", err)
	}
	cfg := fmt.Sprintf(`
platform:
  api_base: %s
schedule:
  path: schedule.json
  poll_ceiling: 100ms
publish:
  attempts: 1
maintenance:
  schedule: "off"
logging:
  level: error
  console: true
`, apiBase)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func env(k string) string {
	if k == config.EnvAccessToken {
		return "tok"
	}
	return ""
}

func at(d time.Duration) string {
	return time.Now().UTC().Add(d).Truncate(time.Minute).Format(schedule.TimeLayout)
}

func TestRunOnceOutcomes(t *testing.T) {
	p := newPlatform(t)
	cfgPath := writeFixture(t, p.srv.URL, []map[string]any{
		{"id": "due", "text": "hello", "scheduled_at": at(0), "posted": false},
		{"id": "future", "text": "later", "scheduled_at": at(2 * time.Hour), "posted": false},
		{"id": "broken", "scheduled_at": "never"},
	})
	a, err := New(context.Background(), cfgPath, WithGetenv(env))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	tests := []struct {
		id   string
		want dispatch.Outcome
		code int
	}{
		{"due", dispatch.OutcomePublished, runner.ExitOK},
		{"due", dispatch.OutcomeAlreadyPosted, runner.ExitOK},
		{"future", dispatch.OutcomeNotDue, runner.ExitNotAdmissible},
		{"broken", dispatch.OutcomeNotFound, runner.ExitNotFound},
		{"missing", dispatch.OutcomeNotFound, runner.ExitNotFound},
	}
	// Sequential: the first two depend on order.
	for _, tt := range tests {
		got, err := a.RunOnce(context.Background(), tt.id)
		if got != tt.want {
			t.Fatalf("RunOnce(%s) = %s, %v; want %s", tt.id, got, err, tt.want)
		}
		if code := runner.ExitCode(got, err); code != tt.code {
			t.Fatalf("exit code for %s = %d, want %d", tt.id, code, tt.code)
		}
	}
	if n := p.submits.Load(); n != 1 {
		t.Fatalf("submits = %d, want 1", n)
	}
}

func TestNewRejectsMissingCredential(t *testing.T) {
	cfgPath := writeFixture(t, "https://api.example.com", nil)
	_, err := New(context.Background(), cfgPath, WithGetenv(func(string) string { return "" }))
	if !config.IsError(err) {
		t.Fatalf("err = %v, want config error", err)
	}
	if code := runner.StartupExitCode(err); code != runner.ExitConfig {
		t.Fatalf("exit code = %d", code)
	}
}

func TestRunPublishesDueJobAndStops(t *testing.T) {
	p := newPlatform(t)
	cfgPath := writeFixture(t, p.srv.URL, []map[string]any{
		{"id": "j1", "text": "hello", "scheduled_at": at(0), "posted": false},
	})
	a, err := New(context.Background(), cfgPath, WithGetenv(env))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for p.submits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("job was never published")
		}
		time.Sleep(20 * time.Millisecond)
	}
	// Give the store update a moment, then check the file.
	deadline = time.Now().Add(5 * time.Second)
	for {
		doc, err := a.store.Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if j, _ := doc.Find("j1"); j.Posted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("j1 not marked posted")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("Run did not stop")
	}
	if n := p.submits.Load(); n != 1 {
		t.Fatalf("submits = %d, want 1", n)
	}
}

func TestAlertTargetChanged(t *testing.T) {
	t.Parallel()
	oldCfg := &config.Config{Alerts: &config.AlertsConfig{Telegram: config.TelegramAlerts{Enabled: true, ChatID: 1, RatePerSec: 1}}}
	rateOnly := &config.Config{Alerts: &config.AlertsConfig{Telegram: config.TelegramAlerts{Enabled: true, ChatID: 1, RatePerSec: 5}}}
	moved := &config.Config{Alerts: &config.AlertsConfig{Telegram: config.TelegramAlerts{Enabled: true, ChatID: 2}}}
	if alertTargetChanged(oldCfg, rateOnly) {
		t.Fatalf("rate change should apply live")
	}
	if !alertTargetChanged(oldCfg, moved) {
		t.Fatalf("chat change should need a restart")
	}
}
