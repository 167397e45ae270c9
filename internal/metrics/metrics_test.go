package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHealthz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		health HealthFunc
		code   int
	}{
		{"no check", nil, http.StatusOK},
		{"healthy", func(context.Context) error { return nil }, http.StatusOK},
		{"stalled", func(context.Context) error { return errors.New("loop stalled") }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			Handler(tt.health).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
		})
	}
}

func TestMetricsExposed(t *testing.T) {
	t.Parallel()
	RecordCycle(20*time.Millisecond, time.Now())
	RecordOutcome("published")
	RecordStep("submit_post", "ok")
	RecordLock("contended")
	SetAbandoned(2)

	srv := httptest.NewServer(Handler(nil))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	body := string(b)
	for _, want := range []string{
		`autopost_job_outcomes_total{outcome="published"}`,
		`autopost_publish_steps_total{result="ok",step="submit_post"}`,
		`autopost_lock_acquire_total{result="contended"}`,
		"autopost_abandoned_jobs 2",
		"autopost_trigger_cycles_total",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
