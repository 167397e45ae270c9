package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"autopost/internal/config"
	"autopost/internal/dispatch"
	"autopost/internal/publish"
	logx "autopost/pkg/logx"
)

func TestExitCode(t *testing.T) {
	t.Parallel()
	fail := &publish.Failure{JobID: "j1", Attempts: 3}
	tests := []struct {
		outcome dispatch.Outcome
		err     error
		want    int
	}{
		{dispatch.OutcomePublished, nil, ExitOK},
		{dispatch.OutcomeReconciled, nil, ExitOK},
		{dispatch.OutcomeAlreadyPosted, nil, ExitOK},
		{dispatch.OutcomeContended, nil, ExitOK},
		{dispatch.OutcomeFailed, fail, ExitFailed},
		{dispatch.OutcomePersistFailed, errors.New("disk full"), ExitFailed},
		{dispatch.OutcomeNotFound, errors.New("no such job"), ExitNotFound},
		{dispatch.OutcomeNotDue, nil, ExitNotAdmissible},
		{dispatch.OutcomeExpired, nil, ExitNotAdmissible},
		{"", &config.Error{Path: "c.yaml", Field: "platform.access_token", Err: config.ErrMissingCredential}, ExitConfig},
		{"", errors.New("boom"), ExitFailed},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%v", tt.outcome, tt.err), func(t *testing.T) {
			t.Parallel()
			if got := ExitCode(tt.outcome, tt.err); got != tt.want {
				t.Fatalf("ExitCode(%s, %v) = %d, want %d", tt.outcome, tt.err, got, tt.want)
			}
		})
	}
}

func TestStartupExitCode(t *testing.T) {
	t.Parallel()
	if got := StartupExitCode(nil); got != ExitOK {
		t.Fatalf("nil -> %d", got)
	}
	cfgErr := fmt.Errorf("load: %w", &config.Error{Field: "schedule.path", Err: errors.New("required")})
	if got := StartupExitCode(cfgErr); got != ExitConfig {
		t.Fatalf("config error -> %d", got)
	}
	if got := StartupExitCode(config.ErrMissingCredential); got != ExitConfig {
		t.Fatalf("missing credential -> %d", got)
	}
	if got := StartupExitCode(errors.New("redis: connection refused")); got != ExitFailed {
		t.Fatalf("infra error -> %d", got)
	}
}

type stubDispatcher struct {
	outcome dispatch.Outcome
	err     error
	gotID   string
}

func (s *stubDispatcher) RunOnce(ctx context.Context, jobID string) (dispatch.Outcome, error) {
	s.gotID = jobID
	return s.outcome, s.err
}

func TestRun(t *testing.T) {
	t.Parallel()
	d := &stubDispatcher{outcome: dispatch.OutcomeExpired}
	if code := Run(context.Background(), d, "j1", logx.Nop()); code != ExitNotAdmissible {
		t.Fatalf("code = %d", code)
	}
	if d.gotID != "j1" {
		t.Fatalf("dispatched %q", d.gotID)
	}
}
