// Package runner maps one-shot dispatch results to process exit codes.
package runner

import (
	"context"
	"errors"

	"autopost/internal/config"
	"autopost/internal/dispatch"
	logx "autopost/pkg/logx"
)

// Exit codes of autopost-run.
const (
	ExitOK            = 0 // published, already posted, or held by another process
	ExitFailed        = 1 // publish failed or the schedule could not be updated
	ExitConfig        = 2 // configuration or usage error
	ExitNotFound      = 3 // job missing or malformed
	ExitNotAdmissible = 4 // window not yet open or already closed
)

// Dispatcher runs a single job.
type Dispatcher interface {
	RunOnce(ctx context.Context, jobID string) (dispatch.Outcome, error)
}

// ExitCode maps a dispatch outcome to the process exit code.
func ExitCode(outcome dispatch.Outcome, err error) int {
	switch outcome {
	case dispatch.OutcomePublished, dispatch.OutcomeReconciled, dispatch.OutcomeAlreadyPosted, dispatch.OutcomeContended:
		return ExitOK
	case dispatch.OutcomeNotFound:
		return ExitNotFound
	case dispatch.OutcomeNotDue, dispatch.OutcomeExpired:
		// Expired exits 4, not 0: nothing was posted, and a timer unit that
		// fired too late must be told apart from one that published.
		return ExitNotAdmissible
	case dispatch.OutcomeFailed, dispatch.OutcomePersistFailed:
		return ExitFailed
	}
	if config.IsError(err) {
		return ExitConfig
	}
	return ExitFailed
}

// StartupExitCode maps an error raised before any dispatch happened.
func StartupExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if config.IsError(err) || errors.Is(err, config.ErrMissingCredential) {
		return ExitConfig
	}
	return ExitFailed
}

// Run dispatches jobID and returns the exit code, logging the result.
func Run(ctx context.Context, d Dispatcher, jobID string, log logx.Logger) int {
	outcome, err := d.RunOnce(ctx, jobID)
	code := ExitCode(outcome, err)
	fields := []logx.Field{
		logx.String("job", jobID),
		logx.String("outcome", string(outcome)),
		logx.Int("exit_code", code),
	}
	if err != nil {
		fields = append(fields, logx.Err(err))
	}
	if code == ExitOK {
		log.Info("one-shot finished", fields...)
	} else {
		log.Warn("one-shot finished", fields...)
	}
	return code
}
