package publish

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Category classifies a failed platform call for the retry policy.
type Category string

const (
	CategoryRateLimited Category = "rate_limited"
	CategoryTransient   Category = "transient"
	CategoryAuth        Category = "auth"
	CategoryPermanent   Category = "permanent"
)

// Step names one state of the publish transaction.
type Step string

const (
	StepResolveIdentity Step = "resolve_identity"
	StepRegisterMedia   Step = "register_media"
	StepFetchMedia      Step = "fetch_media"
	StepUploadMedia     Step = "upload_media"
	StepSubmitPost      Step = "submit_post"
)

var (
	ErrUnresolvedIdentity = errors.New("identity response has no id")
	ErrMediaTooLarge      = errors.New("media exceeds size limit")
	ErrMalformedResponse  = errors.New("malformed platform response")
)

// StepError is the failure of a single call within one attempt.
type StepError struct {
	Step     Step
	Category Category
	Status   int           // HTTP status; 0 for transport errors
	After    time.Duration // Retry-After hint, if any
	Err      error
}

func (e *StepError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (http %d): %v", e.Step, e.Category, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Category, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RetryAfter returns the server's Retry-After hint (zero when absent).
func (e *StepError) RetryAfter() time.Duration { return e.After }

// Failure is returned by Publisher.Publish when the transaction did not
// complete: retries were exhausted or the last error was not retryable.
type Failure struct {
	JobID    string
	Attempts int
	Last     *StepError
}

func (f *Failure) Error() string {
	return fmt.Sprintf("publish %q failed after %d attempt(s): %v", f.JobID, f.Attempts, f.Last)
}

func (f *Failure) Unwrap() error { return f.Last }

// Category of the last attempt's failure.
func (f *Failure) Category() Category {
	if f.Last == nil {
		return CategoryPermanent
	}
	return f.Last.Category
}

// IsFailure reports whether err carries a *Failure.
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

// classifyStatus maps a non-2xx status to a category.
func classifyStatus(status int) Category {
	switch {
	case status == http.StatusTooManyRequests:
		return CategoryRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryAuth
	case status == http.StatusRequestTimeout || status >= 500:
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

func retryable(c Category, retryAuth bool) bool {
	switch c {
	case CategoryRateLimited, CategoryTransient:
		return true
	case CategoryAuth:
		return retryAuth
	default:
		return false
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
