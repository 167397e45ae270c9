package config

import (
	"errors"
	"fmt"
)

// ErrMissingCredential is reported when no platform access token is configured.
var ErrMissingCredential = errors.New("platform access token is not configured")

// Error is a configuration failure. It is always fatal: entry points exit
// before doing any work.
type Error struct {
	Path  string // config file (may be empty)
	Field string // offending key (may be empty)
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Field != "" && e.Path != "":
		return fmt.Sprintf("config %s: %s: %v", e.Path, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
	case e.Path != "":
		return fmt.Sprintf("config %s: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("config: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsError reports whether err is (or wraps) a configuration error.
func IsError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

func fieldErr(field string, err error) error {
	return &Error{Field: field, Err: err}
}
