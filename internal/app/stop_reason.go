package app

// StopReason says why Run returned.
type StopReason string

const (
	// StopContext: the caller canceled (SIGINT/SIGTERM).
	StopContext    StopReason = "context"
	StopFatalError StopReason = "fatal_error"
)
