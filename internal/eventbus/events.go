package eventbus

import "time"

// Job event types.
const (
	JobPublished     = "job.published"
	JobReconciled    = "job.reconciled"
	JobFailed        = "job.failed"
	JobAbandoned     = "job.abandoned"
	JobPersistFailed = "job.persist_failed"
)

// JobEvent is the Data of every job.* event.
type JobEvent struct {
	JobID       string
	ScheduledAt time.Time
	Outcome     string
	PostID      string
	Attempts    int
	Category    string
	Error       string
}
