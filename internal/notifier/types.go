package notifier

import "time"

// Config controls the alert pipeline.
type Config struct {
	Enabled    bool
	QueueSize  int
	RatePerSec int
	// RetryMax is the number of resends after a failed send.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses a repeat of the same alert for the same job.
	DedupWindow     time.Duration
	DedupMaxEntries int
	NotifySuccess   bool
}

// Message is one operator alert.
type Message struct {
	// Key identifies the alert for dedup (event type + job id).
	Key      string
	Priority int
	Text     string
}
