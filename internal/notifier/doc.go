// Package notifier sends operator alerts for job events.
//
// The service subscribes to the event bus and renders failures, abandoned
// jobs and lost schedule updates (plus successes when enabled) as short
// messages. Delivery goes through a Sender; the production sender posts to
// a Telegram chat.
//
// # Throttling
//
// Alerts pass a bounded queue and a token-bucket limiter. The same alert
// for the same job is suppressed for the dedup window, so a job that keeps
// failing every cycle produces one message per window.
package notifier
