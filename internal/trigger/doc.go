// Package trigger is the long-running side of autopost: a loop that loads
// the schedule, dispatches due jobs and sleeps until the next one, plus a
// cron-driven housekeeping job.
package trigger
