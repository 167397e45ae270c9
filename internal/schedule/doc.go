// Package schedule persists scheduled jobs as a JSON array in one file.
//
// Record format:
//
//	{"id": "j1", "text": "...", "media_reference": "https://...",
//	 "scheduled_at": "2024-05-01 19:00", "posted": false}
//
// scheduled_at is UTC with minute precision. Records with unknown keys keep
// them across saves; malformed records are preserved verbatim and skipped.
package schedule
