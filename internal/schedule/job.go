package schedule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the serialized form of scheduled_at (UTC, minute precision).
const TimeLayout = "2006-01-02 15:04"

// Job is one scheduled publication.
type Job struct {
	ID             string
	Text           string
	MediaReference string
	ScheduledAt    time.Time
	Posted         bool

	// extra holds fields this package does not know about, kept verbatim.
	extra map[string]json.RawMessage
	// blankMedia is an explicit empty or null media_reference as read, so
	// saving writes the key back.
	blankMedia json.RawMessage
}

var knownKeys = map[string]struct{}{
	"id": {}, "text": {}, "media_reference": {}, "scheduled_at": {}, "posted": {},
}

// HasMedia reports whether the job carries a media reference.
func (j Job) HasMedia() bool { return strings.TrimSpace(j.MediaReference) != "" }

// Admissible reports whether the job may be dispatched at now:
// not posted and now in [scheduled_at, scheduled_at+window).
func (j Job) Admissible(now time.Time, window time.Duration) bool {
	if j.Posted {
		return false
	}
	return !now.Before(j.ScheduledAt) && now.Before(j.ScheduledAt.Add(window))
}

// Expired reports an unposted job whose admission window has closed.
func (j Job) Expired(now time.Time, window time.Duration) bool {
	return !j.Posted && !now.Before(j.ScheduledAt.Add(window))
}

// NotYetDue reports an unposted job whose window has not opened.
func (j Job) NotYetDue(now time.Time) bool {
	return !j.Posted && now.Before(j.ScheduledAt)
}

// DataError describes a malformed schedule record.
type DataError struct {
	Index int
	ID    string // best effort; may be empty
	Err   error
}

func (e *DataError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("schedule record %d (id %q): %v", e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("schedule record %d: %v", e.Index, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

var (
	ErrDuplicateID = errors.New("duplicate job id")
	errMissingID   = errors.New("missing id")
	errMissingTime = errors.New("missing scheduled_at")
)

// decodeJob parses one record. The returned id is filled whenever the
// record carried a readable string id, even on error.
func decodeJob(raw json.RawMessage) (Job, string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Job{}, "", fmt.Errorf("not an object: %w", err)
	}

	var j Job
	if v, ok := fields["id"]; ok {
		if err := json.Unmarshal(v, &j.ID); err != nil {
			return Job{}, "", fmt.Errorf("id: %w", err)
		}
	}
	j.ID = strings.TrimSpace(j.ID)
	if j.ID == "" {
		return Job{}, "", errMissingID
	}
	if v, ok := fields["text"]; ok {
		if err := json.Unmarshal(v, &j.Text); err != nil {
			return Job{}, j.ID, fmt.Errorf("text: %w", err)
		}
	}
	if v, ok := fields["media_reference"]; ok {
		if !isNull(v) {
			if err := json.Unmarshal(v, &j.MediaReference); err != nil {
				return Job{}, j.ID, fmt.Errorf("media_reference: %w", err)
			}
		}
		if !j.HasMedia() {
			j.blankMedia = v
		}
	}
	v, ok := fields["scheduled_at"]
	if !ok {
		return Job{}, j.ID, errMissingTime
	}
	var ts string
	if err := json.Unmarshal(v, &ts); err != nil {
		return Job{}, j.ID, fmt.Errorf("scheduled_at: %w", err)
	}
	at, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(ts), time.UTC)
	if err != nil {
		return Job{}, j.ID, fmt.Errorf("scheduled_at: %w", err)
	}
	j.ScheduledAt = at
	if v, ok := fields["posted"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &j.Posted); err != nil {
			return Job{}, j.ID, fmt.Errorf("posted: %w", err)
		}
	}

	for k, v := range fields {
		if _, known := knownKeys[k]; known {
			continue
		}
		if j.extra == nil {
			j.extra = make(map[string]json.RawMessage)
		}
		j.extra[k] = v
	}
	return j, j.ID, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// MarshalJSON writes known fields first, then preserved unknown fields.
func (j Job) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(j.extra)+5)
	for k, v := range j.extra {
		out[k] = v
	}
	out["id"] = j.ID
	out["text"] = j.Text
	switch {
	case j.HasMedia():
		out["media_reference"] = j.MediaReference
	case j.blankMedia != nil:
		out["media_reference"] = j.blankMedia
	}
	out["scheduled_at"] = j.ScheduledAt.UTC().Format(TimeLayout)
	out["posted"] = j.Posted
	return json.Marshal(out)
}

// UnmarshalJSON accepts the record format written by MarshalJSON.
func (j *Job) UnmarshalJSON(b []byte) error {
	v, _, err := decodeJob(b)
	if err != nil {
		return err
	}
	*j = v
	return nil
}
