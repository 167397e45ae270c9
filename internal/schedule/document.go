package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrJobNotFound is returned when no valid record carries the requested id.
var ErrJobNotFound = errors.New("job not found")

// Entry is one record of the schedule file in file order. Exactly one of
// Job and Err is set; Raw always holds the record as read.
type Entry struct {
	Raw json.RawMessage
	Job *Job
	Err error
}

// Document is the whole schedule. Malformed records and duplicate ids are
// kept so saving never drops data written by other tools.
type Document struct {
	Entries []Entry
}

// ParseDocument decodes a JSON array of job records. Per-record problems are
// attached to the entry; only a non-array document fails as a whole.
func ParseDocument(data []byte) (*Document, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return &Document{}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("schedule is not a JSON array: %w", err)
	}
	doc := &Document{Entries: make([]Entry, 0, len(raws))}
	seen := make(map[string]struct{}, len(raws))
	for i, raw := range raws {
		e := Entry{Raw: raw}
		j, id, err := decodeJob(raw)
		switch {
		case err != nil:
			e.Err = &DataError{Index: i, ID: id, Err: err}
		default:
			if _, dup := seen[j.ID]; dup {
				e.Err = &DataError{Index: i, ID: j.ID, Err: ErrDuplicateID}
				break
			}
			seen[j.ID] = struct{}{}
			e.Job = &j
		}
		doc.Entries = append(doc.Entries, e)
	}
	return doc, nil
}

// Jobs returns copies of the valid jobs in file order.
func (d *Document) Jobs() []Job {
	if d == nil {
		return nil
	}
	out := make([]Job, 0, len(d.Entries))
	for _, e := range d.Entries {
		if e.Job != nil {
			out = append(out, *e.Job)
		}
	}
	return out
}

// Issues returns the DataError of every malformed entry.
func (d *Document) Issues() []error {
	if d == nil {
		return nil
	}
	var out []error
	for _, e := range d.Entries {
		if e.Err != nil {
			out = append(out, e.Err)
		}
	}
	return out
}

// Find returns the job with id. A record that carries id but failed to
// parse is reported as its *DataError.
func (d *Document) Find(id string) (Job, error) {
	id = strings.TrimSpace(id)
	if d != nil {
		var malformed error
		for _, e := range d.Entries {
			if e.Job != nil && e.Job.ID == id {
				return *e.Job, nil
			}
			var de *DataError
			if malformed == nil && errors.As(e.Err, &de) && de.ID == id && !errors.Is(de, ErrDuplicateID) {
				malformed = e.Err
			}
		}
		if malformed != nil {
			return Job{}, malformed
		}
	}
	return Job{}, fmt.Errorf("%w: %q", ErrJobNotFound, id)
}

// MarkPosted sets posted on job id. It reports whether the job existed.
func (d *Document) MarkPosted(id string) bool {
	for i := range d.Entries {
		if e := d.Entries[i]; e.Job != nil && e.Job.ID == id {
			d.Entries[i].Job.Posted = true
			return true
		}
	}
	return false
}

// Marshal renders the document as an indented JSON array.
func (d *Document) Marshal() ([]byte, error) {
	records := make([]json.RawMessage, 0, len(d.Entries))
	for i, e := range d.Entries {
		if e.Job == nil {
			records = append(records, e.Raw)
			continue
		}
		b, err := json.Marshal(e.Job)
		if err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
		records = append(records, b)
	}
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
