package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	logx "autopost/pkg/logx"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func newStore(t *testing.T, body string) *Store {
	t.Helper()
	p := filepath.Join(t.TempDir(), "schedule.json")
	if body != "" {
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	s, err := NewStore(Config{Path: p}, nil, logx.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func addJob(doc *Document, j Job) {
	doc.Entries = append(doc.Entries, Entry{Job: &j})
}

func TestAdmissionBoundaries(t *testing.T) {
	t.Parallel()
	at := mustTime(t, "2024-05-01 19:00:00")
	window := 5 * time.Minute
	job := Job{ID: "j1", ScheduledAt: at}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"one second early", at.Add(-time.Second), false},
		{"exactly at", at, true},
		{"thirty seconds in", mustTime(t, "2024-05-01 19:00:30"), true},
		{"last instant", at.Add(window - time.Nanosecond), true},
		{"window end", at.Add(window), false},
		{"six minutes late", mustTime(t, "2024-05-01 19:06:00"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := job.Admissible(tt.now, window); got != tt.want {
				t.Fatalf("Admissible(%s) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}

	posted := job
	posted.Posted = true
	if posted.Admissible(at, window) {
		t.Fatalf("posted job must never be admissible")
	}
	if !job.Expired(mustTime(t, "2024-05-01 19:06:00"), window) {
		t.Fatalf("job should be expired at 19:06")
	}
	if job.Expired(at, window) || !job.NotYetDue(at.Add(-time.Second)) {
		t.Fatalf("unexpected expiry classification")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	s := newStore(t, "")
	ctx := context.Background()
	at := mustTime(t, "2024-05-01 19:00:00")

	doc := &Document{}
	addJob(doc, Job{ID: "j1", Text: "hello", ScheduledAt: at})
	addJob(doc, Job{ID: "j2", Text: "with image", MediaReference: "https://img.example/a.png", ScheduledAt: at.Add(time.Hour), Posted: true})
	if err := s.Save(ctx, doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	jobs := got.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	want := doc.Jobs()
	for i := range jobs {
		a, b := jobs[i], want[i]
		if a.ID != b.ID || a.Text != b.Text || a.MediaReference != b.MediaReference ||
			!a.ScheduledAt.Equal(b.ScheduledAt) || a.Posted != b.Posted {
			t.Fatalf("job %d = %+v, want %+v", i, a, b)
		}
	}

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(s.Path()), ".*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestBlankMediaReferenceSurvivesSave(t *testing.T) {
	t.Parallel()
	body := `[
  {"id": "empty", "text": "a", "media_reference": "", "scheduled_at": "2024-05-01 19:00", "posted": false},
  {"id": "null", "text": "b", "media_reference": null, "scheduled_at": "2024-05-01 20:00", "posted": false},
  {"id": "absent", "text": "c", "scheduled_at": "2024-05-01 21:00", "posted": false}
]`
	s := newStore(t, body)
	ctx := context.Background()
	if err := s.Update(ctx, func(doc *Document) error {
		doc.MarkPosted("empty")
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var records []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		t.Fatalf("saved file: %v", err)
	}
	tests := []struct {
		id      string
		present bool
		want    string
	}{
		{"empty", true, `""`},
		{"null", true, `null`},
		{"absent", false, ""},
	}
	for i, tt := range tests {
		v, ok := records[i]["media_reference"]
		if ok != tt.present {
			t.Fatalf("%s: media_reference present = %v, want %v", tt.id, ok, tt.present)
		}
		if ok && string(v) != tt.want {
			t.Fatalf("%s: media_reference = %s, want %s", tt.id, v, tt.want)
		}
	}
}

func TestMalformedRecordsPreserved(t *testing.T) {
	t.Parallel()
	body := `[
  {"id": "good", "text": "a", "scheduled_at": "2024-05-01 19:00", "posted": false, "sheet_row": 7},
  {"id": "bad-time", "text": "b", "scheduled_at": "tomorrow"},
  42,
  {"id": "good", "text": "dup", "scheduled_at": "2024-05-01 20:00"}
]`
	s := newStore(t, body)
	ctx := context.Background()

	doc, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := len(doc.Jobs()); n != 1 {
		t.Fatalf("valid jobs = %d, want 1", n)
	}
	issues := doc.Issues()
	if len(issues) != 3 {
		t.Fatalf("issues = %d, want 3", len(issues))
	}
	var de *DataError
	if !errors.As(issues[2], &de) || !errors.Is(de, ErrDuplicateID) {
		t.Fatalf("last issue = %v, want duplicate id", issues[2])
	}
	if _, err := doc.Find("bad-time"); !errors.As(err, &de) {
		t.Fatalf("Find(bad-time) = %v, want DataError", err)
	}
	if _, err := doc.Find("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Find(nope) = %v, want ErrJobNotFound", err)
	}

	if err := s.MarkPosted(ctx, "good"); err != nil {
		t.Fatalf("MarkPosted: %v", err)
	}

	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		t.Fatalf("saved file is not an array: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("records = %d, want 4", len(records))
	}
	if !strings.Contains(string(records[1]), "tomorrow") || strings.TrimSpace(string(records[2])) != "42" {
		t.Fatalf("malformed records were rewritten: %s", raw)
	}
	var first map[string]any
	if err := json.Unmarshal(records[0], &first); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if first["posted"] != true || first["sheet_row"] != float64(7) {
		t.Fatalf("first record = %v", first)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	s := newStore(t, "")
	doc, err := s.Load(context.Background())
	if !errors.Is(err, ErrNoSchedule) {
		t.Fatalf("err = %v, want ErrNoSchedule", err)
	}
	if doc == nil || len(doc.Jobs()) != 0 {
		t.Fatalf("expected empty document")
	}
}

func TestUpdateRefusesCorruptFile(t *testing.T) {
	t.Parallel()
	s := newStore(t, `{"not": "an array"}`)
	err := s.Update(context.Background(), func(doc *Document) error {
		addJob(doc, Job{ID: "x", ScheduledAt: time.Now().UTC()})
		return nil
	})
	if !errors.Is(err, ErrNoSchedule) {
		t.Fatalf("err = %v, want ErrNoSchedule", err)
	}
	raw, _ := os.ReadFile(s.Path())
	if string(raw) != `{"not": "an array"}` {
		t.Fatalf("corrupt file was overwritten: %s", raw)
	}
}

func TestConcurrentUpdatesKeepEveryWrite(t *testing.T) {
	t.Parallel()
	s := newStore(t, "[]")
	ctx := context.Background()
	at := mustTime(t, "2024-05-01 19:00:00")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Update(ctx, func(doc *Document) error {
				addJob(doc, Job{ID: fmt.Sprintf("j%d", i), ScheduledAt: at})
				return nil
			})
			if err != nil {
				t.Errorf("Update: %v", err)
			}
		}(i)
	}
	wg.Wait()

	doc, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := len(doc.Jobs()); n != 8 {
		t.Fatalf("jobs = %d, want 8", n)
	}
}

func TestWatcherSignalsOnSave(t *testing.T) {
	t.Parallel()
	s := newStore(t, "[]")
	w := NewWatcher(s.Path(), 20*time.Millisecond, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := s.Save(ctx, &Document{}); err != nil {
			t.Fatalf("Save: %v", err)
		}
		select {
		case <-w.C():
			cancel()
			<-done
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("no change signal")
		}
	}
}
