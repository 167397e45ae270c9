package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"autopost/internal/eventbus"
	"autopost/internal/lock"
	"autopost/internal/publish"
	"autopost/internal/schedule"
	"autopost/internal/storage"
	logx "autopost/pkg/logx"
)

type fakePublisher struct {
	mu    sync.Mutex
	calls []string
	err   error
	hold  chan struct{} // when set, Publish blocks until closed
}

func (f *fakePublisher) Publish(ctx context.Context, job schedule.Job) (publish.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, job.ID)
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	if f.err != nil {
		return publish.Result{}, f.err
	}
	return publish.Result{PostID: "urn:li:share:" + job.ID, Attempts: 1}, nil
}

func (f *fakePublisher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	dir       string
	store     *schedule.Store
	locks     *lock.Manager
	publisher *fakePublisher
	journal   storage.Store
	bus       eventbus.Bus
	d         *Dispatcher
}

var at = time.Date(2024, 5, 1, 19, 0, 0, 0, time.UTC)

const scheduleBody = `[
  {"id": "j1", "text": "hello", "scheduled_at": "2024-05-01 19:00", "posted": false},
  {"id": "done", "text": "old", "scheduled_at": "2024-05-01 19:00", "posted": true},
  {"id": "broken", "scheduled_at": "soon"}
]`

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.json")
	if err := os.WriteFile(path, []byte(scheduleBody), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	prov, err := lock.NewFileProvider(lock.FileConfig{Dir: filepath.Join(dir, "locks")}, logx.Nop())
	if err != nil {
		t.Fatalf("lock provider: %v", err)
	}
	locks := lock.NewManager(prov, lock.Config{Lease: time.Minute, PollInterval: 5 * time.Millisecond}, logx.Nop())
	store, err := schedule.NewStore(schedule.Config{Path: path}, locks, logx.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	journal, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "journal.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	f := &fixture{dir: dir, store: store, locks: locks, publisher: &fakePublisher{}, journal: journal, bus: eventbus.New()}
	f.d = New(Config{Window: 5 * time.Minute, AcquireTimeout: 50 * time.Millisecond}, store, locks, f.publisher, journal, f.bus, logx.Nop())
	return f
}

func (f *fixture) posted(t *testing.T, id string) bool {
	t.Helper()
	doc, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	j, err := doc.Find(id)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	return j.Posted
}

func TestExecuteOutcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		id        string
		now       time.Time
		want      Outcome
		wantErr   bool
		published int
	}{
		{"due thirty seconds in", "j1", at.Add(30 * time.Second), OutcomePublished, false, 1},
		{"six minutes late", "j1", at.Add(6 * time.Minute), OutcomeExpired, false, 0},
		{"one second early", "j1", at.Add(-time.Second), OutcomeNotDue, false, 0},
		{"already posted", "done", at, OutcomeAlreadyPosted, false, 0},
		{"missing", "nope", at, OutcomeNotFound, true, 0},
		{"malformed", "broken", at, OutcomeNotFound, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			got, err := f.d.Execute(context.Background(), tt.id, tt.now)
			if got != tt.want {
				t.Fatalf("outcome = %s, want %s (err %v)", got, tt.want, err)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if n := f.publisher.Calls(); n != tt.published {
				t.Fatalf("publish calls = %d, want %d", n, tt.published)
			}
		})
	}
}

func TestPublishedJobIsPersistedAndMarked(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(4)
	defer unsub()

	if _, err := f.d.Execute(context.Background(), "j1", at); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !f.posted(t, "j1") {
		t.Fatalf("j1 should be posted")
	}
	m, ok, err := f.journal.GetMarker(context.Background(), "j1")
	if err != nil || !ok || m.PostID != "urn:li:share:j1" {
		t.Fatalf("marker = %+v, %v, %v", m, ok, err)
	}
	ev := <-events
	if ev.Type != eventbus.JobPublished {
		t.Fatalf("event = %s", ev.Type)
	}

	// Posted is monotonic: a second run does nothing.
	got, err := f.d.Execute(context.Background(), "j1", at.Add(time.Minute))
	if got != OutcomeAlreadyPosted || err != nil {
		t.Fatalf("second Execute = %s, %v", got, err)
	}
	if f.publisher.Calls() != 1 {
		t.Fatalf("published twice")
	}
}

func TestFailureLeavesJobUnposted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	fail := &publish.Failure{JobID: "j1", Attempts: 3, Last: &publish.StepError{Step: publish.StepSubmitPost, Category: publish.CategoryTransient, Err: errors.New("503")}}
	f.publisher.err = fail
	events, unsub := f.bus.Subscribe(4)
	defer unsub()

	got, err := f.d.Execute(context.Background(), "j1", at)
	if got != OutcomeFailed || !publish.IsFailure(err) {
		t.Fatalf("Execute = %s, %v", got, err)
	}
	if f.posted(t, "j1") {
		t.Fatalf("failed job must stay unposted")
	}
	ev := <-events
	data, _ := ev.Data.(eventbus.JobEvent)
	if ev.Type != eventbus.JobFailed || data.Category != "transient" || data.Attempts != 3 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestMarkerReconcilesWithoutPublishing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	// A previous run got the post accepted but crashed before updating the schedule.
	if err := f.journal.PutMarker(context.Background(), storage.Marker{JobID: "j1", PostID: "urn:li:share:earlier"}); err != nil {
		t.Fatalf("PutMarker: %v", err)
	}
	got, err := f.d.Execute(context.Background(), "j1", at)
	if got != OutcomeReconciled || err != nil {
		t.Fatalf("Execute = %s, %v", got, err)
	}
	if f.publisher.Calls() != 0 {
		t.Fatalf("reconcile must not publish")
	}
	if !f.posted(t, "j1") {
		t.Fatalf("j1 should be posted after reconcile")
	}
}

func TestConcurrentExecutePublishesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	hold := make(chan struct{})
	f.publisher.hold = hold

	other := New(Config{Window: 5 * time.Minute, AcquireTimeout: 50 * time.Millisecond}, f.store, f.locks, f.publisher, f.journal, nil, logx.Nop())

	first := make(chan Outcome, 1)
	go func() {
		o, _ := f.d.Execute(context.Background(), "j1", at)
		first <- o
	}()
	// Wait until the first dispatcher is inside Publish.
	deadline := time.Now().Add(5 * time.Second)
	for f.publisher.Calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first dispatch never reached publish")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := other.Execute(context.Background(), "j1", at)
	if got != OutcomeContended || err != nil {
		t.Fatalf("concurrent Execute = %s, %v", got, err)
	}
	close(hold)
	if o := <-first; o != OutcomePublished {
		t.Fatalf("first outcome = %s", o)
	}
	if f.publisher.Calls() != 1 {
		t.Fatalf("publish calls = %d, want 1", f.publisher.Calls())
	}
}

// leaseLosingLocker hands fn a context that the wrapped store cancels
// right after the schedule is read, as a lost lease would.
type leaseLosingLocker struct {
	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

func (l *leaseLosingLocker) WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	return fn(ctx)
}

type losingStore struct {
	Store
	locker *leaseLosingLocker
}

func (s losingStore) Load(ctx context.Context) (*schedule.Document, error) {
	doc, err := s.Store.Load(ctx)
	s.locker.mu.Lock()
	s.locker.cancel(lock.ErrLeaseLost)
	s.locker.mu.Unlock()
	return doc, err
}

func TestLostLeaseStopsBeforePublish(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	locker := &leaseLosingLocker{}
	d := New(Config{Window: 5 * time.Minute, AcquireTimeout: 50 * time.Millisecond}, losingStore{Store: f.store, locker: locker}, locker, f.publisher, nil, nil, logx.Nop())

	got, err := d.Execute(context.Background(), "j1", at)
	if got != OutcomeFailed || !errors.Is(err, lock.ErrLeaseLost) {
		t.Fatalf("Execute = %s, %v; want failed with ErrLeaseLost", got, err)
	}
	if f.publisher.Calls() != 0 {
		t.Fatalf("published after the lease was lost")
	}
	if f.posted(t, "j1") {
		t.Fatalf("j1 must stay unposted")
	}
}
