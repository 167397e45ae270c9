package eventbus

import "testing"

func TestPublishFansOutAndDrops(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: JobFailed, Data: JobEvent{JobID: "j1"}})
	b.Publish(Event{Type: JobAbandoned, Data: JobEvent{JobID: "j2"}})

	if e := <-a; e.Type != JobFailed || e.Time.IsZero() {
		t.Fatalf("first event = %+v", e)
	}
	if got := Dropped(b); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	if len(c) != 2 {
		t.Fatalf("second subscriber buffered %d, want 2", len(c))
	}

	unsubA()
	unsubA()
	b.Publish(Event{Type: JobPublished})
	if _, ok := <-a; ok {
		t.Fatalf("unsubscribed channel should be closed and drained")
	}
}
