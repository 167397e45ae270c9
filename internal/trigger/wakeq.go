package trigger

import (
	"container/heap"
	"time"
)

// wakeQueue is a min-heap of wake times keyed by job id.
type wakeQueue struct {
	items []*wakeItem
	index map[string]*wakeItem
}

type wakeItem struct {
	id  string
	at  time.Time
	pos int
}

func newWakeQueue() *wakeQueue {
	return &wakeQueue{index: map[string]*wakeItem{}}
}

// Set inserts or moves the wake time of id.
func (q *wakeQueue) Set(id string, at time.Time) {
	if it, ok := q.index[id]; ok {
		it.at = at
		heap.Fix((*wakeHeap)(q), it.pos)
		return
	}
	it := &wakeItem{id: id, at: at}
	q.index[id] = it
	heap.Push((*wakeHeap)(q), it)
}

func (q *wakeQueue) Remove(id string) {
	it, ok := q.index[id]
	if !ok {
		return
	}
	heap.Remove((*wakeHeap)(q), it.pos)
	delete(q.index, id)
}

// Retain drops every id not in keep.
func (q *wakeQueue) Retain(keep map[string]struct{}) {
	for id := range q.index {
		if _, ok := keep[id]; !ok {
			q.Remove(id)
		}
	}
}

// Next returns the earliest wake time.
func (q *wakeQueue) Next() (string, time.Time, bool) {
	if len(q.items) == 0 {
		return "", time.Time{}, false
	}
	return q.items[0].id, q.items[0].at, true
}

func (q *wakeQueue) Len() int { return len(q.items) }

// wakeHeap adapts wakeQueue to container/heap.
type wakeHeap wakeQueue

func (h *wakeHeap) Len() int { return len(h.items) }
func (h *wakeHeap) Less(i, j int) bool {
	if h.items[i].at.Equal(h.items[j].at) {
		return h.items[i].id < h.items[j].id
	}
	return h.items[i].at.Before(h.items[j].at)
}
func (h *wakeHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].pos = i
	h.items[j].pos = j
}
func (h *wakeHeap) Push(x any) {
	it := x.(*wakeItem)
	it.pos = len(h.items)
	h.items = append(h.items, it)
}
func (h *wakeHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return it
}

// WakeTime is when the loop should next look at a job scheduled at at:
// lead before it while that is still ahead, otherwise at itself.
func WakeTime(at, now time.Time, lead time.Duration) time.Time {
	if early := at.Add(-lead); early.After(now) {
		return early
	}
	return at
}

// SleepFor is min(next-now, ceiling) clamped at zero; ceiling when idle.
func SleepFor(next time.Time, ok bool, now time.Time, ceiling time.Duration) time.Duration {
	if !ok {
		return ceiling
	}
	d := next.Sub(now)
	if d < 0 {
		return 0
	}
	return min(d, ceiling)
}
