package scheduler

import (
	"container/heap"
	"time"

	"jobsched/internal/task/job"
)

type entry struct {
	key      job.Key
	at       time.Time
	priority int
	seq      uint64
	index    int
}

// fireQueue is the dispatcher's min-heap of next fire times, indexed by trigger key.
// All access happens with the store lock held (store.Queue hooks or store.Update).
type fireQueue struct {
	items []*entry
	byKey map[job.Key]*entry
	seq   uint64
	wake  chan<- struct{}
}

func newFireQueue(wake chan<- struct{}) *fireQueue {
	return &fireQueue{byKey: map[job.Key]*entry{}, wake: wake}
}

func (q *fireQueue) Len() int { return len(q.items) }

func (q *fireQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

func (q *fireQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *fireQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(q.items)
	q.items = append(q.items, e)
}

func (q *fireQueue) Pop() any {
	n := len(q.items)
	e := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	e.index = -1
	return e
}

// Schedule implements store.Queue.
func (q *fireQueue) Schedule(key job.Key, at time.Time, priority int) {
	q.seq++
	if e, ok := q.byKey[key]; ok {
		e.at, e.priority, e.seq = at, priority, q.seq
		heap.Fix(q, e.index)
	} else {
		e := &entry{key: key, at: at, priority: priority, seq: q.seq}
		heap.Push(q, e)
		q.byKey[key] = e
	}
	if q.byKey[key].index == 0 {
		q.signal()
	}
}

// Unschedule implements store.Queue.
func (q *fireQueue) Unschedule(key job.Key) {
	e, ok := q.byKey[key]
	if !ok {
		return
	}
	head := e.index == 0
	heap.Remove(q, e.index)
	delete(q.byKey, key)
	if head {
		q.signal()
	}
}

func (q *fireQueue) peek() *entry {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// popDue removes and returns the head entry if it is due at now.
func (q *fireQueue) popDue(now time.Time) *entry {
	e := q.peek()
	if e == nil || e.at.After(now) {
		return nil
	}
	heap.Pop(q)
	delete(q.byKey, e.key)
	return e
}

func (q *fireQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// snapshot returns the queued keys and times.
func (q *fireQueue) snapshot() map[job.Key]time.Time {
	out := make(map[job.Key]time.Time, len(q.items))
	for _, e := range q.items {
		out[e.key] = e.at
	}
	return out
}
