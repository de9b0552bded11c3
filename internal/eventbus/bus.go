package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names a scheduler lifecycle event.
type Type string

const (
	JobFired        Type = "job.fired"
	JobStarted      Type = "job.started"
	JobCompleted    Type = "job.completed"
	JobFailed       Type = "job.failed"
	JobVetoed       Type = "job.vetoed"
	TriggerMisfired Type = "trigger.misfired"
	TriggerRetired  Type = "trigger.retired"
	SchedulerState  Type = "scheduler.state"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Publish never blocks; subscribers get buffered channels and a slow subscriber
// drops events rather than stalling the dispatcher or a worker.
type Event struct {
	Type Type
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe (write lock) cannot close
	// a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
