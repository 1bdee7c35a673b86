package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Event is one progress notification. For Failed and Cancelled,
// StageIndex is the index of the stage that was interrupted.
type Event struct {
	StageIndex       int     `json:"stageIndex"`
	StageName        string  `json:"stageName"`
	FractionComplete float64 `json:"fractionComplete"`
	State            Stage   `json:"state"`
	Description      string  `json:"description,omitempty"`
	Error            string  `json:"error,omitempty"`
}

// Terminal reports whether the event ends the run's stream.
func (e Event) Terminal() bool { return e.State.Terminal() }

// SameStage reports whether e and o are progress within the same stage.
func (e Event) SameStage(o Event) bool {
	return e.State == o.State && e.StageIndex == o.StageIndex
}

// Observer receives events in order on a goroutine owned by the
// broadcaster. A slow observer may miss intermediate progress within a
// stage, never a stage change or the terminal event.
type Observer func(Event)

// RelayTo returns an observer that forwards events to out. Stage changes
// and the terminal event wait for room in out until ctx is done; progress
// within the current stage is skipped when out is full and passed to
// onDrop, which may be nil.
func RelayTo(ctx context.Context, out chan<- Event, onDrop func(Event)) Observer {
	var prev *Event
	return func(ev Event) {
		inStage := prev != nil && !ev.Terminal() && prev.SameStage(ev)
		prev = &ev
		if !inStage {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- ev:
		default:
			if onDrop != nil {
				onDrop(ev)
			}
		}
	}
}

// Broadcaster fans events out to observers without blocking the publisher.
// Each subscriber has its own queue drained by its own goroutine. When a
// queue holds buffer events, further progress within the same stage
// replaces the queued tail and is counted as dropped; stage changes and
// the terminal event are always queued.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	buffer  int
	last    *Event
	closed  bool
	dropped atomic.Uint64
}

// NewBroadcaster returns a broadcaster whose subscribers queue up to buffer
// events of progress within one stage.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{subs: make(map[string]*Subscription), buffer: buffer}
}

// Subscription is one observer's attachment to a broadcaster.
type Subscription struct {
	ID     string
	b      *Broadcaster
	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// Done is closed after the observer has seen the terminal event or the
// subscription was cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe detaches the observer. Events already queued are still
// delivered.
func (s *Subscription) Unsubscribe() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.subs[s.ID]; ok {
		delete(s.b.subs, s.ID)
		s.close()
	}
}

// push queues ev. With coalesce set and the queue full, ev replaces the
// tail when both belong to the same stage; push then reports a drop.
func (s *Subscription) push(ev Event, coalesce bool) (dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if n := len(s.queue); coalesce && n >= s.b.buffer && s.queue[n-1].SameStage(ev) {
		s.queue[n-1] = ev
		dropped = true
	} else {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	s.signal()
	return dropped
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Subscribe attaches obs. A subscriber that joins mid-run first receives
// the most recent event; one that joins after the terminal event receives
// only that event.
func (b *Broadcaster) Subscribe(obs Observer) *Subscription {
	s := &Subscription{
		ID:   uuid.NewString(),
		b:    b,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.deliver(obs)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last != nil {
		s.push(*b.last, false)
	}
	if b.closed {
		s.close()
		return s
	}
	b.subs[s.ID] = s
	return s
}

func (s *Subscription) deliver(obs Observer) {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			obs(ev)
			continue
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		<-s.wake
	}
}

// Publish enqueues ev for every subscriber and returns immediately. A
// terminal event closes the broadcaster; later publishes are ignored.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	coalesce := !ev.Terminal() && b.last != nil && b.last.SameStage(ev)
	b.last = &ev
	for id, s := range b.subs {
		if s.push(ev, coalesce) {
			n := b.dropped.Add(1)
			tracef("subscriber %s slow, coalesced %s progress (total dropped: %d)", id, ev.StageName, n)
		}
	}
	if ev.Terminal() {
		b.closed = true
		for id, s := range b.subs {
			s.close()
			delete(b.subs, id)
		}
	}
}

// Last returns the most recently published event.
func (b *Broadcaster) Last() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Event{}, false
	}
	return *b.last, true
}

// Dropped is the number of progress events coalesced away because a
// subscriber's queue was full.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Subscribers is the number of attached observers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
