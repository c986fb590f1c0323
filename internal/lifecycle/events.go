package lifecycle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/store"
)

type EventKind string

const (
	EventRecordingStart EventKind = "recording_start"
	EventRecordingStop  EventKind = "recording_stop"
	EventRecordingError EventKind = "recording_error"
	EventStateChange    EventKind = "state_change"
)

// Event is delivered to subscribers in the order transitions happen.
type Event struct {
	Kind      EventKind
	AttemptID string
	State     State
	Previous  State
	Trigger   string
	Elapsed   time.Duration
	Recording *store.Recording
	Reason    string
	Err       error
	Time      time.Time
}

// Subscription receives lifecycle events on C until Close is called. Events
// are dropped rather than blocking the lifecycle when C is full.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	l       *Lifecycle
	once    sync.Once
	dropped int
}

// Subscribe registers a listener with the given channel buffer.
func (l *Lifecycle) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, l: l}
	l.mu.Lock()
	l.subs[sub] = struct{}{}
	l.mu.Unlock()
	return sub
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.l.mu.Lock()
		delete(s.l.subs, s)
		close(s.ch)
		s.l.mu.Unlock()
	})
}

// Dropped reports how many events were discarded because C was full.
func (s *Subscription) Dropped() int {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	return s.dropped
}

// emitLocked fans out evt. Callers hold l.mu.
func (l *Lifecycle) emitLocked(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = l.opts.Clock()
	}
	if evt.AttemptID == "" {
		evt.AttemptID = l.attempt
	}
	for sub := range l.subs {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped++
			l.metrics.dropped(evt.Kind)
		}
	}
}

func (l *Lifecycle) transitionLocked(to State) {
	from := l.state
	l.state = to
	l.emitLocked(Event{Kind: EventStateChange, State: to, Previous: from, Trigger: l.startedBy})
	l.log.Debug("state change", slog.String("from", string(from)), slog.String("to", string(to)))
}
