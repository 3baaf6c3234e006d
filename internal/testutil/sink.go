package testutil

import (
	"sync"
	"time"

	"github.com/HerbHall/netmapper/pkg/models"
)

// RecordingSink is a thread-safe event sink that records every event it
// receives for later inspection.
type RecordingSink struct {
	mu     sync.Mutex
	events []models.Event
	notify chan struct{}
}

// NewRecordingSink returns an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{notify: make(chan struct{}, 1)}
}

// Emit records ev. Its signature matches recon.Sink.
func (s *RecordingSink) Emit(ev models.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of all recorded events.
func (s *RecordingSink) Events() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Types returns the recorded event types in order.
func (s *RecordingSink) Types() []models.EventType {
	events := s.Events()
	out := make([]models.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// Filter returns the recorded events of type t.
func (s *RecordingSink) Filter(t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range s.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// WaitFor blocks until pred holds for the recorded events or the timeout
// elapses. It reports whether pred was satisfied.
func (s *RecordingSink) WaitFor(timeout time.Duration, pred func([]models.Event) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if pred(s.Events()) {
			return true
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			return pred(s.Events())
		}
	}
}

// WaitTerminal waits until a terminal event has been recorded.
func (s *RecordingSink) WaitTerminal(timeout time.Duration) bool {
	return s.WaitFor(timeout, func(events []models.Event) bool {
		for _, ev := range events {
			if ev.Terminal() {
				return true
			}
		}
		return false
	})
}
