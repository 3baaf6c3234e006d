// Package event fans discovery events out to live subscribers.
package event

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/pkg/models"
)

// DefaultBuffer is the per-subscriber queue length used when none is configured.
const DefaultBuffer = 64

// Observer receives hub activity, typically for metrics.
type Observer interface {
	EventPublished(t models.EventType)
	SubscribersChanged(n int)
	DeliveryDropped()
}

type nopObserver struct{}

func (nopObserver) EventPublished(models.EventType) {}
func (nopObserver) SubscribersChanged(int)          {}
func (nopObserver) DeliveryDropped()                {}

// Subscriber is one attached consumer of the event stream. Its queue is
// bounded; a subscriber whose queue is full when an event is published is
// considered broken and removed from the hub.
type Subscriber struct {
	id     string
	events chan models.Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// Events returns the subscriber's queue. It is closed once the subscriber
// has been removed and all queued events have been received.
func (s *Subscriber) Events() <-chan models.Event { return s.events }

// Done is closed when the subscriber is removed from the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// send attempts a non-blocking enqueue. It returns false only when the queue
// is full; sends to an already removed subscriber are silently ignored.
func (s *Subscriber) send(ev models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.events)
	close(s.done)
	return true
}

// Hub delivers every published event to every currently attached
// subscriber. Publishing never blocks on a subscriber, and events are
// delivered to each subscriber in publish order.
type Hub struct {
	logger   *zap.Logger
	buffer   int
	observer Observer

	// pubMu serializes publishers so per-subscriber order matches call order.
	pubMu sync.Mutex

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithObserver reports hub activity to o.
func WithObserver(o Observer) Option {
	return func(h *Hub) {
		if o != nil {
			h.observer = o
		}
	}
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:   logger,
		buffer:   DefaultBuffer,
		observer: nopObserver{},
		subs:     make(map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscriber. It only receives events published
// after this call returns. Subscribing to a closed hub returns a subscriber
// that is already removed.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		id:     uuid.New().String(),
		events: make(chan models.Event, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.close()
		return s
	}
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()

	h.observer.SubscribersChanged(n)
	h.logger.Debug("subscriber attached", zap.String("subscriber", s.id), zap.Int("subscribers", n))
	return s
}

// Unsubscribe removes s. It is idempotent and safe to call concurrently
// with Publish.
func (h *Hub) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	if h.remove(s) {
		h.logger.Debug("subscriber detached", zap.String("subscriber", s.id))
	}
}

// Publish delivers ev to every attached subscriber and returns the number
// of subscribers it was queued for. Subscribers with a full queue are
// dropped rather than waited on.
func (h *Hub) Publish(ev models.Event) int {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	h.observer.EventPublished(ev.Type)

	var delivered int
	for _, s := range targets {
		if s.send(ev) {
			delivered++
			continue
		}
		if h.remove(s) {
			h.observer.DeliveryDropped()
			h.logger.Debug("dropping slow subscriber",
				zap.String("subscriber", s.id),
				zap.String("event", string(ev.Type)),
			)
		}
	}
	return delivered
}

// SubscribeFunc attaches fn as a subscriber running on its own goroutine.
// Panics in fn are recovered and logged. The returned function detaches it.
func (h *Hub) SubscribeFunc(name string, fn func(models.Event)) func() {
	s := h.Subscribe()
	go func() {
		for ev := range s.Events() {
			h.invoke(name, fn, ev)
		}
	}()
	return func() { h.Unsubscribe(s) }
}

// Count returns the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscriber. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	h.observer.SubscribersChanged(0)
}

// Closed reports whether Close has been called.
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

func (h *Hub) remove(s *Subscriber) bool {
	h.mu.Lock()
	_, ok := h.subs[s.id]
	if ok {
		delete(h.subs, s.id)
	}
	n := len(h.subs)
	h.mu.Unlock()

	s.close()
	if ok {
		h.observer.SubscribersChanged(n)
	}
	return ok
}

func (h *Hub) invoke(name string, fn func(models.Event), ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked",
				zap.String("handler", name),
				zap.String("event", string(ev.Type)),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn(ev)
}
