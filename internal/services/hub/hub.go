package hub

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/metrics"
)

const DefaultQueueSize = 256

var ErrClosed = errors.New("subscription closed")

// Hub fans events out to every subscriber. Publish never blocks: each subscriber
// owns a bounded queue, and when it is full the oldest event is dropped and a
// single gap marker is delivered before the surviving events.
type Hub struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextID    uint64
	queueSize int
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func New(queueSize int, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subs: make(map[uint64]*Subscription), queueSize: queueSize, metrics: m, log: logger}
}

func (h *Hub) Subscribe() *Subscription { return h.SubscribeWithSize(h.queueSize) }

func (h *Hub) SubscribeWithSize(size int) *Subscription {
	if size <= 0 {
		size = h.queueSize
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &Subscription{
		id:     h.nextID,
		buf:    make([]model.Event, size),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		hub:    h,
	}
	h.subs[s.id] = s
	h.metrics.SetSubscribers(len(h.subs))
	h.log.Debug("subscriber added", zap.Uint64("id", s.id), zap.Int("queue", size))
	return s
}

// Unsubscribe is idempotent.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[s.id]; ok {
		delete(h.subs, s.id)
		h.metrics.SetSubscribers(len(h.subs))
		h.log.Debug("subscriber removed", zap.Uint64("id", s.id), zap.Int("dropped_total", s.DroppedTotal()))
	}
	h.mu.Unlock()
	s.close()
}

// Publish appends the whole batch to every subscriber queue; a subscriber sees
// either none or all of the batch enqueued, in order.
func (h *Hub) Publish(events ...model.Event) {
	if len(events) == 0 {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if n := s.enqueue(events); n > 0 {
			h.metrics.AddDropped(n)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close drops every subscriber; pending Next calls return ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.metrics.SetSubscribers(0)
	h.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// Subscription is one consumer's bounded view of the stream.
type Subscription struct {
	id  uint64
	hub *Hub

	mu      sync.Mutex
	buf     []model.Event
	head    int
	count   int
	dropped int // since last gap marker
	total   int
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

func (s *Subscription) ID() uint64 { return s.id }

func (s *Subscription) enqueue(events []model.Event) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	dropped := 0
	for _, ev := range events {
		if s.count == len(s.buf) {
			s.buf[s.head] = model.Event{}
			s.head = (s.head + 1) % len(s.buf)
			s.count--
			dropped++
		}
		s.buf[(s.head+s.count)%len(s.buf)] = ev
		s.count++
	}
	s.dropped += dropped
	s.total += dropped
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// TryNext returns the next event without waiting.
func (s *Subscription) TryNext() (model.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped > 0 {
		n := s.dropped
		s.dropped = 0
		return messages.GapEvent(n), true
	}
	if s.count == 0 {
		return model.Event{}, false
	}
	ev := s.buf[s.head]
	s.buf[s.head] = model.Event{}
	s.head = (s.head + 1) % len(s.buf)
	s.count--
	return ev, true
}

// Next blocks until an event is available, the context ends or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (model.Event, error) {
	for {
		if ev, ok := s.TryNext(); ok {
			return ev, nil
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return model.Event{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// Close unsubscribes from the hub.
func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) DroppedTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.count, s.dropped = 0, 0
	close(s.done)
}
