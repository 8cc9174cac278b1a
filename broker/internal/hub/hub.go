// Package hub fans newly appended messages out to live subscribers.
//
// Each inbox is an independent topic with its own lock. Delivery to a
// subscriber never blocks: a subscriber whose buffer is full is disconnected
// with ErrSlowConsumer and must re-query, which keeps delivery at-least-once
// for connected subscribers without letting one reader stall the rest.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/autonlabs/inbox-broker/broker/internal/metrics"
	"github.com/autonlabs/inbox-broker/broker/internal/models"
	"github.com/autonlabs/inbox-broker/common/logging"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 64

var (
	ErrInboxDeleted  = errors.New("inbox deleted")
	ErrSlowConsumer  = errors.New("subscriber too slow, messages would be lost")
	ErrHubClosed     = errors.New("hub closed")
	errClosedByOwner = errors.New("subscription closed")
)

// Broadcaster is how the rest of the broker announces events to subscribers.
// Implementations must not block the caller on slow subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg *models.Message)
	InboxDeleted(ctx context.Context, inboxID string)
}

type Hub struct {
	mu         sync.RWMutex
	topics     map[string]*topic
	closed     bool
	bufferSize int
	nextID     atomic.Uint64
	logger     *slog.Logger
}

type topic struct {
	mu   sync.Mutex
	subs map[uint64]*Subscription
}

func New(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics:     make(map[string]*topic),
		bufferSize: bufferSize,
		logger:     logger.With(slog.String("component", "hub")),
	}
}

// Subscription receives messages appended to one inbox after it was created.
type Subscription struct {
	ID      uint64
	InboxID string

	ch   chan *models.Message
	err  error
	once sync.Once
	hub  *Hub
}

// Messages yields messages in broadcast order. It is closed when the
// subscription ends; Err then reports why.
func (s *Subscription) Messages() <-chan *models.Message {
	return s.ch
}

// Err is nil while the subscription is live or after Close, otherwise one of
// ErrInboxDeleted, ErrSlowConsumer or ErrHubClosed. Only meaningful once
// Messages is closed.
func (s *Subscription) Err() error {
	if errors.Is(s.err, errClosedByOwner) {
		return nil
	}
	return s.err
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s, errClosedByOwner)
}

// terminate must be called with the owning topic locked.
func (s *Subscription) terminate(reason error) {
	s.once.Do(func() {
		s.err = reason
		close(s.ch)
		metrics.ActiveSubscribers.Dec()
		if !errors.Is(reason, errClosedByOwner) {
			metrics.SubscribersDropped.WithLabelValues(reasonLabel(reason)).Inc()
		}
	})
}

// Subscribe registers a subscriber for inboxID.
func (h *Hub) Subscribe(inboxID string) (*Subscription, error) {
	sub := &Subscription{
		ID:      h.nextID.Add(1),
		InboxID: inboxID,
		ch:      make(chan *models.Message, h.bufferSize),
		hub:     h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	t, ok := h.topics[inboxID]
	if !ok {
		t = &topic{subs: make(map[uint64]*Subscription)}
		h.topics[inboxID] = t
	}
	t.mu.Lock()
	t.subs[sub.ID] = sub
	t.mu.Unlock()

	metrics.ActiveSubscribers.Inc()
	h.logger.Debug("subscriber added", logging.InboxID(inboxID), logging.Subscriber(sub.ID))
	return sub, nil
}

// Broadcast delivers msg to every current subscriber of its inbox. It must be
// called after the append has committed.
func (h *Hub) Broadcast(_ context.Context, msg *models.Message) {
	h.mu.RLock()
	t, ok := h.topics[msg.InboxID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	var dropped []uint64
	for id, sub := range t.subs {
		select {
		case sub.ch <- msg:
			metrics.FanoutDelivered.Inc()
		default:
			delete(t.subs, id)
			sub.terminate(ErrSlowConsumer)
			dropped = append(dropped, id)
		}
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()

	for _, id := range dropped {
		h.logger.Warn("dropping slow subscriber",
			logging.InboxID(msg.InboxID), logging.Subscriber(id), logging.MessageID(msg.ID))
	}
	if empty {
		h.prune(msg.InboxID)
	}
}

// InboxDeleted ends every subscription of inboxID with ErrInboxDeleted.
func (h *Hub) InboxDeleted(_ context.Context, inboxID string) {
	h.mu.Lock()
	t, ok := h.topics[inboxID]
	delete(h.topics, inboxID)
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	for id, sub := range t.subs {
		delete(t.subs, id)
		sub.terminate(ErrInboxDeleted)
	}
	t.mu.Unlock()
}

// SubscriberCount reports live subscriptions for inboxID.
func (h *Hub) SubscriberCount(inboxID string) int {
	h.mu.RLock()
	t, ok := h.topics[inboxID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close ends every subscription with ErrHubClosed and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	topics := h.topics
	h.topics = make(map[string]*topic)
	h.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for id, sub := range t.subs {
			delete(t.subs, id)
			sub.terminate(ErrHubClosed)
		}
		t.mu.Unlock()
	}
}

func (h *Hub) unsubscribe(sub *Subscription, reason error) {
	h.mu.RLock()
	t, ok := h.topics[sub.InboxID]
	h.mu.RUnlock()
	if ok {
		t.mu.Lock()
		if _, live := t.subs[sub.ID]; live {
			delete(t.subs, sub.ID)
			sub.terminate(reason)
		}
		empty := len(t.subs) == 0
		t.mu.Unlock()
		if empty {
			h.prune(sub.InboxID)
		}
	}
}

// prune drops an inbox topic that has no subscribers left.
func (h *Hub) prune(inboxID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[inboxID]
	if !ok {
		return
	}
	t.mu.Lock()
	if len(t.subs) == 0 {
		delete(h.topics, inboxID)
	}
	t.mu.Unlock()
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrInboxDeleted):
		return "inbox_deleted"
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, ErrHubClosed):
		return "shutdown"
	default:
		return "other"
	}
}
