package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/autonlabs/inbox-broker/broker/internal/metrics"
	"github.com/autonlabs/inbox-broker/broker/internal/models"
	"github.com/autonlabs/inbox-broker/common/logging"
	"github.com/autonlabs/inbox-broker/common/messaging"
)

// Relay publishes broker events to a message bus and feeds every instance's
// local Hub from it, so subscribers attached to any instance see appends
// committed on any other. Local delivery happens via the bus loopback; when a
// publish fails the event is delivered locally instead and the error logged.
type Relay struct {
	local  *Hub
	bus    messaging.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs []messaging.Subscription
}

type deletedEvent struct {
	InboxID string `json:"inbox_id"`
}

func NewRelay(local *Hub, bus messaging.Client, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		local:  local,
		bus:    bus,
		logger: logger.With(slog.String("component", "relay")),
	}
}

// Start subscribes to the per-inbox wildcard subjects.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	appended, err := r.bus.Subscribe(messaging.Wildcard(messaging.SubjectInboxMessageAppended), r.handleAppended)
	if err != nil {
		return fmt.Errorf("failed to subscribe to appended messages: %w", err)
	}
	deleted, err := r.bus.Subscribe(messaging.Wildcard(messaging.SubjectInboxDeleted), r.handleDeleted)
	if err != nil {
		_ = appended.Unsubscribe()
		return fmt.Errorf("failed to subscribe to inbox deletions: %w", err)
	}

	r.subs = append(r.subs, appended, deleted)
	r.logger.Info("relay started", slog.String("subjects", messaging.SubjectInboxMessageAppended+", "+messaging.SubjectInboxDeleted))
	return nil
}

// Stop unsubscribes from the bus. The bus client itself is owned by the caller.
func (r *Relay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.subs = nil
	return firstErr
}

func (r *Relay) Broadcast(ctx context.Context, msg *models.Message) {
	data, err := json.Marshal(msg)
	if err == nil {
		err = r.bus.Publish(ctx, messaging.InboxMessageAppendedSubject(msg.InboxID), data)
	}
	if err != nil {
		metrics.RelayErrors.WithLabelValues("publish_appended").Inc()
		r.logger.Warn("relay publish failed, delivering locally",
			logging.InboxID(msg.InboxID), logging.MessageID(msg.ID), logging.Error(err))
		r.local.Broadcast(ctx, msg)
	}
}

func (r *Relay) InboxDeleted(ctx context.Context, inboxID string) {
	data, err := json.Marshal(deletedEvent{InboxID: inboxID})
	if err == nil {
		err = r.bus.Publish(ctx, messaging.InboxDeletedSubject(inboxID), data)
	}
	if err != nil {
		metrics.RelayErrors.WithLabelValues("publish_deleted").Inc()
		r.logger.Warn("relay publish failed, closing local subscribers only",
			logging.InboxID(inboxID), logging.Error(err))
		r.local.InboxDeleted(ctx, inboxID)
	}
}

func (r *Relay) handleAppended(ctx context.Context, m *messaging.Message) error {
	inboxID, ok := messaging.InboxIDFromSubject(messaging.SubjectInboxMessageAppended, m.Subject)
	if !ok {
		return fmt.Errorf("unexpected subject %q", m.Subject)
	}

	var msg models.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		metrics.RelayErrors.WithLabelValues("decode_appended").Inc()
		return fmt.Errorf("failed to decode relayed message: %w", err)
	}
	if msg.InboxID != inboxID {
		return fmt.Errorf("relayed message inbox %q does not match subject %q", msg.InboxID, m.Subject)
	}
	if err := msg.DecodeEnvelope(); err != nil {
		return fmt.Errorf("failed to decode relayed envelope: %w", err)
	}

	r.local.Broadcast(ctx, &msg)
	return nil
}

func (r *Relay) handleDeleted(ctx context.Context, m *messaging.Message) error {
	inboxID, ok := messaging.InboxIDFromSubject(messaging.SubjectInboxDeleted, m.Subject)
	if !ok {
		return fmt.Errorf("unexpected subject %q", m.Subject)
	}
	r.local.InboxDeleted(ctx, inboxID)
	return nil
}
