// Package repository stores inboxes and their append-only message logs.
package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/autonlabs/inbox-broker/broker/internal/models"
)

var (
	ErrInboxNotFound   = errors.New("inbox not found")
	ErrInboxExists     = errors.New("inbox already exists")
	ErrMessageNotFound = errors.New("message not found")
	// ErrCredentialConflict means an issued token collides with a stored one.
	ErrCredentialConflict = errors.New("credential already in use")
)

// MaxInboxList caps ListInboxes regardless of the requested limit.
const MaxInboxList = 50

type Repository interface {
	// CreateInbox persists a new inbox. Token collisions return ErrCredentialConflict.
	CreateInbox(ctx context.Context, inbox *models.Inbox) error
	GetInbox(ctx context.Context, id string) (*models.Inbox, error)
	// ListInboxes returns inboxes newest first, at most min(limit, MaxInboxList).
	ListInboxes(ctx context.Context, limit int) ([]*models.Inbox, error)
	// DeleteInbox removes the inbox and every message it owns in one step.
	DeleteInbox(ctx context.Context, id string) error

	// AppendMessage assigns ID, Seq and ReceivedAt and stores msg. It returns
	// ErrInboxNotFound when the inbox does not exist or was deleted concurrently.
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, inboxID, messageID string) (*models.Message, error)
	// ListMessages returns matching messages newest first, at most filter.Limit.
	ListMessages(ctx context.Context, inboxID string, filter MessageFilter) ([]*models.Message, error)
	// ListMessagesAfter returns messages with Seq > afterSeq oldest first.
	ListMessagesAfter(ctx context.Context, inboxID string, afterSeq int64, limit int) ([]*models.Message, error)
	CountMessages(ctx context.Context, inboxID string) (int64, error)
	// DeleteMessages empties the log without removing the inbox. Idempotent.
	DeleteMessages(ctx context.Context, inboxID string) error

	Ping(ctx context.Context) error
	Close()
}

// MessageFilter narrows ListMessages. Empty string fields are unconstrained.
type MessageFilter struct {
	Limit  int
	Topic  string
	Source string
	Ref    string
}

// Matches reports whether msg satisfies every non-empty filter field by
// case-sensitive substring containment. A message without a ref never matches
// a non-empty Ref filter.
func (f MessageFilter) Matches(msg *models.Message) bool {
	env := msg.Envelope
	if f.Topic != "" && !strings.Contains(env.Topic, f.Topic) {
		return false
	}
	if f.Source != "" && !strings.Contains(env.Source, f.Source) {
		return false
	}
	if f.Ref != "" && (env.Ref == nil || !strings.Contains(*env.Ref, f.Ref)) {
		return false
	}
	return true
}
