package repository

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/autonlabs/inbox-broker/broker/internal/models"
)

// InMemoryRepository keeps every inbox log in process memory.
// The top-level lock guards only inbox membership; each inbox serialises its
// own appends so traffic on one inbox never waits on another.
type InMemoryRepository struct {
	mu      sync.RWMutex
	inboxes map[string]*inboxLog
	byToken map[string]string
	now     func() time.Time
}

type inboxLog struct {
	mu       sync.RWMutex
	inbox    *models.Inbox
	messages []*models.Message // ascending Seq
	lastSeq  int64
	lastAt   time.Time
	deleted  bool
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		inboxes: make(map[string]*inboxLog),
		byToken: make(map[string]string),
		now:     time.Now,
	}
}

func (r *InMemoryRepository) CreateInbox(ctx context.Context, inbox *models.Inbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.inboxes[inbox.ID]; exists {
		return ErrInboxExists
	}
	if _, taken := r.byToken[inbox.PublicKey]; taken {
		return ErrCredentialConflict
	}
	if _, taken := r.byToken[inbox.PrivateSecret]; taken {
		return ErrCredentialConflict
	}

	stored := *inbox
	r.inboxes[inbox.ID] = &inboxLog{inbox: &stored}
	r.byToken[inbox.PublicKey] = inbox.ID
	r.byToken[inbox.PrivateSecret] = inbox.ID
	return nil
}

func (r *InMemoryRepository) lookup(id string) (*inboxLog, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.inboxes[id]
	return l, ok
}

func (r *InMemoryRepository) GetInbox(ctx context.Context, id string) (*models.Inbox, error) {
	l, ok := r.lookup(id)
	if !ok {
		return nil, ErrInboxNotFound
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.deleted {
		return nil, ErrInboxNotFound
	}
	inbox := *l.inbox
	return &inbox, nil
}

func (r *InMemoryRepository) ListInboxes(ctx context.Context, limit int) ([]*models.Inbox, error) {
	if limit <= 0 || limit > MaxInboxList {
		limit = MaxInboxList
	}

	r.mu.RLock()
	inboxes := make([]*models.Inbox, 0, len(r.inboxes))
	for _, l := range r.inboxes {
		inbox := *l.inbox
		inboxes = append(inboxes, &inbox)
	}
	r.mu.RUnlock()

	sort.Slice(inboxes, func(i, j int) bool {
		if inboxes[i].CreatedAt.Equal(inboxes[j].CreatedAt) {
			return inboxes[i].ID > inboxes[j].ID
		}
		return inboxes[i].CreatedAt.After(inboxes[j].CreatedAt)
	})
	if len(inboxes) > limit {
		inboxes = inboxes[:limit]
	}
	return inboxes, nil
}

func (r *InMemoryRepository) DeleteInbox(ctx context.Context, id string) error {
	l, ok := r.lookup(id)
	if !ok {
		return ErrInboxNotFound
	}

	// Holding the inbox lock across the cascade means an in-flight append
	// either lands before it or observes deleted.
	l.mu.Lock()
	if l.deleted {
		l.mu.Unlock()
		return ErrInboxNotFound
	}
	l.deleted = true
	l.messages = nil
	l.mu.Unlock()

	r.mu.Lock()
	delete(r.inboxes, id)
	delete(r.byToken, l.inbox.PublicKey)
	delete(r.byToken, l.inbox.PrivateSecret)
	r.mu.Unlock()
	return nil
}

func (r *InMemoryRepository) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, ok := r.lookup(msg.InboxID)
	if !ok {
		return ErrInboxNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deleted {
		return ErrInboxNotFound
	}

	now := r.now().UTC()
	if now.Before(l.lastAt) {
		now = l.lastAt
	}
	l.lastSeq++
	l.lastAt = now

	msg.ID = ulid.Make().String()
	msg.Seq = l.lastSeq
	msg.ReceivedAt = now
	l.messages = append(l.messages, cloneMessage(msg))
	return nil
}

func (r *InMemoryRepository) GetMessage(ctx context.Context, inboxID, messageID string) (*models.Message, error) {
	l, err := r.readable(inboxID)
	if err != nil {
		return nil, err
	}
	defer l.mu.RUnlock()

	for _, m := range l.messages {
		if m.ID == messageID {
			return cloneMessage(m), nil
		}
	}
	return nil, ErrMessageNotFound
}

func (r *InMemoryRepository) ListMessages(ctx context.Context, inboxID string, filter MessageFilter) ([]*models.Message, error) {
	l, err := r.readable(inboxID)
	if err != nil {
		return nil, err
	}
	defer l.mu.RUnlock()

	out := make([]*models.Message, 0, min(filter.Limit, len(l.messages)))
	for i := len(l.messages) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		if filter.Matches(l.messages[i]) {
			out = append(out, cloneMessage(l.messages[i]))
		}
	}
	return out, nil
}

func (r *InMemoryRepository) ListMessagesAfter(ctx context.Context, inboxID string, afterSeq int64, limit int) ([]*models.Message, error) {
	l, err := r.readable(inboxID)
	if err != nil {
		return nil, err
	}
	defer l.mu.RUnlock()

	start := sort.Search(len(l.messages), func(i int) bool { return l.messages[i].Seq > afterSeq })
	end := len(l.messages)
	if limit > 0 && end-start > limit {
		end = start + limit
	}
	out := make([]*models.Message, 0, end-start)
	for _, m := range l.messages[start:end] {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (r *InMemoryRepository) CountMessages(ctx context.Context, inboxID string) (int64, error) {
	l, err := r.readable(inboxID)
	if err != nil {
		return 0, err
	}
	defer l.mu.RUnlock()
	return int64(len(l.messages)), nil
}

func (r *InMemoryRepository) DeleteMessages(ctx context.Context, inboxID string) error {
	l, ok := r.lookup(inboxID)
	if !ok {
		return nil
	}
	l.mu.Lock()
	l.messages = nil
	l.mu.Unlock()
	return nil
}

func (r *InMemoryRepository) Ping(ctx context.Context) error {
	return nil
}

func (r *InMemoryRepository) Close() {}

// readable returns the inbox log read-locked; callers must RUnlock it.
func (r *InMemoryRepository) readable(inboxID string) (*inboxLog, error) {
	l, ok := r.lookup(inboxID)
	if !ok {
		return nil, ErrInboxNotFound
	}
	l.mu.RLock()
	if l.deleted {
		l.mu.RUnlock()
		return nil, ErrInboxNotFound
	}
	return l, nil
}

func cloneMessage(m *models.Message) *models.Message {
	c := *m
	c.Headers = maps.Clone(m.Headers)
	return &c
}
