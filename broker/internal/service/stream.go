package service

import (
	"context"
	"errors"

	"github.com/autonlabs/inbox-broker/broker/internal/hub"
	"github.com/autonlabs/inbox-broker/broker/internal/models"
	"github.com/autonlabs/inbox-broker/broker/internal/repository"
	"github.com/autonlabs/inbox-broker/common/logging"
)

// Stream is one owner's live view of an inbox. When opened with a resume
// cursor it first replays every message after the cursor, oldest first, then
// continues with live messages. Live messages already replayed are skipped,
// so the seam has neither gaps nor duplicates.
//
// A Stream is not safe for concurrent use.
type Stream struct {
	InboxID string

	sub      *hub.Subscription
	repo     repository.Repository
	pageSize int

	pending     []*models.Message
	backfilling bool
	// cursor is the Seq of the last replayed message; live messages at or
	// below it were already delivered.
	cursor int64
}

// Subscribe opens a stream on the inbox. after is an optional message ID to
// resume from; omit it to receive only messages appended from now on.
func (s *InboxService) Subscribe(ctx context.Context, inboxID, secret, after string) (*Stream, error) {
	inbox, err := s.gate.Owner(ctx, inboxID, secret)
	if err != nil {
		return nil, gateErr(err)
	}

	// Registering before the replay query means nothing appended in between
	// can be missed.
	sub, err := s.hub.Subscribe(inbox.ID)
	if err != nil {
		return nil, err
	}

	st := &Stream{
		InboxID:  inbox.ID,
		sub:      sub,
		repo:     s.repo,
		pageSize: s.query.Max(),
	}

	if after == "" {
		// The inbox may have been deleted before the subscription registered.
		if _, err := s.repo.GetInbox(ctx, inbox.ID); err != nil {
			sub.Close()
			if errors.Is(err, repository.ErrInboxNotFound) {
				return nil, ErrInvalidCredential
			}
			return nil, storageErr("failed to load inbox", err)
		}
	} else {
		cursor, err := s.repo.GetMessage(ctx, inbox.ID, after)
		if err != nil {
			sub.Close()
			switch {
			case errors.Is(err, repository.ErrMessageNotFound):
				return nil, ErrInvalidCursor
			case errors.Is(err, repository.ErrInboxNotFound):
				return nil, ErrInvalidCredential
			default:
				return nil, storageErr("failed to resolve resume cursor", err)
			}
		}
		st.cursor = cursor.Seq
		st.backfilling = true
	}

	s.logger.DebugContext(ctx, "stream opened",
		logging.InboxID(inbox.ID), logging.Subscriber(sub.ID), logging.MessageID(after))
	return st, nil
}

// Next blocks until the next message is available, ctx is done, or the
// stream ends. A context error leaves the stream usable, so callers may use
// a short deadline to interleave heartbeats. Terminal errors are
// ErrInboxDeleted, ErrSlowConsumer, ErrShuttingDown and ErrStreamClosed.
func (st *Stream) Next(ctx context.Context) (*models.Message, error) {
	for {
		if len(st.pending) > 0 {
			msg := st.pending[0]
			st.pending = st.pending[1:]
			return msg, nil
		}
		if st.backfilling {
			if err := st.fetchPage(ctx); err != nil {
				return nil, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-st.sub.Messages():
			if !ok {
				if err := st.sub.Err(); err != nil {
					return nil, err
				}
				return nil, ErrStreamClosed
			}
			if msg.Seq <= st.cursor {
				continue
			}
			return msg, nil
		}
	}
}

func (st *Stream) fetchPage(ctx context.Context) error {
	page, err := st.repo.ListMessagesAfter(ctx, st.InboxID, st.cursor, st.pageSize)
	if errors.Is(err, repository.ErrInboxNotFound) {
		return ErrInboxDeleted
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return storageErr("failed to replay messages", err)
	}

	if len(page) < st.pageSize {
		st.backfilling = false
	}
	if len(page) > 0 {
		st.cursor = page[len(page)-1].Seq
		st.pending = page
	}
	return nil
}

// Close releases the subscription. Safe to call more than once.
func (st *Stream) Close() {
	st.sub.Close()
}
