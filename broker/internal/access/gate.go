// Package access applies the credential check that precedes every inbox operation.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/autonlabs/inbox-broker/broker/internal/credential"
	"github.com/autonlabs/inbox-broker/broker/internal/models"
	"github.com/autonlabs/inbox-broker/broker/internal/repository"
)

var (
	// ErrMissingCredential means no token was presented at all.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential covers both an unknown inbox and a wrong token, so
	// callers cannot probe which inboxes exist.
	ErrInvalidCredential = errors.New("inbox not found or credential invalid")
)

// InboxLookup is the slice of the repository the gate needs.
type InboxLookup interface {
	GetInbox(ctx context.Context, id string) (*models.Inbox, error)
}

type Gate struct {
	inboxes InboxLookup
}

func NewGate(inboxes InboxLookup) *Gate {
	return &Gate{inboxes: inboxes}
}

// Sender authorises ingestion with the public key (or the private secret).
func (g *Gate) Sender(ctx context.Context, inboxID, key string) (*models.Inbox, error) {
	return g.check(ctx, inboxID, key, credential.TierSender)
}

// Owner authorises subscribe, query, info and delete with the private secret.
func (g *Gate) Owner(ctx context.Context, inboxID, secret string) (*models.Inbox, error) {
	return g.check(ctx, inboxID, secret, credential.TierOwner)
}

func (g *Gate) check(ctx context.Context, inboxID, token string, tier credential.Tier) (*models.Inbox, error) {
	if token == "" {
		return nil, ErrMissingCredential
	}
	if inboxID == "" {
		return nil, ErrInvalidCredential
	}

	inbox, err := g.inboxes.GetInbox(ctx, inboxID)
	if errors.Is(err, repository.ErrInboxNotFound) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load inbox for %s access: %w", tier, err)
	}

	if !credential.Verify(inbox, token, tier) {
		return nil, ErrInvalidCredential
	}
	return inbox, nil
}
