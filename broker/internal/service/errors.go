package service

import (
	"errors"
	"fmt"

	"github.com/autonlabs/inbox-broker/broker/internal/access"
	"github.com/autonlabs/inbox-broker/broker/internal/credential"
	"github.com/autonlabs/inbox-broker/broker/internal/hub"
	"github.com/autonlabs/inbox-broker/broker/internal/repository"
	"github.com/autonlabs/inbox-broker/broker/internal/validator"
)

var (
	ErrMissingCredential = access.ErrMissingCredential
	ErrInvalidCredential = access.ErrInvalidCredential
	// ErrInboxNotFound is returned when an ingest loses a race with deletion.
	ErrInboxNotFound  = repository.ErrInboxNotFound
	ErrMalformedInput = validator.ErrMalformed
	ErrConflict       = credential.ErrConflict

	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrRateLimited        = errors.New("rate limit exceeded")
	// ErrInvalidCursor means a resume cursor does not name a message of the inbox.
	ErrInvalidCursor = errors.New("resume cursor not found")

	// Stream termination reasons.
	ErrInboxDeleted = hub.ErrInboxDeleted
	ErrSlowConsumer = hub.ErrSlowConsumer
	ErrShuttingDown = hub.ErrHubClosed
	ErrStreamClosed = errors.New("stream closed")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// gateErr passes credential failures through and treats anything else as a
// store failure.
func gateErr(err error) error {
	if errors.Is(err, ErrMissingCredential) || errors.Is(err, ErrInvalidCredential) {
		return err
	}
	return storageErr("access check", err)
}
