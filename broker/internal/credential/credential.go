// Package credential issues and verifies the two-tier tokens that guard an inbox.
package credential

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/autonlabs/inbox-broker/broker/internal/models"
)

const (
	PublicKeyPrefix     = "pk_"
	PrivateSecretPrefix = "sk_"
)

// ErrConflict reports that a freshly issued token already exists in the store.
// With 122 random bits per token this indicates a broken random source, so it
// is surfaced as fatal rather than retried.
var ErrConflict = errors.New("credential conflict")

// Tier selects which operations a presented token must grant.
type Tier int

const (
	// TierSender grants ingestion. The private secret is accepted too.
	TierSender Tier = iota
	// TierOwner grants subscribe, query, info and delete.
	TierOwner
)

func (t Tier) String() string {
	switch t {
	case TierSender:
		return "sender"
	case TierOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// Pair is a freshly issued public key and private secret.
type Pair struct {
	PublicKey     string
	PrivateSecret string
}

// Issuer creates credential pairs. Tests substitute a deterministic one.
type Issuer interface {
	Issue() (Pair, error)
}

// RandomIssuer draws each token from an independent version 4 UUID.
type RandomIssuer struct{}

// Issue returns two independent high-entropy tokens.
func (RandomIssuer) Issue() (Pair, error) {
	pub, err := uuid.NewRandom()
	if err != nil {
		return Pair{}, fmt.Errorf("failed to generate public key: %w", err)
	}
	sec, err := uuid.NewRandom()
	if err != nil {
		return Pair{}, fmt.Errorf("failed to generate private secret: %w", err)
	}
	return Pair{
		PublicKey:     PublicKeyPrefix + compact(pub),
		PrivateSecret: PrivateSecretPrefix + compact(sec),
	}, nil
}

func compact(u uuid.UUID) string {
	return strings.ReplaceAll(u.String(), "-", "")
}

// Verify reports whether presented grants tier on inbox, in constant time
// with respect to the token contents.
func Verify(inbox *models.Inbox, presented string, tier Tier) bool {
	if inbox == nil || presented == "" {
		return false
	}
	p := []byte(presented)
	secretOK := subtle.ConstantTimeCompare(p, []byte(inbox.PrivateSecret)) == 1
	if tier == TierOwner {
		return secretOK
	}
	publicOK := subtle.ConstantTimeCompare(p, []byte(inbox.PublicKey)) == 1
	return publicOK || secretOK
}
