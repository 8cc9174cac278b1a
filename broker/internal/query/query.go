// Package query serves bounded, filtered reads over an inbox log.
package query

import (
	"context"

	"github.com/autonlabs/inbox-broker/broker/internal/models"
	"github.com/autonlabs/inbox-broker/broker/internal/repository"
)

const (
	DefaultLimit            = 20
	DefaultInteractiveLimit = 100
	DefaultMaxLimit         = 500
)

// Limits configures how requested limits are normalised.
type Limits struct {
	Default     int
	Interactive int
	Max         int
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{Default: DefaultLimit, Interactive: DefaultInteractiveLimit, Max: DefaultMaxLimit}
}

// Params is a retrieval request. A non-positive Limit selects the default for
// the view; Interactive selects the larger default used by live dashboards.
type Params struct {
	Limit       int
	Interactive bool
	Topic       string
	Source      string
	Ref         string
}

// Engine resolves Params against a repository.
type Engine struct {
	repo   repository.Repository
	limits Limits
}

func NewEngine(repo repository.Repository, limits Limits) *Engine {
	if limits.Default <= 0 {
		limits.Default = DefaultLimit
	}
	if limits.Interactive <= 0 {
		limits.Interactive = DefaultInteractiveLimit
	}
	if limits.Max <= 0 {
		limits.Max = DefaultMaxLimit
	}
	return &Engine{repo: repo, limits: limits}
}

// Limit returns the effective limit for p: defaulted, then clamped to Max.
func (e *Engine) Limit(p Params) int {
	limit := p.Limit
	if limit <= 0 {
		limit = e.limits.Default
		if p.Interactive {
			limit = e.limits.Interactive
		}
	}
	if limit > e.limits.Max {
		limit = e.limits.Max
	}
	return limit
}

// Max is the hard ceiling on any single read.
func (e *Engine) Max() int {
	return e.limits.Max
}

// Query returns up to the effective limit of matching messages, newest first.
// Callers must already have passed the owner gate for the inbox.
func (e *Engine) Query(ctx context.Context, inboxID string, p Params) ([]*models.Message, int, error) {
	limit := e.Limit(p)
	messages, err := e.repo.ListMessages(ctx, inboxID, repository.MessageFilter{
		Limit:  limit,
		Topic:  p.Topic,
		Source: p.Source,
		Ref:    p.Ref,
	})
	if err != nil {
		return nil, limit, err
	}
	return messages, limit, nil
}
