// Package service composes the gate, validator, message log, query engine and
// fan-out hub into the operations exposed by the broker.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autonlabs/inbox-broker/broker/internal/access"
	"github.com/autonlabs/inbox-broker/broker/internal/credential"
	"github.com/autonlabs/inbox-broker/broker/internal/hub"
	"github.com/autonlabs/inbox-broker/broker/internal/metrics"
	"github.com/autonlabs/inbox-broker/broker/internal/models"
	"github.com/autonlabs/inbox-broker/broker/internal/query"
	"github.com/autonlabs/inbox-broker/broker/internal/ratelimit"
	"github.com/autonlabs/inbox-broker/broker/internal/repository"
	"github.com/autonlabs/inbox-broker/broker/internal/validator"
	"github.com/autonlabs/inbox-broker/common/logging"
)

// SendUserAgent is recorded on messages created through SendMessage.
const SendUserAgent = "auton-inbox-tool"

type Dependencies struct {
	Repo repository.Repository
	Hub  *hub.Hub
	// Broadcaster announces appends and deletions. Defaults to Hub; set it to
	// a *hub.Relay to fan out across instances.
	Broadcaster hub.Broadcaster
	Limiter     ratelimit.RateLimiter
	Issuer      credential.Issuer
	// Usage tracks per-inbox ingest statistics. Nil disables it.
	Usage  UsageTracker
	Logger *slog.Logger
}

// UsageTracker is satisfied by *usage.Collector.
type UsageTracker interface {
	Record(msg *models.Message, sender string)
	Usage(ctx context.Context, inboxID string) (*models.InboxUsage, error)
	Forget(ctx context.Context, inboxID string) error
}

type Options struct {
	PublicBaseURL     string
	Limits            query.Limits
	RateLimitFailOpen bool
}

type InboxService struct {
	repo     repository.Repository
	hub      *hub.Hub
	fanout   hub.Broadcaster
	limiter  ratelimit.RateLimiter
	issuer   credential.Issuer
	usage    UsageTracker
	gate     *access.Gate
	query    *query.Engine
	baseURL  string
	failOpen bool
	logger   *slog.Logger
}

func NewInboxService(deps Dependencies, opts Options) *InboxService {
	if deps.Hub == nil {
		deps.Hub = hub.New(hub.DefaultBufferSize, deps.Logger)
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = deps.Hub
	}
	if deps.Limiter == nil {
		deps.Limiter = &ratelimit.NoOpRateLimiter{}
	}
	if deps.Issuer == nil {
		deps.Issuer = credential.RandomIssuer{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &InboxService{
		repo:     deps.Repo,
		hub:      deps.Hub,
		fanout:   deps.Broadcaster,
		limiter:  deps.Limiter,
		issuer:   deps.Issuer,
		usage:    deps.Usage,
		gate:     access.NewGate(deps.Repo),
		query:    query.NewEngine(deps.Repo, opts.Limits),
		baseURL:  strings.TrimRight(opts.PublicBaseURL, "/"),
		failOpen: opts.RateLimitFailOpen,
		logger:   deps.Logger.With(logging.Service("inbox-service")),
	}
}

// EndpointURL is where senders post envelopes for inboxID.
func (s *InboxService) EndpointURL(inboxID string) string {
	return s.baseURL + "/api/inbox/" + inboxID
}

// MonitorURL is the owner's live view of inboxID.
func (s *InboxService) MonitorURL(inboxID string) string {
	return s.baseURL + "/inbox/" + inboxID
}

// CreateInbox issues fresh credentials and persists a new inbox. The returned
// record is the only place the private secret is ever disclosed.
func (s *InboxService) CreateInbox(ctx context.Context, name string) (*models.CreatedInbox, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate inbox ID: %w", err)
	}
	pair, err := s.issuer.Issue()
	if err != nil {
		return nil, err
	}

	inbox := &models.Inbox{
		ID:            id.String(),
		Name:          name,
		PublicKey:     pair.PublicKey,
		PrivateSecret: pair.PrivateSecret,
		// PostgreSQL keeps microseconds; truncate so both stores agree.
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	if err := s.repo.CreateInbox(ctx, inbox); err != nil {
		if errors.Is(err, repository.ErrCredentialConflict) || errors.Is(err, repository.ErrInboxExists) {
			s.logger.ErrorContext(ctx, "issued identifier collided with an existing inbox", logging.InboxID(inbox.ID))
			return nil, fmt.Errorf("failed to create inbox: %w", ErrConflict)
		}
		return nil, storageErr("failed to create inbox", err)
	}

	metrics.InboxesCreated.Inc()
	s.logger.InfoContext(ctx, "inbox created", logging.InboxID(inbox.ID))

	return &models.CreatedInbox{
		ID:            inbox.ID,
		Name:          inbox.Name,
		PublicKey:     inbox.PublicKey,
		PrivateSecret: inbox.PrivateSecret,
		CreatedAt:     inbox.CreatedAt,
		EndpointURL:   s.EndpointURL(inbox.ID),
		MonitorURL:    s.MonitorURL(inbox.ID),
	}, nil
}

// ListInboxes returns public metadata of the newest inboxes.
func (s *InboxService) ListInboxes(ctx context.Context) ([]*models.InboxSummary, error) {
	inboxes, err := s.repo.ListInboxes(ctx, repository.MaxInboxList)
	if err != nil {
		return nil, storageErr("failed to list inboxes", err)
	}

	out := make([]*models.InboxSummary, 0, len(inboxes))
	for _, inbox := range inboxes {
		summary := inbox.Summary()
		summary.EndpointURL = s.EndpointURL(inbox.ID)
		out = append(out, summary)
	}
	return out, nil
}

// GetInbox returns inbox metadata and its current message count.
func (s *InboxService) GetInbox(ctx context.Context, inboxID, secret string) (*models.InboxSummary, error) {
	inbox, err := s.gate.Owner(ctx, inboxID, secret)
	if err != nil {
		return nil, gateErr(err)
	}

	count, err := s.repo.CountMessages(ctx, inbox.ID)
	if errors.Is(err, repository.ErrInboxNotFound) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, storageErr("failed to count messages", err)
	}

	summary := inbox.Summary()
	summary.EndpointURL = s.EndpointURL(inbox.ID)
	summary.MessageCount = &count

	if s.usage != nil {
		u, err := s.usage.Usage(ctx, inbox.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to read inbox usage", logging.InboxID(inbox.ID), logging.Error(err))
		} else {
			summary.Usage = u
		}
	}
	return summary, nil
}

// Ingest authenticates, validates, appends and fans out one arrival. The
// message is committed before any subscriber sees it, and fan-out problems
// never fail the call.
func (s *InboxService) Ingest(ctx context.Context, req *models.IngestRequest) (*models.Message, error) {
	start := time.Now()

	inbox, err := s.gate.Sender(ctx, req.InboxID, req.PublicKey)
	if err != nil {
		metrics.MessagesIngested.WithLabelValues("unauthorized").Inc()
		return nil, gateErr(err)
	}

	if err := s.checkRate(ctx, inbox.ID); err != nil {
		metrics.MessagesIngested.WithLabelValues("rate_limited").Inc()
		return nil, err
	}

	env, body, err := validator.ParseEnvelope(req.Body)
	if err != nil {
		metrics.MessagesIngested.WithLabelValues("invalid").Inc()
		return nil, err
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = models.DefaultMethod
	}

	msg := &models.Message{
		InboxID:  inbox.ID,
		Headers:  models.FilterHeaderMap(req.Headers),
		Body:     body,
		Method:   method,
		Envelope: env,
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		metrics.MessagesIngested.WithLabelValues("error").Inc()
		if errors.Is(err, repository.ErrInboxNotFound) {
			return nil, ErrInboxNotFound
		}
		return nil, storageErr("failed to append message", err)
	}

	metrics.MessagesIngested.WithLabelValues("accepted").Inc()
	metrics.MessageBytes.Add(float64(len(msg.Body)))
	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	if s.usage != nil {
		s.usage.Record(msg, req.RemoteAddr)
	}

	s.logger.DebugContext(ctx, "message appended",
		logging.InboxID(inbox.ID),
		logging.MessageID(msg.ID),
		logging.Topic(env.Topic),
		logging.Source(env.Source),
	)

	// Subscribers must still get the message if the sender hangs up now.
	s.fanout.Broadcast(context.WithoutCancel(ctx), msg)
	return msg, nil
}

func (s *InboxService) checkRate(ctx context.Context, inboxID string) error {
	allowed, err := s.limiter.Allow(ctx, inboxID)
	if err != nil {
		if s.failOpen {
			s.logger.WarnContext(ctx, "rate limiter unavailable, admitting message",
				logging.InboxID(inboxID), logging.Error(err))
			return nil
		}
		return storageErr("rate limiter unavailable", err)
	}
	if !allowed {
		return ErrRateLimited
	}
	return nil
}

// SendMessage builds an envelope from typed fields and ingests it as if it
// had been posted to the public endpoint.
func (s *InboxService) SendMessage(ctx context.Context, req *models.SendRequest) (*models.Message, error) {
	envelope := map[string]any{
		"source": req.Source,
		"topic":  req.Topic,
	}
	if req.Ref != "" {
		envelope["ref"] = req.Ref
	}
	if len(req.Payload) > 0 {
		envelope["payload"] = req.Payload
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedInput, err)
	}

	return s.Ingest(ctx, &models.IngestRequest{
		InboxID:   req.InboxID,
		PublicKey: req.PublicKey,
		Method:    http.MethodPost,
		Headers: map[string]string{
			"content-type": "application/json",
			"user-agent":   SendUserAgent,
		},
		Body: body,
	})
}

// GetMessages returns the newest matching messages of the inbox.
func (s *InboxService) GetMessages(ctx context.Context, inboxID, secret string, p query.Params) (*models.ListMessagesResponse, error) {
	inbox, err := s.gate.Owner(ctx, inboxID, secret)
	if err != nil {
		return nil, gateErr(err)
	}

	start := time.Now()
	messages, limit, err := s.query.Query(ctx, inbox.ID, p)
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	if errors.Is(err, repository.ErrInboxNotFound) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, storageErr("failed to query messages", err)
	}

	if messages == nil {
		messages = []*models.Message{}
	}
	return &models.ListMessagesResponse{
		Messages: messages,
		Count:    len(messages),
		Limit:    limit,
	}, nil
}

// DeleteInbox removes the inbox and its whole log, then ends its live
// subscriptions. Losing a race with a concurrent delete still succeeds.
func (s *InboxService) DeleteInbox(ctx context.Context, inboxID, secret string) error {
	inbox, err := s.gate.Owner(ctx, inboxID, secret)
	if err != nil {
		return gateErr(err)
	}

	err = s.repo.DeleteInbox(ctx, inbox.ID)
	switch {
	case err == nil:
		metrics.InboxesDeleted.Inc()
		s.logger.InfoContext(ctx, "inbox deleted", logging.InboxID(inbox.ID))
	case errors.Is(err, repository.ErrInboxNotFound):
		s.logger.DebugContext(ctx, "inbox already deleted", logging.InboxID(inbox.ID))
	default:
		return storageErr("failed to delete inbox", err)
	}

	if s.usage != nil {
		if err := s.usage.Forget(ctx, inbox.ID); err != nil {
			s.logger.WarnContext(ctx, "failed to clear inbox usage", logging.InboxID(inbox.ID), logging.Error(err))
		}
	}

	s.fanout.InboxDeleted(context.WithoutCancel(ctx), inbox.ID)
	return nil
}

// Ping reports whether the message log is reachable.
func (s *InboxService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
