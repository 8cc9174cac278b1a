package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/autonlabs/inbox-broker/broker/internal/models"
	"github.com/autonlabs/inbox-broker/broker/internal/query"
	"github.com/autonlabs/inbox-broker/broker/internal/service"
	"github.com/autonlabs/inbox-broker/common/httputil"
)

// DefaultMaxBodyBytes bounds an ingested body when no limit is configured.
const DefaultMaxBodyBytes = 1 << 20

type InboxHandler struct {
	service      *service.InboxService
	maxBodyBytes int64
	logger       *slog.Logger
}

func NewInboxHandler(svc *service.InboxService, maxBodyBytes int64, logger *slog.Logger) *InboxHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InboxHandler{service: svc, maxBodyBytes: maxBodyBytes, logger: logger}
}

// Ingest handles POST /api/inbox/{id}.
func (h *InboxHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	// A sender without a key is rejected before its body is read.
	key := senderKey(r)
	if key == "" {
		writeServiceError(w, r, h.logger, service.ErrMissingCredential)
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	msg, err := h.service.Ingest(r.Context(), &models.IngestRequest{
		InboxID:    r.PathValue("id"),
		PublicKey:  key,
		Method:     r.Method,
		Headers:    models.FilterHeaders(r.Header),
		Body:       body,
		RemoteAddr: httputil.GetClientIP(r),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.IngestResponse{OK: true, ID: msg.ID})
}

// CreateInbox handles POST /api/inboxes. The body is optional.
func (h *InboxHandler) CreateInbox(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var req models.CreateInboxRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.WriteErrorCode(w, http.StatusBadRequest, CodeMalformedJSON, "invalid request body", nil)
			return
		}
	}

	created, err := h.service.CreateInbox(r.Context(), req.Name)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

// ListInboxes handles GET /api/inboxes.
func (h *InboxHandler) ListInboxes(w http.ResponseWriter, r *http.Request) {
	inboxes, err := h.service.ListInboxes(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.ListInboxesResponse{Inboxes: inboxes})
}

// GetInbox handles GET /api/inbox/{id}.
func (h *InboxHandler) GetInbox(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.GetInbox(r.Context(), r.PathValue("id"), ownerSecret(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

// DeleteInbox handles DELETE /api/inbox/{id}.
func (h *InboxHandler) DeleteInbox(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteInbox(r.Context(), r.PathValue("id"), ownerSecret(r)); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.OKResponse{OK: true})
}

// GetMessages handles GET /api/inbox/{id}/messages.
func (h *InboxHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := query.Params{
		Limit:       httputil.ParseIntParam(q.Get("limit"), 0),
		Interactive: q.Get("view") == "interactive",
		Topic:       q.Get("topic"),
		Source:      q.Get("source"),
		Ref:         q.Get("ref"),
	}

	resp, err := h.service.GetMessages(r.Context(), r.PathValue("id"), ownerSecret(r), params)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *InboxHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorCode(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body too large", nil)
			return nil, false
		}
		httputil.WriteErrorCode(w, http.StatusBadRequest, CodeMalformedJSON, "failed to read request body", nil)
		return nil, false
	}
	return body, true
}
