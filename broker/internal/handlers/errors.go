package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/autonlabs/inbox-broker/broker/internal/service"
	"github.com/autonlabs/inbox-broker/broker/internal/validator"
	"github.com/autonlabs/inbox-broker/common/httputil"
	"github.com/autonlabs/inbox-broker/common/logging"
)

// Machine-readable error codes carried in ErrorResponse.Code.
const (
	CodeMissingCredential  = "missing_credential"
	CodeNotFound           = "not_found"
	CodeMalformedJSON      = "malformed_json"
	CodeInvalidEnvelope    = "invalid_envelope"
	CodePayloadTooLarge    = "payload_too_large"
	CodeRateLimited        = "rate_limited"
	CodeInvalidCursor      = "invalid_cursor"
	CodeUnavailable        = "unavailable"
	CodeCredentialConflict = "credential_conflict"
	CodeInternal           = "internal_error"
)

// writeServiceError maps a service error onto a status code and error body.
// Unknown inboxes and wrong credentials share one response.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var verr *validator.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.WriteErrorCode(w, http.StatusUnprocessableEntity, CodeInvalidEnvelope, verr.Error(), verr.Fields)
	case errors.Is(err, service.ErrMissingCredential):
		httputil.WriteErrorCode(w, http.StatusUnauthorized, CodeMissingCredential, "missing credential", nil)
	case errors.Is(err, service.ErrInvalidCredential), errors.Is(err, service.ErrInboxNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, CodeNotFound, service.ErrInvalidCredential.Error(), nil)
	case errors.Is(err, service.ErrMalformedInput):
		httputil.WriteErrorCode(w, http.StatusBadRequest, CodeMalformedJSON, err.Error(), nil)
	case errors.Is(err, service.ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		httputil.WriteErrorCode(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded", nil)
	case errors.Is(err, service.ErrInvalidCursor):
		httputil.WriteErrorCode(w, http.StatusBadRequest, CodeInvalidCursor, "resume cursor not found", nil)
	case errors.Is(err, service.ErrStorageUnavailable), errors.Is(err, service.ErrShuttingDown):
		logger.WarnContext(r.Context(), "request failed", logging.Path(r.URL.Path), logging.Error(err))
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, CodeUnavailable, "service temporarily unavailable", nil)
	case errors.Is(err, service.ErrConflict):
		logger.ErrorContext(r.Context(), "credential collision", logging.Error(err))
		httputil.WriteErrorCode(w, http.StatusInternalServerError, CodeCredentialConflict, "failed to issue unique credentials", nil)
	default:
		logger.ErrorContext(r.Context(), "unhandled error", logging.Path(r.URL.Path), logging.Error(err))
		httputil.WriteErrorCode(w, http.StatusInternalServerError, CodeInternal, "internal server error", nil)
	}
}
