package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autonlabs/inbox-broker/broker/internal/handlers"
	"github.com/autonlabs/inbox-broker/common/middleware"
)

type Handlers struct {
	Inbox  *handlers.InboxHandler
	Stream *handlers.StreamHandler
	Health *handlers.HealthHandler
}

// NewRouter constructs a ServeMux with the broker API routes registered.
func NewRouter(h Handlers, cors middleware.CORSConfig, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Public ingestion endpoint (public key)
	mux.HandleFunc("POST /api/inbox/{id}", h.Inbox.Ingest)

	// Owner endpoints (private secret)
	mux.HandleFunc("GET /api/inbox/{id}", h.Inbox.GetInbox)
	mux.HandleFunc("DELETE /api/inbox/{id}", h.Inbox.DeleteInbox)
	mux.HandleFunc("GET /api/inbox/{id}/messages", h.Inbox.GetMessages)
	mux.HandleFunc("GET /api/inbox/{id}/stream", h.Stream.SSE)
	mux.HandleFunc("GET /api/inbox/{id}/ws", h.Stream.WebSocket)

	// Inbox management
	mux.HandleFunc("POST /api/inboxes", h.Inbox.CreateInbox)
	mux.HandleFunc("GET /api/inboxes", h.Inbox.ListInboxes)

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.Health.Health)
	mux.HandleFunc("GET /readyz", h.Health.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = middleware.CORS(cors)(handler)
	handler = middleware.AccessLog(logger)(handler)
	return middleware.RequestID(handler)
}

// DefaultCORS returns the CORS policy for the given origins, exposing what
// browser clients of the broker need.
func DefaultCORS(origins []string) middleware.CORSConfig {
	return middleware.CORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", middleware.RequestIDHeader, handlers.HeaderInboxKey, handlers.HeaderInboxSecret},
		ExposedHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
		MaxAge:         600,
	}
}
