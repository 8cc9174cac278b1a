package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/autonlabs/inbox-broker/common/httputil"
	"github.com/autonlabs/inbox-broker/common/messaging"
)

// Pinger is anything whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	store Pinger
	bus   messaging.Client // nil when running single-instance
}

type readiness struct {
	Status    string                  `json:"status"`
	Storage   string                  `json:"storage"`
	Messaging *messaging.HealthStatus `json:"messaging,omitempty"`
}

func NewHealthHandler(store Pinger, bus messaging.Client) *HealthHandler {
	return &HealthHandler{store: store, bus: bus}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := readiness{Status: "ready", Storage: "ok"}
	status := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		resp.Storage = err.Error()
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
	}
	if h.bus != nil {
		health := messaging.CheckClientHealth(ctx, h.bus)
		resp.Messaging = &health
		if !health.Connected {
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
		}
	}

	httputil.WriteJSON(w, status, resp)
}
