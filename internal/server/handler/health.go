package handler

import (
	"net/http"
	"time"
)

// Halter reports whether the engine stopped itself.
type Halter interface {
	Halted() bool
}

// HealthHandler serves the liveness probe.
type HealthHandler struct {
	halters []Halter
}

// NewHealthHandler creates a HealthHandler that reports unhealthy while any
// of halters is halted.
func NewHealthHandler(halters ...Halter) *HealthHandler {
	return &HealthHandler{halters: halters}
}

// Healthz answers 200 while the engine is running and 503 once it halted.
// GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	for _, hl := range h.halters {
		if hl != nil && hl.Halted() {
			status, code = "halted", http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
