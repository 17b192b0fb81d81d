package handler

import (
	"net/http"
	"time"

	"github.com/yndnr/memscope-go/internal/infra/buildinfo"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
	Time        string `json:"time"`
}

// handleHealth handles GET /health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:      "healthy",
		Version:     buildinfo.Version,
		Connections: len(h.svc.ListConnections(r.Context())),
		Time:        time.Now().UTC().Format(time.RFC3339),
	})
}
