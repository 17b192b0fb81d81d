package handler

import (
	"net/http"
)

// handleCreateConnection handles POST /connections.
func (h *Handler) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req CreateConnectionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	resp, err := h.svc.CreateConnection(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, CreateConnectionResponse{ID: resp.ID})
}

// handleListConnections handles GET /connections.
func (h *Handler) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns := h.svc.ListConnections(r.Context())
	h.writeJSON(w, r, http.StatusOK, ListConnectionsResponse{
		Connections: conns,
		Total:       len(conns),
	})
}

// handleGetStatus handles GET /connections/{id}.
func (h *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, StatusResponse{
		Host:       st.Connection.Host,
		Port:       st.Connection.Port,
		Dialect:    st.Connection.Dialect,
		Tunneled:   st.Connection.Tunneled,
		LastActive: st.Connection.LastActive,
		Stats:      st.Stats,
		Slabs:      st.Slabs,
	})
}

// handleCloseConnection handles POST /connections/{id}/close.
func (h *Handler) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CloseConnection(r.Context(), r.PathValue("id")); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, nil)
}
