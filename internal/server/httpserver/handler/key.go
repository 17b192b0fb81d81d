package handler

import (
	"net/http"
	"strconv"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/core/service"
)

// handleListKeys handles GET /connections/{id}/keys?search=&limit=.
func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.ListKeysRequest{Search: q.Get("search")}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, domain.ErrInvalidArgument.Code, "limit must be an integer", s)
			return
		}
		req.Limit = n
	}

	resp, err := h.svc.ListKeys(r.Context(), r.PathValue("id"), req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, ListKeysResponse{Keys: resp.Keys, Count: resp.Count})
}

// handleSetKey handles POST /connections/{id}/keys.
func (h *Handler) handleSetKey(w http.ResponseWriter, r *http.Request) {
	var req SetKeyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	err := h.svc.SetKey(r.Context(), r.PathValue("id"), service.SetKeyRequest{
		Key:        req.Key,
		Value:      req.Value,
		TTLSeconds: req.TTLSeconds,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, map[string]string{"key": req.Key})
}

// handleGetKey handles GET /connections/{id}/keys/{key}.
func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.GetKey(r.Context(), r.PathValue("id"), r.PathValue("key"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

// handleDeleteKey handles POST /connections/{id}/keys/{key}/delete.
func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteKey(r.Context(), r.PathValue("id"), r.PathValue("key")); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, nil)
}

// handleFlush handles POST /connections/{id}/flush.
func (h *Handler) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.FlushAll(r.Context(), r.PathValue("id")); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, nil)
}
