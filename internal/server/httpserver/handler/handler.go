package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/core/service"
	"github.com/yndnr/memscope-go/internal/telemetry/logger"
)

// maxBodyBytes bounds request bodies; values are capped well below this by
// the cache server anyway.
const maxBodyBytes = 4 << 20

// Handler routes API requests to the cache service.
type Handler struct {
	svc    *service.CacheService
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a Handler over svc.
func New(svc *service.CacheService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		svc:    svc,
		logger: logger.With("component", "http"),
		mux:    http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Routes lists the method and pattern of every API route.
func Routes() []string {
	return []string{
		"GET /health",
		"POST /connections",
		"GET /connections",
		"GET /connections/{id}",
		"POST /connections/{id}/close",
		"GET /connections/{id}/keys",
		"POST /connections/{id}/keys",
		"GET /connections/{id}/keys/{key}",
		"POST /connections/{id}/keys/{key}/delete",
		"POST /connections/{id}/flush",
	}
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /health", h.handleHealth)

	h.mux.HandleFunc("POST /connections", h.handleCreateConnection)
	h.mux.HandleFunc("GET /connections", h.handleListConnections)
	h.mux.HandleFunc("GET /connections/{id}", h.handleGetStatus)
	h.mux.HandleFunc("POST /connections/{id}/close", h.handleCloseConnection)

	h.mux.HandleFunc("GET /connections/{id}/keys", h.handleListKeys)
	h.mux.HandleFunc("POST /connections/{id}/keys", h.handleSetKey)
	h.mux.HandleFunc("GET /connections/{id}/keys/{key}", h.handleGetKey)
	h.mux.HandleFunc("POST /connections/{id}/keys/{key}/delete", h.handleDeleteKey)
	h.mux.HandleFunc("POST /connections/{id}/flush", h.handleFlush)
}

// writeJSON writes a JSON response with standard envelope format.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	requestID := logger.RequestIDFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(NewResponse(requestID, data)); err != nil {
		h.logger.Error("failed to encode response", "request_id", requestID, "error", err)
	}
}

// writeError writes an error response with standard envelope format.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	requestID := logger.RequestIDFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(NewErrorResponse(requestID, code, message, details))
}

// decodeBody decodes a JSON request body into v.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, r, http.StatusBadRequest, domain.ErrBadRequest.Code, "invalid request body", err.Error())
		return false
	}
	return true
}

// handleServiceError converts service errors to HTTP responses.
func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if hk, ok := domain.AsHostKeyError(err); ok {
		code := domain.GetErrorCode(err)
		h.writeError(w, r, http.StatusConflict, code, err.Error(), HostKeyDetails{
			Fingerprint: hk.Observed,
			Pinned:      hk.Pinned,
		})
		return
	}

	var de *domain.DomainError
	if errors.As(err, &de) {
		status := errorCodeToHTTPStatus(de.Code)
		if status >= 500 {
			h.logger.Warn("request failed", "request_id", logger.RequestIDFromContext(r.Context()),
				"path", r.URL.Path, "error", err)
		}
		h.writeError(w, r, status, de.Code, de.Message, detailsOf(de))
		return
	}

	h.logger.Error("internal error", "request_id", logger.RequestIDFromContext(r.Context()), "error", err)
	h.writeError(w, r, http.StatusInternalServerError, domain.ErrInternal.Code, "internal server error", nil)
}

func detailsOf(de *domain.DomainError) any {
	var parts []string
	if de.Details != "" {
		parts = append(parts, de.Details)
	}
	if de.Cause != nil {
		parts = append(parts, de.Cause.Error())
	}
	if len(parts) == 0 {
		return nil
	}
	return strings.Join(parts, ": ")
}

// errorCodeToHTTPStatus maps error codes to HTTP status codes.
func errorCodeToHTTPStatus(code string) int {
	switch {
	case strings.HasPrefix(code, "MS-ARG-"), strings.HasSuffix(code, "-4000"):
		return http.StatusBadRequest
	case strings.HasSuffix(code, "-4040"):
		return http.StatusNotFound
	case strings.HasPrefix(code, "MS-HOST-409"):
		return http.StatusConflict
	case strings.HasPrefix(code, "MS-AUTH-"):
		return http.StatusUnauthorized
	case strings.HasSuffix(code, "-4290"):
		return http.StatusTooManyRequests
	case strings.HasSuffix(code, "-5040"):
		return http.StatusGatewayTimeout
	case strings.HasPrefix(code, "MS-TRAN-"), strings.HasPrefix(code, "MS-PROT-5"), code == domain.ErrTunnel.Code:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
