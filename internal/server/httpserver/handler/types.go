package handler

import (
	"time"

	"github.com/yndnr/memscope-go/internal/core/domain"
)

// Response is the standard API response envelope.
// All JSON responses use this format (except /metrics which uses Prometheus format).
type Response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// NewResponse creates a success response.
func NewResponse(requestID string, data any) *Response {
	return &Response{
		Code:      "OK",
		Message:   "Success",
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(requestID, code, message string, details any) *Response {
	return &Response{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Details:   details,
	}
}

// HostKeyDetails accompanies a 409 for an unverified or mismatching
// bastion host key. Retrying with tunnel.fingerprint set to Fingerprint
// pins the key.
type HostKeyDetails struct {
	Fingerprint string `json:"fingerprint"`
	Pinned      string `json:"pinned,omitempty"`
}

// CreateConnectionRequest is the request body for POST /connections.
type CreateConnectionRequest = domain.ConnectionParams

// CreateConnectionResponse is the response body for POST /connections.
type CreateConnectionResponse struct {
	ID string `json:"id"`
}

// ListConnectionsResponse is the response body for GET /connections.
type ListConnectionsResponse struct {
	Connections []domain.ConnectionInfo `json:"connections"`
	Total       int                     `json:"total"`
}

// StatusResponse is the response body for GET /connections/{id}.
type StatusResponse struct {
	Host       string             `json:"host"`
	Port       int                `json:"port"`
	Dialect    string             `json:"dialect"`
	Tunneled   bool               `json:"tunneled"`
	LastActive time.Time          `json:"last_active"`
	Stats      map[string]string  `json:"stats"`
	Slabs      []domain.SlabUsage `json:"slabs"`
}

// ListKeysResponse is the response body for GET /connections/{id}/keys.
type ListKeysResponse struct {
	Keys  []domain.KeyInfo `json:"keys"`
	Count int              `json:"count"`
}

// SetKeyRequest is the request body for POST /connections/{id}/keys.
type SetKeyRequest struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}
