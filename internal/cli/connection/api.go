package connection

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/yndnr/memscope-go/internal/core/domain"
)

// Status is the answer of GET /connections/{id}.
type Status struct {
	Host       string             `json:"host"`
	Port       int                `json:"port"`
	Dialect    string             `json:"dialect"`
	Tunneled   bool               `json:"tunneled"`
	LastActive time.Time          `json:"last_active"`
	Stats      map[string]string  `json:"stats"`
	Slabs      []domain.SlabUsage `json:"slabs"`
}

// Health is the answer of GET /health.
type Health struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
}

// HostKeyDetails are attached to a 409 for an unknown or changed bastion
// host key.
type HostKeyDetails struct {
	Fingerprint string `json:"fingerprint"`
	Pinned      string `json:"pinned,omitempty"`
}

// HostKey returns the host key details of a 409 answer.
func (e *APIError) HostKey() (HostKeyDetails, bool) {
	var d HostKeyDetails
	if e.Status != 409 || len(e.Details) == 0 {
		return d, false
	}
	if err := json.Unmarshal(e.Details, &d); err != nil || d.Fingerprint == "" {
		return d, false
	}
	return d, true
}

func connPath(id string) string {
	return "/connections/" + url.PathEscape(id)
}

func keyPath(id, key string) string {
	return connPath(id) + "/keys/" + url.PathEscape(key)
}

// Health checks the server.
func (c *HTTPClient) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.Get(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// CreateConnection opens a cache connection and returns its id.
func (c *HTTPClient) CreateConnection(ctx context.Context, params domain.ConnectionParams) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.Post(ctx, "/connections", params, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// ListConnections returns the live connections.
func (c *HTTPClient) ListConnections(ctx context.Context) ([]domain.ConnectionInfo, error) {
	var out struct {
		Connections []domain.ConnectionInfo `json:"connections"`
	}
	if err := c.Get(ctx, "/connections", &out); err != nil {
		return nil, err
	}
	return out.Connections, nil
}

// Status returns stats and slab usage of a connection.
func (c *HTTPClient) Status(ctx context.Context, id string) (*Status, error) {
	var st Status
	if err := c.Get(ctx, connPath(id), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// CloseConnection closes a connection.
func (c *HTTPClient) CloseConnection(ctx context.Context, id string) error {
	return c.Post(ctx, connPath(id)+"/close", nil, nil)
}

// ListKeys lists keys with their values.
func (c *HTTPClient) ListKeys(ctx context.Context, id, search string, limit int) ([]domain.KeyInfo, error) {
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := connPath(id) + "/keys"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Keys []domain.KeyInfo `json:"keys"`
	}
	if err := c.Get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// GetKey fetches one key.
func (c *HTTPClient) GetKey(ctx context.Context, id, key string) (*domain.KeyInfo, error) {
	var info domain.KeyInfo
	if err := c.Get(ctx, keyPath(id, key), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SetKey stores one key.
func (c *HTTPClient) SetKey(ctx context.Context, id, key, value string, ttlSeconds int64) error {
	body := map[string]any{"key": key, "value": value}
	if ttlSeconds > 0 {
		body["ttl_seconds"] = ttlSeconds
	}
	return c.Post(ctx, connPath(id)+"/keys", body, nil)
}

// DeleteKey removes one key.
func (c *HTTPClient) DeleteKey(ctx context.Context, id, key string) error {
	return c.Post(ctx, keyPath(id, key)+"/delete", nil, nil)
}

// Flush invalidates every item behind a connection.
func (c *HTTPClient) Flush(ctx context.Context, id string) error {
	return c.Post(ctx, connPath(id)+"/flush", nil, nil)
}
