package service

import (
	"context"
	"log/slog"
	"math"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/keyindex"
	"github.com/yndnr/memscope-go/internal/registry"
	"github.com/yndnr/memscope-go/internal/transport"
)

// Connections is the connection table the service works against.
type Connections interface {
	Create(ctx context.Context, params domain.ConnectionParams) (string, error)
	Resolve(id string) (*registry.Entry, error)
	Touch(id string) error
	Close(id string) bool
	List() []domain.ConnectionInfo
}

// Cache runs single commands against a cache server.
type Cache interface {
	Stats(ctx context.Context, target transport.Target, arg string) (map[string]string, error)
	Get(ctx context.Context, target transport.Target, key string) (domain.Item, bool, error)
	Set(ctx context.Context, target transport.Target, key string, value []byte, ttl uint32) error
	Delete(ctx context.Context, target transport.Target, key string) (bool, error)
	Flush(ctx context.Context, target transport.Target) error
}

// KeyIndex lists keys and keeps the in-cache index current.
type KeyIndex interface {
	ListKeys(ctx context.Context, target transport.Target, opts keyindex.ListOptions) ([]domain.KeyInfo, error)
	ScheduleAdd(target transport.Target, keys ...string)
	ScheduleRemove(target transport.Target, keys ...string)
}

// CacheService is the caller facing API over logical connections.
// Every successful operation touches the connection it used.
type CacheService struct {
	conns  Connections
	cache  Cache
	index  KeyIndex
	logger *slog.Logger
}

// NewCacheService creates a CacheService.
func NewCacheService(conns Connections, cache Cache, index KeyIndex, logger *slog.Logger) *CacheService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheService{
		conns:  conns,
		cache:  cache,
		index:  index,
		logger: logger.With("component", "service"),
	}
}

// CreateConnectionResponse is the result of CreateConnection.
type CreateConnectionResponse struct {
	ID string `json:"id"`
}

// CreateConnection opens a logical connection. Host key errors are returned
// unchanged so the caller can ask an operator to trust the fingerprint.
func (s *CacheService) CreateConnection(ctx context.Context, params domain.ConnectionParams) (*CreateConnectionResponse, error) {
	id, err := s.conns.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	return &CreateConnectionResponse{ID: id}, nil
}

// CloseConnection closes a logical connection. Closing an unknown or
// already closed id succeeds.
func (s *CacheService) CloseConnection(ctx context.Context, id string) error {
	if id == "" {
		return domain.ErrMissingArgument.WithDetails("connection id is required")
	}
	s.conns.Close(id)
	return nil
}

// ListConnections returns every live connection.
func (s *CacheService) ListConnections(ctx context.Context) []domain.ConnectionInfo {
	return s.conns.List()
}

// StatusResponse is the result of GetStatus.
type StatusResponse struct {
	Connection domain.ConnectionInfo `json:"connection"`
	Stats      map[string]string     `json:"stats"`
	Slabs      []domain.SlabUsage    `json:"slabs"`
}

// GetStatus returns general and slab statistics of the server behind id.
func (s *CacheService) GetStatus(ctx context.Context, id string) (*StatusResponse, error) {
	e, err := s.conns.Resolve(id)
	if err != nil {
		return nil, err
	}
	target := e.Target()

	stats, err := s.cache.Stats(ctx, target, "")
	if err != nil {
		return nil, err
	}
	slabStats, err := s.cache.Stats(ctx, target, "slabs")
	if err != nil {
		return nil, err
	}

	s.touch(id)
	return &StatusResponse{
		Connection: e.Info(),
		Stats:      stats,
		Slabs:      domain.BuildSlabUsage(slabStats),
	}, nil
}

// ListKeysRequest filters a key listing.
type ListKeysRequest struct {
	Search string
	Limit  int
}

// ListKeysResponse is the result of ListKeys.
type ListKeysResponse struct {
	Keys  []domain.KeyInfo `json:"keys"`
	Count int              `json:"count"`
}

// ListKeys returns the keys of the server behind id with their values.
func (s *CacheService) ListKeys(ctx context.Context, id string, req ListKeysRequest) (*ListKeysResponse, error) {
	if req.Limit < 0 {
		return nil, domain.ErrInvalidArgument.WithDetails("limit must not be negative")
	}
	e, err := s.conns.Resolve(id)
	if err != nil {
		return nil, err
	}

	keys, err := s.index.ListKeys(ctx, e.Target(), keyindex.ListOptions{Search: req.Search, Limit: req.Limit})
	if err != nil {
		return nil, err
	}

	s.touch(id)
	return &ListKeysResponse{Keys: keys, Count: len(keys)}, nil
}

// SetKeyRequest stores one value.
type SetKeyRequest struct {
	Key        string
	Value      string
	TTLSeconds int64
}

// SetKey stores a value and schedules adding its key to the index.
func (s *CacheService) SetKey(ctx context.Context, id string, req SetKeyRequest) error {
	if err := validateUserKey(req.Key); err != nil {
		return err
	}
	if req.TTLSeconds < 0 {
		return domain.ErrInvalidArgument.WithDetails("ttl_seconds must not be negative")
	}
	if req.TTLSeconds > math.MaxUint32 {
		return domain.ErrInvalidArgument.WithDetails("ttl_seconds too large")
	}
	e, err := s.conns.Resolve(id)
	if err != nil {
		return err
	}
	target := e.Target()

	if err := s.cache.Set(ctx, target, req.Key, []byte(req.Value), uint32(req.TTLSeconds)); err != nil {
		return err
	}
	s.index.ScheduleAdd(target, req.Key)

	s.touch(id)
	return nil
}

// GetKey fetches one value.
func (s *CacheService) GetKey(ctx context.Context, id, key string) (*domain.KeyInfo, error) {
	if err := validateUserKey(key); err != nil {
		return nil, err
	}
	e, err := s.conns.Resolve(id)
	if err != nil {
		return nil, err
	}

	item, found, err := s.cache.Get(ctx, e.Target(), key)
	if err != nil {
		return nil, err
	}
	s.touch(id)
	if !found {
		return nil, domain.ErrKeyNotFound.WithDetails(key)
	}
	return &domain.KeyInfo{
		Key:                       key,
		Value:                     string(item.Value),
		TimeUntilExpirationSecond: -1,
		SizeBytes:                 len(item.Value),
	}, nil
}

// DeleteKey removes one key and schedules removing it from the index.
func (s *CacheService) DeleteKey(ctx context.Context, id, key string) error {
	if err := validateUserKey(key); err != nil {
		return err
	}
	e, err := s.conns.Resolve(id)
	if err != nil {
		return err
	}
	target := e.Target()

	found, err := s.cache.Delete(ctx, target, key)
	if err != nil {
		return err
	}
	s.index.ScheduleRemove(target, key)
	s.touch(id)
	if !found {
		return domain.ErrKeyNotFound.WithDetails(key)
	}
	return nil
}

// FlushAll invalidates every item on the server behind id, the index
// included.
func (s *CacheService) FlushAll(ctx context.Context, id string) error {
	e, err := s.conns.Resolve(id)
	if err != nil {
		return err
	}
	if err := s.cache.Flush(ctx, e.Target()); err != nil {
		return err
	}
	s.logger.Info("cache flushed", "connection_id", id)
	s.touch(id)
	return nil
}

// touch renews the idle deadline. A connection that expired between the
// call and now is not an error for the finished operation.
func (s *CacheService) touch(id string) {
	if err := s.conns.Touch(id); err != nil {
		s.logger.Debug("touch after operation failed", "connection_id", id, "error", err)
	}
}

func validateUserKey(key string) error {
	if err := domain.ValidateKey(key); err != nil {
		return err
	}
	if keyindex.IsReserved(key) {
		return domain.ErrInvalidArgument.WithDetailsf("%q is reserved for the key index", key)
	}
	return nil
}
