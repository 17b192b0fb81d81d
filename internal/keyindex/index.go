package keyindex

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/transport"
)

func (e *Engine) ttlSeconds() uint32 {
	return uint32(e.cfg.IndexTTL.Seconds())
}

// readManifest returns the shard names listed by the manifest. A missing
// manifest is an empty index, not an error.
func (e *Engine) readManifest(ctx context.Context, target transport.Target) ([]string, error) {
	item, found, err := e.cache.Get(ctx, target, ManifestKey)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if !found {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(item.Value, &names); err != nil {
		return nil, domain.ErrProtocol.WithDetails("manifest is not a JSON array").WithCause(err)
	}
	for _, n := range names {
		if !IsReserved(n) || n == ManifestKey {
			return nil, domain.ErrProtocol.WithDetailsf("manifest lists foreign item %q", n)
		}
	}
	return names, nil
}

// readIndex returns every key in the index. Any failure is returned.
func (e *Engine) readIndex(ctx context.Context, target transport.Target) ([]string, error) {
	names, err := e.readManifest(ctx, target)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, name := range names {
		item, found, err := e.cache.Get(ctx, target, name)
		if err != nil {
			return nil, fmt.Errorf("read shard %s: %w", name, err)
		}
		if !found {
			return nil, domain.ErrKeyNotFound.WithDetailsf("shard %s listed but missing", name)
		}
		var shard []string
		if err := json.Unmarshal(item.Value, &shard); err != nil {
			return nil, domain.ErrProtocol.WithDetailsf("shard %s is not a JSON array", name).WithCause(err)
		}
		keys = append(keys, shard...)
	}
	return keys, nil
}

// ReadIndex returns every key in the index. A manifest or shard that cannot
// be read makes the whole index read as empty with ok false; callers must not
// write such a result back as the new index.
func (e *Engine) ReadIndex(ctx context.Context, target transport.Target) (keys []string, ok bool) {
	keys, err := e.readIndex(ctx, target)
	if err != nil {
		e.logger.Warn("index unreadable, treating as empty", "address", target.Address, "error", err)
		return nil, false
	}
	return keys, true
}

// WriteIndexShards replaces the index with keys. It writes every shard, then
// the manifest, then deletes shards only the previous manifest listed. A
// phase starts only after the previous one fully succeeded.
func (e *Engine) WriteIndexShards(ctx context.Context, target transport.Target, keys []string) error {
	previous, err := e.readManifest(ctx, target)
	if err != nil {
		// Old shards left behind expire with their TTL.
		e.logger.Warn("previous manifest unreadable", "address", target.Address, "error", err)
		previous = nil
	}

	shards, skipped := PackShards(withoutReserved(keys), e.cfg.ShardCeiling)
	for _, k := range skipped {
		e.logger.Warn("key too large for an index shard, skipped", "address", target.Address, "key", k)
	}

	ttl := e.ttlSeconds()
	names := make([]string, 0, len(shards))
	for i, shard := range shards {
		name := ShardKey(i + 1)
		value, err := json.Marshal(shard)
		if err != nil {
			return domain.ErrInternal.WithCause(err)
		}
		if err := e.cache.Set(ctx, target, name, value, ttl); err != nil {
			return fmt.Errorf("write shard %s: %w", name, err)
		}
		names = append(names, name)
	}

	manifest, err := json.Marshal(names)
	if err != nil {
		return domain.ErrInternal.WithCause(err)
	}
	if err := e.cache.Set(ctx, target, ManifestKey, manifest, ttl); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	current := make(map[string]struct{}, len(names))
	for _, n := range names {
		current[n] = struct{}{}
	}
	var firstErr error
	for _, n := range previous {
		if _, ok := current[n]; ok {
			continue
		}
		if _, err := e.cache.Delete(ctx, target, n); err != nil {
			e.logger.Warn("delete stale shard failed", "address", target.Address, "shard", n, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("delete stale shard %s: %w", n, err)
			}
		}
	}
	return firstErr
}

func withoutReserved(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !IsReserved(k) {
			out = append(out, k)
		}
	}
	return out
}
