package keyindex

import (
	"context"
	"log/slog"
	"time"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/telemetry/metric"
	"github.com/yndnr/memscope-go/internal/transport"
)

// Defaults.
const (
	DefaultShardCeiling     = 1 << 20
	DefaultIndexTTL         = 24 * time.Hour
	DefaultDumpLimit        = 1000
	DefaultDumpConcurrency  = 4
	DefaultFetchConcurrency = 8
	DefaultWorkers          = 4
	DefaultQueueSize        = 64
	DefaultTaskTimeout      = 30 * time.Second
)

// Cache is the part of the transport the engine drives.
type Cache interface {
	Stats(ctx context.Context, target transport.Target, arg string) (map[string]string, error)
	Dump(ctx context.Context, target transport.Target, slabID, limit int) ([]domain.Item, error)
	Get(ctx context.Context, target transport.Target, key string) (domain.Item, bool, error)
	Set(ctx context.Context, target transport.Target, key string, value []byte, ttl uint32) error
	Delete(ctx context.Context, target transport.Target, key string) (bool, error)
}

// Config configures an Engine.
type Config struct {
	// ShardCeiling is the largest value the server accepts, in bytes.
	ShardCeiling int
	// IndexTTL is the expiration written on every index item.
	IndexTTL time.Duration

	DumpLimit        int
	DumpConcurrency  int
	FetchConcurrency int

	Workers     int
	QueueSize   int
	TaskTimeout time.Duration

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metric.Registry
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ShardCeiling:     DefaultShardCeiling,
		IndexTTL:         DefaultIndexTTL,
		DumpLimit:        DefaultDumpLimit,
		DumpConcurrency:  DefaultDumpConcurrency,
		FetchConcurrency: DefaultFetchConcurrency,
		Workers:          DefaultWorkers,
		QueueSize:        DefaultQueueSize,
		TaskTimeout:      DefaultTaskTimeout,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ShardCeiling <= 0 {
		c.ShardCeiling = d.ShardCeiling
	}
	if c.IndexTTL <= 0 {
		c.IndexTTL = d.IndexTTL
	}
	if c.DumpLimit <= 0 || c.DumpLimit > DefaultDumpLimit {
		c.DumpLimit = d.DumpLimit
	}
	if c.DumpConcurrency <= 0 {
		c.DumpConcurrency = d.DumpConcurrency
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = d.FetchConcurrency
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metric.Global()
	}
}

// Engine lists keys and maintains the in-cache index.
type Engine struct {
	cache   Cache
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Registry

	reindexer *Reindexer
}

// New creates an engine and starts its reindex workers. Call Close to stop
// them.
func New(cache Cache, cfg Config) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cache:   cache,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "keyindex"),
		metrics: cfg.Metrics,
	}
	e.reindexer = newReindexer(e, cfg.Workers, cfg.QueueSize, cfg.TaskTimeout)
	return e
}

// Shutdown stops accepting index tasks and waits for queued and in-flight
// writes to finish. When ctx ends first, the remaining writes are cancelled
// and ctx.Err is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.reindexer.shutdown(ctx)
}

// Close stops the reindex workers, cancelling queued and in-flight writes.
func (e *Engine) Close() {
	e.reindexer.close()
}
