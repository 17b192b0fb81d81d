package config

import "time"

// ServerConfig is the root configuration for memscope-server.
type ServerConfig struct {
	Server   ServerSection   `koanf:"server"`
	Memcache MemcacheSection `koanf:"memcache"`
	Index    IndexSection    `koanf:"index"`
	Tunnel   TunnelSection   `koanf:"tunnel"`
	Log      LogSection      `koanf:"log"`
	Metrics  MetricsSection  `koanf:"metrics"`
}

// ServerSection configures server endpoints.
type ServerSection struct {
	HTTP HTTPConfig `koanf:"http"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr string `koanf:"addr"`
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit int `koanf:"rate_limit"`
	// ShutdownTimeout bounds the graceful drain on exit.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// MemcacheSection configures how cache servers are reached.
type MemcacheSection struct {
	// DefaultTimeout applies to connections created without a timeout.
	DefaultTimeout time.Duration `koanf:"default_timeout"`
	// ConnectCeiling caps the connect phase of every call.
	ConnectCeiling time.Duration `koanf:"connect_ceiling"`
	// MaxValueSize is the largest item the servers accept; index shards
	// are packed below it.
	MaxValueSize int `koanf:"max_value_size"`
	// DumpLimit caps the keys read from one slab.
	DumpLimit        int `koanf:"dump_limit"`
	DumpConcurrency  int `koanf:"dump_concurrency"`
	FetchConcurrency int `koanf:"fetch_concurrency"`
	// MaxRequestsPerSecond paces calls per server; 0 disables pacing.
	MaxRequestsPerSecond float64 `koanf:"max_requests_per_second"`
}

// IndexSection configures key index maintenance.
type IndexSection struct {
	TTL         time.Duration `koanf:"ttl"`
	Workers     int           `koanf:"workers"`
	QueueSize   int           `koanf:"queue_size"`
	TaskTimeout time.Duration `koanf:"task_timeout"`
}

// TunnelSection configures SSH tunnels.
type TunnelSection struct {
	DialTimeout time.Duration `koanf:"dial_timeout"`
	// KeepAlive is the keepalive interval; negative disables keepalives.
	KeepAlive time.Duration `koanf:"keepalive"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled bool `koanf:"enabled"`
}
