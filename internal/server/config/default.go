package config

import (
	"time"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/keyindex"
	"github.com/yndnr/memscope-go/internal/transport"
	"github.com/yndnr/memscope-go/internal/tunnel"
)

// Default configuration values.
const (
	DefaultHTTPAddr        = "127.0.0.1:5080"
	DefaultRateLimit       = 100
	DefaultShutdownTimeout = 15 * time.Second

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			HTTP: HTTPConfig{
				Addr:            DefaultHTTPAddr,
				RateLimit:       DefaultRateLimit,
				ShutdownTimeout: DefaultShutdownTimeout,
			},
		},
		Memcache: MemcacheSection{
			DefaultTimeout:   domain.DefaultTimeoutSeconds * time.Second,
			ConnectCeiling:   transport.DefaultConnectCeiling,
			MaxValueSize:     keyindex.DefaultShardCeiling,
			DumpLimit:        keyindex.DefaultDumpLimit,
			DumpConcurrency:  keyindex.DefaultDumpConcurrency,
			FetchConcurrency: keyindex.DefaultFetchConcurrency,
		},
		Index: IndexSection{
			TTL:         keyindex.DefaultIndexTTL,
			Workers:     keyindex.DefaultWorkers,
			QueueSize:   keyindex.DefaultQueueSize,
			TaskTimeout: keyindex.DefaultTaskTimeout,
		},
		Tunnel: TunnelSection{
			DialTimeout: tunnel.DefaultDialTimeout,
			KeepAlive:   tunnel.DefaultKeepAlive,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Metrics: MetricsSection{
			Enabled: true,
		},
	}
}
