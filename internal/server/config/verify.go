package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/telemetry/logger"
)

// Verify validates the configuration.
func Verify(cfg *ServerConfig) error {
	return errors.Join(
		verifyServer(&cfg.Server),
		verifyMemcache(&cfg.Memcache),
		verifyIndex(&cfg.Index),
		verifyLog(&cfg.Log),
	)
}

func verifyServer(cfg *ServerSection) error {
	if cfg.HTTP.Addr == "" {
		return errors.New("server.http.addr is required")
	}
	if _, _, err := net.SplitHostPort(cfg.HTTP.Addr); err != nil {
		return fmt.Errorf("server.http.addr: %w", err)
	}
	if cfg.HTTP.RateLimit < 0 {
		return errors.New("server.http.rate_limit must not be negative")
	}
	return nil
}

func verifyMemcache(cfg *MemcacheSection) error {
	var errs []error
	if cfg.DefaultTimeout < time.Second || cfg.DefaultTimeout > domain.MaxTimeoutSeconds*time.Second {
		errs = append(errs, fmt.Errorf("memcache.default_timeout must be between 1s and %ds", domain.MaxTimeoutSeconds))
	}
	if cfg.ConnectCeiling <= 0 {
		errs = append(errs, errors.New("memcache.connect_ceiling must be positive"))
	}
	if cfg.MaxValueSize < 1024 {
		errs = append(errs, errors.New("memcache.max_value_size must be at least 1024"))
	}
	if cfg.DumpLimit < 0 {
		errs = append(errs, errors.New("memcache.dump_limit must not be negative"))
	}
	if cfg.DumpConcurrency < 1 || cfg.FetchConcurrency < 1 {
		errs = append(errs, errors.New("memcache.dump_concurrency and memcache.fetch_concurrency must be at least 1"))
	}
	if cfg.MaxRequestsPerSecond < 0 {
		errs = append(errs, errors.New("memcache.max_requests_per_second must not be negative"))
	}
	return errors.Join(errs...)
}

func verifyIndex(cfg *IndexSection) error {
	var errs []error
	if cfg.TTL < time.Second {
		errs = append(errs, errors.New("index.ttl must be at least 1s"))
	}
	if cfg.Workers < 1 {
		errs = append(errs, errors.New("index.workers must be at least 1"))
	}
	if cfg.QueueSize < 1 {
		errs = append(errs, errors.New("index.queue_size must be at least 1"))
	}
	if cfg.TaskTimeout <= 0 {
		errs = append(errs, errors.New("index.task_timeout must be positive"))
	}
	return errors.Join(errs...)
}

func verifyLog(cfg *LogSection) error {
	if !logger.ValidLevel(cfg.Level) {
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Level)
	}
	if !logger.ValidFormat(cfg.Format) {
		return fmt.Errorf("log.format %q is not one of json, text", cfg.Format)
	}
	return nil
}
