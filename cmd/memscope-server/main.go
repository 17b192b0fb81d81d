package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/yndnr/memscope-go/internal/core/service"
	"github.com/yndnr/memscope-go/internal/infra/buildinfo"
	"github.com/yndnr/memscope-go/internal/infra/shutdown"
	"github.com/yndnr/memscope-go/internal/keyindex"
	"github.com/yndnr/memscope-go/internal/registry"
	"github.com/yndnr/memscope-go/internal/server/config"
	"github.com/yndnr/memscope-go/internal/server/httpserver"
	"github.com/yndnr/memscope-go/internal/telemetry/logger"
	"github.com/yndnr/memscope-go/internal/telemetry/metric"
	"github.com/yndnr/memscope-go/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", os.Getenv("MEMSCOPE_CONFIG"), "path to configuration file")
		addr        = flag.String("addr", "", "HTTP listen address (overrides server.http.addr)")
		logLevel    = flag.String("log-level", "", "log level (overrides log.level)")
		showVersion = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("memscope-server %s\n", buildinfo.String())
		return nil
	}

	overrides := map[string]any{}
	if *addr != "" {
		overrides["server.http.addr"] = *addr
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}

	cfg, err := config.Load(*configFile, overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	slogger := log.Slog()

	slogger.Info("starting memscope-server", buildinfo.LogAttrs(), "config", *configFile)

	metrics := metric.Global()

	tcfg := transport.DefaultConfig()
	tcfg.ConnectCeiling = cfg.Memcache.ConnectCeiling
	tcfg.MaxRequestsPerSecond = cfg.Memcache.MaxRequestsPerSecond
	tcfg.Logger = slogger
	tcfg.Metrics = metrics
	tr := transport.New(tcfg)

	reg := registry.New(tr, registry.Config{
		DefaultTimeout:    cfg.Memcache.DefaultTimeout,
		TunnelDialTimeout: cfg.Tunnel.DialTimeout,
		TunnelKeepAlive:   cfg.Tunnel.KeepAlive,
		Logger:            slogger,
		Metrics:           metrics,
	})
	metrics.MustRegister(metric.NewCollector(reg))

	index := keyindex.New(tr, keyindex.Config{
		ShardCeiling:     cfg.Memcache.MaxValueSize,
		IndexTTL:         cfg.Index.TTL,
		DumpLimit:        cfg.Memcache.DumpLimit,
		DumpConcurrency:  cfg.Memcache.DumpConcurrency,
		FetchConcurrency: cfg.Memcache.FetchConcurrency,
		Workers:          cfg.Index.Workers,
		QueueSize:        cfg.Index.QueueSize,
		TaskTimeout:      cfg.Index.TaskTimeout,
		Logger:           slogger,
		Metrics:          metrics,
	})

	svc := service.NewCacheService(reg, tr, index, slogger)

	router := httpserver.NewRouter(&httpserver.RouterConfig{
		Service:        svc,
		Metrics:        metrics,
		MetricsEnabled: cfg.Metrics.Enabled,
		Logger:         slogger,
		RateLimit:      cfg.Server.HTTP.RateLimit,
		EnableAudit:    true,
	})
	httpServer := httpserver.New(cfg.Server.HTTP.Addr, router)

	sh := shutdown.NewHandler(cfg.Server.HTTP.ShutdownTimeout, slogger)

	// Hooks run in reverse: stop taking requests, then close connections,
	// then drain the index writers.
	sh.OnShutdown("keyindex", index.Shutdown)
	sh.OnShutdown("registry", func(context.Context) error {
		reg.Shutdown()
		return nil
	})
	sh.OnShutdown("http", httpServer.Shutdown)

	if *configFile != "" {
		stop, err := watchConfig(*configFile, overrides, slogger)
		if err != nil {
			slogger.Warn("config watch disabled", "error", err)
		} else {
			sh.OnShutdown("config-watcher", func(context.Context) error { return stop() })
		}
	}

	go func() {
		slogger.Info("HTTP server listening", "addr", cfg.Server.HTTP.Addr, "metrics", cfg.Metrics.Enabled)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogger.Error("HTTP server error", "error", err)
			sh.Trigger()
		}
	}()

	if err := sh.Wait(context.Background()); err != nil {
		slogger.Error("shutdown error", "error", err)
		return err
	}
	slogger.Info("server stopped")
	return nil
}
