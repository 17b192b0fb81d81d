package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/yndnr/memscope-go/internal/core/service"
	"github.com/yndnr/memscope-go/internal/server/httpserver/handler"
	"github.com/yndnr/memscope-go/internal/telemetry/metric"
)

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	// Service serves every API route.
	Service *service.CacheService

	// Metrics records request metrics and backs /metrics. Nil uses the
	// global registry.
	Metrics *metric.Registry

	// MetricsEnabled exposes GET /metrics.
	MetricsEnabled bool

	// Logger for request logging.
	Logger *slog.Logger

	// RateLimit is the per client IP rate limit in requests per second;
	// zero disables it.
	RateLimit int

	// EnableAudit logs every completed request.
	EnableAudit bool
}

// DefaultRouterConfig returns default router configuration.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		MetricsEnabled: true,
		RateLimit:      100,
		EnableAudit:    true,
	}
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(cfg *RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "http")
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = metric.Global()
	}

	h := handler.New(cfg.Service, cfg.Logger)

	// Order: Recover -> RequestID -> RateLimit -> Audit -> Instrument -> Handler
	chain := []Middleware{Recover(log), RequestID()}
	if cfg.RateLimit > 0 {
		chain = append(chain, RateLimit(cfg.RateLimit))
	}
	if cfg.EnableAudit {
		chain = append(chain, Audit(log))
	}

	mux := http.NewServeMux()
	for _, route := range handler.Routes() {
		mws := append(chain[:len(chain):len(chain)], Instrument(metrics, route))
		mux.Handle(route, Chain(h, mws...))
	}

	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", Chain(metrics.Handler(), Recover(log), RequestID()))
	}

	return mux
}
