// Package api exposes the event gateway, health, metrics and the query
// management API over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"threadsage/internal/config"
	"threadsage/internal/domain"
	"threadsage/internal/query"
	"threadsage/internal/store"
)

// Querier is the query orchestrator as seen by the API.
type Querier interface {
	ProcessQuery(ctx context.Context, qc *domain.QueryContext, opts domain.QueryOptions) (*domain.QueryResult, error)
	StreamQuery(ctx context.Context, qc *domain.QueryContext, opts domain.QueryOptions) (<-chan domain.StreamChunk, error)
	AvailableProviders() []query.ProviderInfo
	ProviderModels(ctx context.Context, name string) ([]string, error)
	SetProvider(name string) error
	CurrentProvider() string
	ClearMemory()
	InFlight() int
}

// UsageReader reads the usage ledger.
type UsageReader interface {
	Summary(ctx context.Context, since time.Time) ([]store.UsageSummary, error)
	Recent(ctx context.Context, limit int) ([]store.UsageRecord, error)
}

// Config wires the router's collaborators. Nil Events, Health or Metrics
// handlers leave the route unregistered; a nil Usage reader makes
// GET /api/v1/usage answer 404.
type Config struct {
	Events  http.Handler
	Health  http.HandlerFunc
	Metrics http.Handler
	// MetricsPath defaults to /metrics.
	MetricsPath string
	Queries     Querier
	Usage       UsageReader
	Settings    *config.Config
	Logger      *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Settings == nil {
		cfg.Settings = config.Defaults()
	}
	h := &handlers{
		queries:  cfg.Queries,
		usage:    cfg.Usage,
		settings: cfg.Settings,
		logger:   cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(cfg.Logger))
	r.Use(tracing)

	if cfg.Events != nil {
		r.Method(http.MethodPost, "/events", cfg.Events)
	}
	if cfg.Health != nil {
		r.Get("/health", cfg.Health)
	}
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, cfg.Metrics)
	}

	origins := cfg.Settings.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	h.origins = origins

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
		r.Use(requireAPIKey(cfg.Settings.Server.APIKey))

		r.Post("/query", h.query)
		r.Post("/query/stream", h.queryStream)
		r.Get("/query/ws", h.queryWebSocket)

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", h.listProviders)
			r.Put("/current", h.setProvider)
			r.Get("/{name}/models", h.providerModels)
		})

		r.Delete("/memory", h.clearMemory)
		r.Get("/usage", h.usageReport)
		r.Get("/config", h.showConfig)
	})

	return r
}
