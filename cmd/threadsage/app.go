package main

import (
	"context"
	"fmt"
	"log/slog"

	"threadsage/internal/agent"
	"threadsage/internal/channel"
	"threadsage/internal/config"
	"threadsage/internal/domain"
	"threadsage/internal/provider"
	"threadsage/internal/query"
	"threadsage/internal/store"
)

// app holds the components shared by serve and ask.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *provider.Registry
	agents    *agent.Cache
	ledger    *store.Ledger           // nil when usage recording is off
	slack     *channel.SlackWorkspace // nil without a bot token
	queries   *query.Service
	providers []provider.ValidationResult
}

// newApp validates providers and wires the query service. Providers that
// fail validation leave the registry degraded rather than failing startup.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	pricing, err := provider.LoadPricing(cfg.General.PricingFile)
	if err != nil {
		return nil, err
	}
	registry := provider.NewRegistry(provider.RegistryConfig{
		Providers:       cfg.Providers,
		DefaultProvider: cfg.General.DefaultProvider,
		DefaultModel:    cfg.General.DefaultModel,
		Pricing:         pricing,
		Logger:          logger,
	})
	results := registry.Initialize(ctx)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		providers: results,
	}

	var ws domain.Workspace
	if cfg.Slack.BotToken != "" {
		a.slack = channel.NewSlack(channel.SlackConfig{
			BotToken: cfg.Slack.BotToken,
			APIURL:   cfg.Slack.APIURL,
			Logger:   logger,
		})
		ws = a.slack
	}

	var recorder query.Recorder
	if cfg.Usage.Enabled {
		ledger, err := store.NewLedger(cfg.Usage.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("usage ledger: %w", err)
		}
		a.ledger = ledger
		recorder = ledger
	}

	a.agents = agent.NewCache(agent.CacheConfig{Agent: cfg.Agent, Logger: logger})
	a.queries = query.NewService(query.Config{
		MaxConcurrent: cfg.General.MaxConcurrentQueries,
		Timeout:       cfg.QueryTimeout(),
		Registry:      registry,
		Agents:        a.agents,
		Workspace:     ws,
		Ledger:        recorder,
		Logger:        logger,
	})
	return a, nil
}

// Close disposes the agent cache and closes the ledger.
func (a *app) Close() {
	a.agents.Dispose()
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("closing usage ledger", "err", err)
		}
	}
}
