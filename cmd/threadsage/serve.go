package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"threadsage/internal/api"
	"threadsage/internal/channel"
	"threadsage/internal/dedupe"
	"threadsage/internal/metrics"
	"threadsage/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the event gateway and the HTTP API",
		Long:  "Receives Slack events on POST /events, answers questions in thread, and serves /health, /metrics and /api/v1. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Slack.BotToken == "" {
		return errors.New("slack.botToken is required (or set SLACK_BOT_TOKEN)")
	}
	if cfg.Webhook.SignatureValidation && cfg.Slack.SigningSecret == "" {
		return errors.New("slack.signingSecret is required while webhook.signatureValidation is on (or set SLACK_SIGNING_SECRET)")
	}
	if !cfg.Webhook.SignatureValidation {
		logger.Warn("request signature validation is disabled; do not expose this instance publicly")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer withShutdownTimeout("tracer", shutdownTracing)()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if user, team, err := a.slack.AuthTest(ctx); err != nil {
		logger.Warn("slack auth test failed; posting will likely fail", "err", err)
	} else {
		logger.Info("slack connected", "bot", user, "team", team)
	}

	dedup := dedupe.New(dedupe.Config{TTL: cfg.Webhook.DuplicateTTL()})
	extractor := channel.NewExtractor(channel.ExtractorConfig{
		Workspace: a.slack,
		Threading: cfg.Webhook.Threading,
		Logger:    logger,
	})
	responder := channel.NewResponder(channel.ResponderConfig{
		Webhook:   cfg.Webhook,
		Workspace: a.slack,
		Extractor: extractor,
		Querier:   a.queries,
		Logger:    logger,
	})
	gateway := channel.NewGateway(channel.GatewayConfig{
		Webhook:       cfg.Webhook,
		SigningSecret: cfg.Slack.SigningSecret,
		Dedupe:        dedup,
		Handler:       responder.Handle,
		Logger:        logger,
	})

	routerCfg := api.Config{
		Events:   gateway,
		Health:   gateway.HealthHandler(),
		Queries:  a.queries,
		Settings: cfg,
		Logger:   logger,
	}
	if cfg.Metrics.Enabled {
		routerCfg.Metrics = metrics.Collector.Handler()
		routerCfg.MetricsPath = cfg.Metrics.Endpoint
	}
	if a.ledger != nil {
		routerCfg.Usage = a.ledger
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner(cfg.Server.Listen, a)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("threadsage started", "listen", cfg.Server.Listen, "version", version)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("http server failed", "err", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting events first, then let accepted pipelines finish.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.Warn("event pipelines still running at exit", "err", err)
	}
	a.Close()
	dedup.Close()
	logger.Info("shutdown complete")
	return serveErr
}

// withShutdownTimeout returns a func that runs stop under a fresh
// shutdownTimeout deadline and logs its failure.
func withShutdownTimeout(name string, stop func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := stop(ctx); err != nil {
			logger.Warn(name+" shutdown", "err", err)
		}
	}
}

func printBanner(listen string, a *app) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	cyan.Println("  threadsage")
	gray.Printf("  version: %s\n\n", version)

	green.Print("  ▶ ")
	fmt.Printf("Config:    %s\n", resolveConfigPath())
	green.Print("  ▶ ")
	fmt.Printf("Listen:    %s\n", listen)
	green.Print("  ▶ ")
	fmt.Print("Providers: ")
	if current := a.registry.CurrentName(); current == "" {
		yellow.Println("none validated (queries will fail)")
	} else {
		fmt.Printf("%v ", a.registry.Available())
		gray.Printf("(default %s)\n", current)
	}
	green.Print("  ▶ ")
	fmt.Print("Usage:     ")
	if a.ledger != nil {
		fmt.Println(a.cfg.Usage.DBPath)
	} else {
		gray.Println("disabled")
	}
	fmt.Println()
}
