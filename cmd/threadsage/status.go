package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"threadsage/internal/channel"
	"threadsage/internal/config"
	"threadsage/internal/provider"
	"threadsage/internal/store"
)

// checkReport tallies diagnostic results.
type checkReport struct {
	passed, warned, failed int
}

func (r *checkReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  %s %-22s %s\n", color.GreenString("[PASS]"), check, detail)
}

func (r *checkReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  %s %-22s %s\n", color.YellowString("[WARN]"), check, detail)
}

func (r *checkReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  %s %-22s %s\n", color.RedString("[FAIL]"), check, detail)
}

func statusCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Run diagnostic checks on the configuration",
		Long: `Verifies the config file, Slack credentials, LLM providers, the usage
database and the listen address. Reports pass/warn/fail for each check.
Providers and Slack are contacted unless --offline is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("threadsage status v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r checkReport
			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s (defaults + environment)", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			checkSlack(ctx, &r, cfg, offline)
			checkProviders(ctx, &r, cfg, offline)
			checkUsageDB(&r, cfg)
			checkListen(&r, cfg.Server.Listen)

			return r.summary()
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that contact Slack or LLM providers")
	return cmd
}

func checkSlack(ctx context.Context, r *checkReport, cfg *config.Config, offline bool) {
	switch {
	case cfg.Slack.SigningSecret != "":
		r.pass("Slack signing secret", "configured")
	case cfg.Webhook.SignatureValidation:
		r.fail("Slack signing secret", "missing while webhook.signatureValidation is on")
	default:
		r.warn("Slack signing secret", "missing; signature validation is off")
	}

	if cfg.Slack.BotToken == "" {
		r.fail("Slack bot token", "missing (slack.botToken or SLACK_BOT_TOKEN)")
		return
	}
	if offline {
		r.pass("Slack bot token", "configured (not verified)")
		return
	}
	ws := channel.NewSlack(channel.SlackConfig{BotToken: cfg.Slack.BotToken, APIURL: cfg.Slack.APIURL, Logger: logger})
	user, team, err := ws.AuthTest(ctx)
	if err != nil {
		r.fail("Slack bot token", err.Error())
		return
	}
	r.pass("Slack bot token", fmt.Sprintf("%s on %s", user, team))
}

func checkProviders(ctx context.Context, r *checkReport, cfg *config.Config, offline bool) {
	enabled := 0
	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		enabled++
		if offline {
			if pc.APIKey == "" && pc.APIBase == "" {
				r.warn("Provider: "+name, "enabled but no API key or base configured")
			} else {
				r.pass("Provider: "+name, "configured (not verified)")
			}
		}
	}
	if enabled == 0 {
		r.fail("Providers", "no providers enabled")
		return
	}
	if offline {
		return
	}

	pricing, err := provider.LoadPricing(cfg.General.PricingFile)
	if err != nil {
		r.fail("Pricing file", err.Error())
		pricing = nil
	}
	registry := provider.NewRegistry(provider.RegistryConfig{
		Providers:       cfg.Providers,
		DefaultProvider: cfg.General.DefaultProvider,
		DefaultModel:    cfg.General.DefaultModel,
		Pricing:         pricing,
		Logger:          logger,
	})
	for _, res := range registry.Initialize(ctx) {
		if res.Err != nil {
			r.fail("Provider: "+res.Name, res.Err.Error())
			continue
		}
		r.pass("Provider: "+res.Name, fmt.Sprintf("%s (%s)", res.Model, res.Latency.Round(time.Millisecond)))
	}
	if current := registry.CurrentName(); current != "" && current != cfg.General.DefaultProvider {
		r.warn("Default provider", fmt.Sprintf("%s unavailable, %s would be used", cfg.General.DefaultProvider, current))
	}
}

func checkUsageDB(r *checkReport, cfg *config.Config) {
	if !cfg.Usage.Enabled {
		r.warn("Usage database", "disabled")
		return
	}
	ledger, err := store.NewLedger(cfg.Usage.DBPath, logger)
	if err != nil {
		r.fail("Usage database", err.Error())
		return
	}
	defer ledger.Close()
	if _, err := ledger.Recent(context.Background(), 1); err != nil {
		r.fail("Usage database", err.Error())
		return
	}
	r.pass("Usage database", cfg.Usage.DBPath)
}

func checkListen(r *checkReport, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.warn("Listen address", fmt.Sprintf("%s may be in use: %v", addr, err))
		return
	}
	ln.Close()
	r.pass("Listen address", addr+" available")
}

func (r *checkReport) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nFix the failed checks before running 'threadsage serve'.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nthreadsage should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed.\n")
	}
	return nil
}
