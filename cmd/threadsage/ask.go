package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"threadsage/internal/domain"
)

func askCmd() *cobra.Command {
	var (
		channels  []string
		provider  string
		model     string
		sessionID string
		stream    bool
		trace     bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a one-off question from the terminal",
		Long: `Runs one query through the same pipeline the Slack bot uses. With
--channel the listed channels (IDs or names) are put in scope and the
workspace tools can read them; this needs slack.botToken.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			qc := &domain.QueryContext{Query: strings.Join(args, " ")}
			if len(channels) > 0 {
				if a.slack == nil {
					return fmt.Errorf("--channel needs slack.botToken")
				}
				for _, ref := range channels {
					info, err := a.slack.ResolveChannel(ctx, strings.TrimPrefix(ref, "#"))
					if err != nil {
						return fmt.Errorf("channel %s: %w", ref, err)
					}
					qc.TargetChannelIDs = append(qc.TargetChannelIDs, info.ID)
					qc.Channels = append(qc.Channels, *info)
				}
			}
			opts := domain.QueryOptions{Provider: provider, Model: model, SessionID: sessionID}
			gray := color.New(color.FgHiBlack)

			if stream {
				chunks, err := a.queries.StreamQuery(ctx, qc, opts)
				if err != nil {
					return err
				}
				for c := range chunks {
					switch {
					case c.Err != nil:
						fmt.Println()
						return c.Err
					case c.Done:
						fmt.Println()
						if c.Usage != nil {
							gray.Println(usageLine(*c.Usage))
						}
					default:
						fmt.Print(c.Content)
					}
				}
				return nil
			}

			res, err := a.queries.ProcessQuery(ctx, qc, opts)
			if err != nil {
				return err
			}
			fmt.Println(res.Response)
			fmt.Println()
			gray.Printf("%s:%s  %s  tools=%d  %s\n", res.Provider, res.Model, usageLine(res.Usage), res.ToolCallCount, res.Duration.Round(time.Millisecond))
			if trace {
				for _, e := range res.Trace {
					gray.Printf("  %s %-14s %s\n", e.At.Format("15:04:05.000"), e.Step, e.Detail)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "channel ID or name to put in scope (repeatable)")
	cmd.Flags().StringVar(&provider, "provider", "", "provider to use (default: general.defaultProvider)")
	cmd.Flags().StringVar(&model, "model", "", "model to use (default: the provider's default)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID for conversation memory")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the answer (single pass, no workspace tools)")
	cmd.Flags().BoolVar(&trace, "trace", false, "print the execution trace")
	return cmd
}

func usageLine(u domain.QueryUsage) string {
	s := fmt.Sprintf("tokens=%d (in %d, out %d)  cost=$%.4f", u.TotalTokens, u.PromptTokens, u.CompletionTokens, u.CostUSD)
	if u.Estimated {
		s += " (estimated)"
	}
	return s
}
