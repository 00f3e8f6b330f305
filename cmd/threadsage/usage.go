package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"threadsage/internal/store"
)

func usageCmd() *cobra.Command {
	var (
		since  time.Duration
		recent int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage and cost from the usage ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Usage.Enabled {
				return errors.New("usage recording is disabled (usage.enabled=false)")
			}
			ledger, err := store.NewLedger(cfg.Usage.DBPath, logger)
			if err != nil {
				return err
			}
			defer ledger.Close()

			ctx := context.Background()
			from := time.Now().Add(-since)
			summary, err := ledger.Summary(ctx, from)
			if err != nil {
				return err
			}
			var records []store.UsageRecord
			if recent > 0 {
				if records, err = ledger.Recent(ctx, recent); err != nil {
					return err
				}
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"since": from.UTC(), "summary": summary, "recent": records})
			}
			printSummary(from, summary)
			if len(records) > 0 {
				printRecent(records)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "summarize queries newer than this")
	cmd.Flags().IntVar(&recent, "recent", 10, "also list the N most recent queries (0 to skip)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printSummary(from time.Time, summary []store.UsageSummary) {
	bold := color.New(color.Bold)
	bold.Printf("Usage since %s\n\n", from.Local().Format("2006-01-02 15:04"))
	if len(summary) == 0 {
		fmt.Println("  no queries recorded")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tMODEL\tQUERIES\tFAILED\tTOKENS\tTOOLS\tAVG\tCOST")
	var (
		queries int
		tokens  int64
		cost    float64
	)
	for _, s := range summary {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t$%.4f\n",
			s.Provider, s.Model, s.Queries, s.Failures, s.TotalTokens, s.ToolCalls,
			s.AvgDuration.Round(time.Millisecond), s.CostUSD)
		queries += s.Queries
		tokens += s.TotalTokens
		cost += s.CostUSD
	}
	fmt.Fprintf(tw, "TOTAL\t\t%d\t\t%d\t\t\t$%.4f\n", queries, tokens, cost)
	tw.Flush()
}

func printRecent(records []store.UsageRecord) {
	fmt.Println()
	color.New(color.Bold).Println("Recent queries")
	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPROVIDER\tMODEL\tSTATUS\tTOKENS\tDURATION")
	for _, r := range records {
		status := r.Status
		switch r.Status {
		case store.StatusOK:
			status = color.GreenString(status)
		case store.StatusTimeout:
			status = color.YellowString(status)
		default:
			status = color.RedString(status)
		}
		tokens := fmt.Sprint(r.TotalTokens)
		if r.Estimated {
			tokens += "~"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Local().Format("01-02 15:04:05"), r.Provider, r.Model, status, tokens,
			r.Duration.Round(time.Millisecond))
	}
	tw.Flush()
}
