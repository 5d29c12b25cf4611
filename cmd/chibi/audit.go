package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/finitoshi/chibi/pkg/audit"
	"github.com/finitoshi/chibi/pkg/config"
	"github.com/finitoshi/chibi/pkg/models"
)

func newAuditCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the decision log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(configPath),
		newAuditStatsCmd(configPath),
		newAuditCleanupCmd(configPath),
	)
	return cmd
}

func newAuditSearchCmd(configPath *string) *cobra.Command {
	var (
		chatID string
		tier   string
		status string
		since  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search logged decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.AuditQueryOpts{
				ChatID: chatID,
				Tier:   tier,
				Status: status,
				Limit:  limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			decisions, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditDecisions(decisions))
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "filter by chat ID")
	cmd.Flags().StringVar(&tier, "tier", "", "filter by tier (basic, standard, vision)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (ok, degraded, invalid, ignored)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max decisions to return")

	return cmd
}

func newAuditStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show decision counts by tier and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		},
	}
}

func newAuditCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete decisions older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d decisions.\n", deleted)
			return nil
		},
	}
}

func openAuditLogger(configPath string) (*audit.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	l, err := audit.New(cfg.Audit, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAuditDecisions(decisions []models.Decision) string {
	if len(decisions) == 0 {
		return "No decisions found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-14s %-14s %-9s %-9s %-6s %8s %-20s\n",
		"REQUEST ID", "CHAT", "ACTION", "TIER", "STATUS", "CACHED", "LATENCY", "TIME")
	b.WriteString(strings.Repeat("-", 124) + "\n")
	for _, d := range decisions {
		cached := "no"
		if d.Cached {
			cached = "yes"
		}
		fmt.Fprintf(&b, "%-36s %-14s %-14s %-9s %-9s %-6s %6dms %-20s\n",
			d.RequestID, d.ChatID, d.Action, d.Tier, d.Status, cached,
			d.LatencyMs, d.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No decision stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-12s %8s\n", "TIER", "DAY", "COUNT")
	b.WriteString(strings.Repeat("-", 32) + "\n")
	for _, s := range stats {
		tier := s.Tier
		if tier == "" {
			tier = "-"
		}
		fmt.Fprintf(&b, "%-10s %-12s %8d\n", tier, s.Day, s.Count)
	}
	return b.String()
}
