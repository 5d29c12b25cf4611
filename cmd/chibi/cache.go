package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finitoshi/chibi/pkg/config"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			c, closeCache, err := openCache(ctx, cfg.Cache, cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = closeCache() }()

			stats, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Entries: %d\nHits:    %d\nMisses:  %d\n", stats.Entries, stats.Hits, stats.Misses)
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			c, closeCache, err := openCache(ctx, cfg.Cache, cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = closeCache() }()

			if err := c.Clear(ctx, expiredOnly); err != nil {
				return err
			}
			if expiredOnly {
				fmt.Println("Expired cache entries cleared.")
			} else {
				fmt.Println("All cache entries cleared.")
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
