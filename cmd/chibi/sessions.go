package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/finitoshi/chibi/pkg/config"
	sessionsqlite "github.com/finitoshi/chibi/pkg/session/sqlite"
)

func newSessionsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "Show persisted session counts by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Session.Driver != "sqlite" {
				return fmt.Errorf("session driver %q does not persist sessions", cfg.Session.Driver)
			}
			s, err := sessionsqlite.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			counts, err := s.Count(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatSessionCounts(counts))
			return nil
		},
	}
}

func formatSessionCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "No sessions found.\n"
	}
	states := make([]string, 0, len(counts))
	for s := range counts {
		states = append(states, s)
	}
	sort.Strings(states)

	out := fmt.Sprintf("%-10s %8s\n", "STATE", "COUNT")
	for _, s := range states {
		out += fmt.Sprintf("%-10s %8d\n", s, counts[s])
	}
	return out
}
