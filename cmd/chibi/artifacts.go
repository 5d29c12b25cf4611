package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/finitoshi/chibi/pkg/config"
	"github.com/finitoshi/chibi/pkg/models"
)

func newArtifactsCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Inspect stored image artifacts",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			store, err := openArtifacts(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			list, err := store.List(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Print(formatArtifacts(list))
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "max artifacts to list")

	cmd.AddCommand(listCmd)
	return cmd
}

func formatArtifacts(list []models.Artifact) string {
	if len(list) == 0 {
		return "No artifacts found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-14s %-20s %8s  %s\n", "ID", "CHAT", "TIME", "SIZE", "PROMPT")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, a := range list {
		fmt.Fprintf(&b, "%-36s %-14s %-20s %8d  %s\n",
			a.ID, a.ChatID, a.CreatedAt.Format("2006-01-02 15:04:05"),
			len(a.Payload), truncate(a.Prompt, 40))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
