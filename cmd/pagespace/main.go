// Package main is the pagespace CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "pagespace",
		Short: "AI chat service for page-centric workspaces",
		Long: `pagespace serves streaming AI conversations attached to workspace pages.

It resolves a model provider per request, enforces per-user quotas and rate
limits, executes page tools under per-page permissions, and bridges remote
agent tools over websockets.`,
		SilenceUsage: true,
	}

	root.AddCommand(buildServeCmd(), buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pagespace version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
