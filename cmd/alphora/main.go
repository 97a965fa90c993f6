// Package main provides the CLI entry point for the Alphora agent runtime.
//
// Alphora serves an OpenAI-compatible chat-completion API backed by a
// tool-calling agent loop, with session memory, skill packs and an optional
// remote code sandbox.
//
// # Basic Usage
//
// Start the server:
//
//	alphora serve --config alphora.yaml
//
// Print the configuration file schema:
//
//	alphora config schema
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "alphora",
		Short: "Alphora - LLM agent runtime",
		Long: `Alphora serves an OpenAI-compatible chat-completion API backed by a
tool-calling agent loop with session memory, skill packs and an optional
remote code sandbox.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
