// Package main provides the CLI entry point for the CascadeFn function
// platform.
//
// Start the server:
//
//	cascadefn serve --config cascadefn.yaml
//
// Deploy and invoke functions against a running server:
//
//	cascadefn deploy function.json
//	cascadefn invoke my-function --payload '{"name":"sam"}'
//
// Configuration can also be provided via environment variables:
//
//   - CASCADEFN_API_KEY: API key for management commands
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cascadefn",
		Short: "CascadeFn - multi-tier serverless function platform",
		Long: `CascadeFn runs serverless functions across four execution tiers:
sandboxed code, single LLM calls, agentic loops, and human tasks,
with automatic escalation between them.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildDeployCmd(),
		buildInvokeCmd(),
		buildRollbackCmd(),
		buildLogsCmd(),
		buildStatusCmd(),
	)

	return rootCmd
}
