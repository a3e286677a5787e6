// commands.go contains the cobra command definitions. Each builder
// wires flags to its handler.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the platform
// server. This is the primary command for running CascadeFn.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the CascadeFn server",
		Long: `Start the CascadeFn server.

The server loads configuration, opens the function store, initializes
the LLM providers and tier executors, and serves the HTTP API.
Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  cascadefn serve

  # Start with a custom config and debug logging
  cascadefn serve --config /etc/cascadefn/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "cascadefn.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	return cmd
}

// buildDeployCmd creates the "deploy" command that posts a function
// definition file to a running server.
func buildDeployCmd() *cobra.Command {
	var (
		server  string
		apiKey  string
		version string
	)

	cmd := &cobra.Command{
		Use:   "deploy [file.json]",
		Short: "Deploy a function from a definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read definition: %w", err)
			}
			var def map[string]any
			if err := json.Unmarshal(raw, &def); err != nil {
				return fmt.Errorf("definition is not valid JSON: %w", err)
			}
			if version != "" {
				def["version"] = version
			}

			client := newAPIClient(server, apiKey)
			result, err := client.deploy(cmd.Context(), def)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deployed %s (version %s)\n",
				result["id"], result["activeVersion"])
			return nil
		},
	}

	addClientFlags(cmd, &server, &apiKey)
	cmd.Flags().StringVar(&version, "version", "", "Override the version in the definition file")
	return cmd
}

// buildInvokeCmd creates the "invoke" command.
func buildInvokeCmd() *cobra.Command {
	var (
		server      string
		apiKey      string
		payload     string
		payloadFile string
		cascade     bool
	)

	cmd := &cobra.Command{
		Use:   "invoke [function-id]",
		Short: "Invoke a deployed function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(payload)
			if payloadFile != "" {
				raw, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				body = raw
			}
			if len(body) == 0 {
				body = []byte(`{}`)
			}

			client := newAPIClient(server, apiKey)
			result, err := client.invoke(cmd.Context(), args[0], body, cascade)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	addClientFlags(cmd, &server, &apiKey)
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Inline JSON payload")
	cmd.Flags().StringVarP(&payloadFile, "file", "f", "", "Read the payload from a file")
	cmd.Flags().BoolVar(&cascade, "cascade", false, "Invoke through the cascade endpoint")
	return cmd
}

// buildRollbackCmd creates the "rollback" command.
func buildRollbackCmd() *cobra.Command {
	var (
		server string
		apiKey string
	)

	cmd := &cobra.Command{
		Use:   "rollback [function-id] [version]",
		Short: "Roll a function back to a previous version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, apiKey)
			result, err := client.rollback(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %s to version %s\n",
				result["id"], result["activeVersion"])
			return nil
		},
	}

	addClientFlags(cmd, &server, &apiKey)
	return cmd
}

// buildLogsCmd creates the "logs" command.
func buildLogsCmd() *cobra.Command {
	var (
		server string
		apiKey string
		limit  int
		since  string
	)

	cmd := &cobra.Command{
		Use:   "logs [function-id]",
		Short: "Show recent logs for a function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, apiKey)
			entries, err := client.logs(cmd.Context(), args[0], limit, since)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No log entries.")
				return nil
			}
			for _, entry := range entries {
				fmt.Fprintf(out, "%s [%s] %s\n",
					entry["timestamp"], entry["level"], entry["message"])
			}
			return nil
		},
	}

	addClientFlags(cmd, &server, &apiKey)
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries")
	cmd.Flags().StringVar(&since, "since", "", "Only entries after this RFC3339 timestamp")
	return cmd
}

// buildStatusCmd creates the "status" command.
func buildStatusCmd() *cobra.Command {
	var (
		server string
		apiKey string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, apiKey)
			status, err := client.status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status:  %v\n", status["status"])
			fmt.Fprintf(out, "Version: %v\n", status["version"])
			if uptime, ok := status["uptimeSeconds"].(float64); ok {
				fmt.Fprintf(out, "Uptime:  %ss\n", strconv.FormatInt(int64(uptime), 10))
			}
			return nil
		},
	}

	addClientFlags(cmd, &server, &apiKey)
	return cmd
}

func addClientFlags(cmd *cobra.Command, server, apiKey *string) {
	cmd.Flags().StringVarP(server, "server", "s", "http://localhost:8080",
		"Server base URL")
	cmd.Flags().StringVarP(apiKey, "api-key", "k", os.Getenv("CASCADEFN_API_KEY"),
		"API key (or set CASCADEFN_API_KEY)")
}
