// Package main is the CLI entry point for the oasisd conversational
// agent platform: the Agent runtime, the OASIS forum deliberation
// engine, and the cron trigger scheduler, served from one binary.
//
// # Basic Usage
//
// Start all three HTTP surfaces:
//
//	oasisd serve --config oasis.yaml
//
// Create a user:
//
//	oasisd user add alice
//
// # Environment Variables
//
//   - OASIS_CONFIG: Path to the configuration file (default: oasis.yaml)
//   - OASIS_MODEL_PROVIDER / OASIS_MODEL_API_KEY / OASIS_MODEL: Model
//     Gateway vendor selection
//   - OASIS_AGENT_ADDR / OASIS_FORUM_ADDR / OASIS_SCHEDULER_ADDR:
//     listen addresses
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "oasisd",
		Short: "Multi-user tool-augmented conversational agent platform",
		Long: "oasisd hosts a conversational agent runtime with tool use and\n" +
			"persistent sessions, the OASIS multi-expert forum deliberation\n" +
			"engine, and a cron scheduler firing prompts into agent sessions.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to configuration file")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildUserCmd(),
		buildTasksCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("OASIS_CONFIG")); v != "" {
		return v
	}
	return "oasis.yaml"
}
