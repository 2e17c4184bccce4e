// Command agentbridge supervises AI coding agents behind an agentapi
// server and bridges their event stream to MCP clients.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hollis-dev/agentbridge/internal/config"
	"github.com/hollis-dev/agentbridge/internal/logging"
)

// Version is set at build time.
var Version = "dev"

var (
	cfg      *config.Config
	cfgPath  string
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentbridge",
	Short: "Supervise AI coding agents and bridge their event streams",
	Long: `agentbridge - process supervisor and event bridge for AI coding agents.

It manages agent subprocesses (claude, goose, aider, codex, custom)
behind an agentapi server, keeps their SSE event stream alive across
disconnects, and re-exports lifecycle operations and events over MCP.

Examples:
  agentbridge serve                 # MCP server over stdio
  agentbridge detect                # probe installed agents
  agentbridge start claude          # start an agent
  agentbridge switch goose          # swap the active agent
  agentbridge status claude         # one agent's snapshot`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgPath != "" {
			cfg, err = config.LoadFrom(cfgPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := cfg.Logging.Level
		if logLevel != "" {
			level = logLevel
		}
		if err := logging.Init(logging.Config{
			Level:     level,
			SentryDSN: cfg.Logging.SentryDSN,
			Env:       env(),
			Version:   Version,
			LogFile:   cfg.Logging.File,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Flush(2 * time.Second)
	},
}

func env() string {
	if e := os.Getenv("AGENTBRIDGE_ENV"); e != "" {
		return e
	}
	return cfg.Logging.Env
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.config/agentbridge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}
