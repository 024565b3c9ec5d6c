// Package cli implements the tablegate command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tablegate/internal/pkg/config"
	"tablegate/internal/pkg/logger"
)

// Global flags
var (
	logLevel string
)

// rootCmd runs the service when called without a subcommand
var rootCmd = &cobra.Command{
	Use:   "tablegate",
	Short: "Idempotent table prediction cache",
	Long: `tablegate finds tables in HTML documents, sends each one to a prediction
endpoint at most once per scope, and writes the answers back next to the source
tables. Results are cached so reloaded documents are rehydrated without new calls.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
}

// setup loads and validates configuration, then initialises the logger.
func setup(logOutputs ...string) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logger.InitLogger(cfg.LogLevel, logOutputs...); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}
