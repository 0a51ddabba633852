package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systmms/securestore/cmd/securestore/commands"
	"github.com/systmms/securestore/internal/config"
	"github.com/systmms/securestore/internal/logging"
	"github.com/systmms/securestore/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile  string
		noColor     bool
		debug       bool
		global      bool
		showMetrics bool
	)

	cfg := &config.Config{}
	rt := &commands.Runtime{Config: cfg}

	rootCmd := &cobra.Command{
		Use:   "securestore",
		Short: "Encrypted local key-value stores backed by the system keyring",
		Long: `securestore keeps named, encrypted key-value stores on disk and
derives their keys through the operating system's credential store.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
			cfg.Global = global
			cfg.Metrics = showMetrics

			rt.Options.Logger = cfg.Logger
			if showMetrics {
				rt.Options.Metrics = metrics.New()
			}
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if !showMetrics {
				return nil
			}
			return rt.Options.Metrics.WriteText(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&global, "global", false, "Use global stores instead of the configured user's")
	rootCmd.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "Print Prometheus metrics to stderr after the command")

	rootCmd.AddCommand(
		commands.NewKVCommand(rt),
		commands.NewCredCommand(rt),
		commands.NewCompletionCommand(),
	)

	return rootCmd.Execute()
}
