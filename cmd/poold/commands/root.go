/*
Package commands implements the CLI command structure for the poold
scheduler daemon: run (the daemon itself), bench (a synthetic workload
driver), and version.
*/
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Varulv1997/varnish-cache/internal/config"
	"github.com/Varulv1997/varnish-cache/internal/version"
	"github.com/Varulv1997/varnish-cache/pkg/logger"
)

// Options holds command-line options that apply to all commands
type Options struct {
	Params  config.Params
	Verbose int
	NoColor bool
}

// NewRootCommand creates the root command for the daemon.
func NewRootCommand() *cobra.Command {
	opts := &Options{}

	rootCmd := &cobra.Command{
		Use:   "poold [command] [flags]",
		Short: "Adaptive worker-pool scheduler daemon",
		Long: `poold v` + version.Version + `
========================================

A scheduler daemon managing multiple pools of dynamically sized workers
with priority-class task queues. Pools grow under load, decay when idle,
and a watchdog aborts the process if a queue stops making progress.

All thread_pool_* parameters are read from POOLD_-prefixed environment
variables and can be reloaded at runtime with SIGHUP.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initializeCommand(cmd, opts)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().CountVarP(&opts.Verbose, "verbose", "v",
		"verbose output (can be used multiple times)")
	rootCmd.PersistentFlags().BoolVar(&opts.NoColor, "no-color", false,
		"disable colored output")

	rootCmd.AddCommand(
		newRunCommand(opts),
		newBenchCommand(opts),
		newVersionCommand(opts),
	)

	return rootCmd
}

// initializeCommand performs common initialization for all commands.
func initializeCommand(cmd *cobra.Command, opts *Options) error {
	log := logger.NewLogger(logger.Config{
		Verbosity: opts.Verbose,
	})

	log.WithFields(logger.Fields{
		"command": cmd.Name(),
	}).Debug("Initializing command")

	params, err := config.Load()
	if err != nil {
		log.WithFields(logger.Fields{
			"error": err.Error(),
		}).Error("Failed to load configuration")
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if opts.Verbose > params.Verbose {
		params.Verbose = opts.Verbose
	}
	opts.Params = params

	return nil
}
