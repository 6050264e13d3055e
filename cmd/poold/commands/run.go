package commands

import (
	"github.com/spf13/cobra"

	"github.com/Varulv1997/varnish-cache/cmd/poold/app"
)

func newRunCommand(opts *Options) *cobra.Command {
	var metricsAddr string
	var statsFile string

	cmd := &cobra.Command{
		Use:   "run [flags]",
		Short: "Run the scheduler daemon",
		Long: `Starts the worker-pool scheduler with the configured pool count and
thread limits, serves Prometheus metrics when a listen address is set,
and writes periodic stats snapshots when a stats file is set.

Runs until SIGINT or SIGTERM; SIGHUP reloads the configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := opts.Params
			if metricsAddr != "" {
				params.MetricsAddr = metricsAddr
			}
			if statsFile != "" {
				params.StatsFile = statsFile
			}

			return app.New(params).Run()
		},
	}

	cmd.Flags().StringVarP(&metricsAddr, "metrics-addr", "m", "",
		"prometheus listen address (e.g. :9131)")
	cmd.Flags().StringVarP(&statsFile, "stats-file", "s", "",
		"path for periodic stats snapshots")

	return cmd
}
