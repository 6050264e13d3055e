package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Varulv1997/varnish-cache/internal/version"
)

func newVersionCommand(opts *Options) *cobra.Command {
	var (
		full   bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case asJSON:
				data, err := json.MarshalIndent(version.GetBuildInfo(), "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			case full:
				fmt.Println(version.FullVersion())
			default:
				fmt.Println(version.Version)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&full, "full", "f", false,
		"include build and runtime details")
	cmd.Flags().BoolVar(&asJSON, "json", false,
		"emit build information as JSON")

	return cmd
}
