package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hydrowatch/hydrowatch/internal/app"
	"github.com/hydrowatch/hydrowatch/internal/errors"
)

func newCycleCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one evaluation cycle and print its summary as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				summary, cycleErr := a.Alerting.Scheduler.RunCycle(cmd.Context())
				// Flush transitions to their subscribers before exiting.
				stopErr := a.Alerting.Stop(cmd.Context())
				if cycleErr != nil {
					return cycleErr
				}

				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(summary); err != nil {
					return errors.Join(err, stopErr)
				}
				return errors.Join(enc.Close(), stopErr)
			})
		},
	}
}
