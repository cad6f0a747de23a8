package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hydrowatch/hydrowatch/internal/app"
	"github.com/hydrowatch/hydrowatch/internal/errors"
)

func newDismissCommand(opts *rootOptions) *cobra.Command {
	var reason, actor string
	cmd := &cobra.Command{
		Use:   "dismiss <alert-id>",
		Short: "Dismiss an active alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alertID := args[0]
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				err := a.Alerting.Engine.Dismiss(cmd.Context(), alertID, reason, actor)
				stopErr := a.Alerting.Stop(cmd.Context())
				switch {
				case errors.IsCategory(err, errors.CategoryNotFound):
					return errors.Newf("alert %s does not exist", alertID).Build()
				case errors.IsCategory(err, errors.CategoryConflict):
					return errors.Newf("alert %s is no longer active", alertID).Build()
				case err != nil:
					return err
				}
				writeLine(cmd.OutOrStdout(), "dismissed alert %s", alertID)
				return stopErr
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the alert is dismissed")
	cmd.Flags().StringVar(&actor, "actor", "", "who dismisses the alert (required)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}
