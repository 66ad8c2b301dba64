package cli

import (
	"github.com/spf13/cobra"

	"github.com/rankwell/rankwell/internal/prompt"
)

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Remove the Google connection from this device and the platform",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext(cmd.Context())

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		if err := a.session.Reconcile(ctx, nil); err != nil {
			return err
		}

		yes, _ := cmd.Flags().GetBool("yes")
		if a.session.State().Connected && !yes && !quiet {
			confirmed, err := prompt.Default.Confirm(prompt.ConfirmConfig{
				Title:       "Disconnect Google?",
				Description: "Stored tokens are removed from this device and the platform.",
			})
			if err != nil {
				return err
			}
			if !confirmed {
				return nil
			}
		}

		if err := a.session.Disconnect(ctx); err != nil {
			// Local state is already cleared; the durable row may linger.
			logger.Warn("disconnect left a durable record behind", "err", err)
		}

		if !quiet {
			outln("✓ Google connection removed")
		}
		return nil
	},
}

func init() {
	disconnectCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
}
