package cli

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/rankwell/rankwell/internal/auth/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the Google connection state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext(cmd.Context())

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		if err := a.session.Reconcile(ctx, nil); err != nil {
			return err
		}

		snap := a.session.State()
		if jsonOutput {
			enc := json.NewEncoder(outWriter)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}

		printSnapshot(snap)
		return nil
	},
}

func printSnapshot(snap session.Snapshot) {
	if !snap.Connected {
		outln("Google: not connected")
		outln("Run `rankwell connect` to authorize access.")
		return
	}

	if snap.Profile != nil && snap.Profile.Email != "" {
		out("Google: connected as %s\n", snap.Profile.Email)
	} else {
		outln("Google: connected")
	}
	out("  Analytics:      %s\n", checkmark(snap.Capabilities.Analytics))
	out("  Search Console: %s\n", checkmark(snap.Capabilities.SearchConsole))
	out("  Ads:            %s\n", checkmark(snap.Capabilities.Ads))
	if !snap.ExpiresAt.IsZero() {
		out("  Token expires:  %s\n", snap.ExpiresAt.Local().Format(time.RFC1123))
	}
}

func checkmark(granted bool) string {
	if granted {
		return "✓ granted"
	}
	return "✗ not granted"
}
