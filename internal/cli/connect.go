package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rankwell/rankwell/internal/auth/broker"
	"github.com/rankwell/rankwell/internal/auth/session"
	"github.com/rankwell/rankwell/internal/config"
	"github.com/rankwell/rankwell/internal/prompt"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect a Google account (Analytics, Search Console, Ads)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext(cmd.Context())

		if err := ensureClientID(); err != nil {
			return err
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}

		if err := a.session.Reconcile(ctx, nil); err != nil {
			return err
		}
		if snap := a.session.State(); snap.Connected {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				printSnapshot(snap)
				outln()
				outln("Already connected. Re-run with --force to re-authorize.")
				return nil
			}
		}

		b, err := broker.Listen(broker.Options{
			PreferredPort: a.cfg.Auth.CallbackPort,
			FlowTimeout:   a.cfg.FlowTimeoutDuration(),
		})
		if err != nil {
			return err
		}
		defer b.Close()

		if !quiet {
			outln("Opening your browser to authorize access...")
			outln("Waiting for authorization at " + b.RedirectURI())
		}

		if err := a.session.Login(ctx, b); err != nil {
			return describeLoginError(err)
		}

		if !quiet {
			outln("✓ Google account connected")
		}
		printSnapshot(a.session.State())
		return nil
	},
}

func init() {
	connectCmd.Flags().Bool("force", false, "Re-authorize even when already connected")
}

// ensureClientID collects the Google OAuth client ID interactively when
// the configuration does not carry one yet.
func ensureClientID() error {
	cfg, _ := config.Load()
	if cfg.Google.ClientID != "" {
		return nil
	}

	if quiet || jsonOutput {
		return session.ErrClientIDMissing
	}

	outln("No Google OAuth client ID configured.")
	outln("Create a Desktop-type OAuth client in the Google Cloud console and paste its ID.")

	clientID, err := prompt.Default.Input(prompt.InputConfig{
		Title:       "Google OAuth client ID",
		Placeholder: "1234567890-abc.apps.googleusercontent.com",
		Validate:    prompt.ValidateGoogleClientID,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrClientIDMissing, err)
	}

	cfg.Google.ClientID = clientID
	path, err := config.Save(cfg)
	if err != nil {
		return err
	}
	if !quiet {
		out("✓ Client ID saved to %s\n", path)
	}
	return nil
}

// describeLoginError maps the session error taxonomy onto actionable CLI
// messages.
func describeLoginError(err error) error {
	switch {
	case errors.Is(err, broker.ErrBrowserBlocked):
		return fmt.Errorf("could not open a browser: %w\nOpen the printed URL manually or run on a machine with a desktop session", err)
	case errors.Is(err, session.ErrConsentDeclined):
		return errors.New("authorization was declined; no changes were made")
	case errors.Is(err, broker.ErrFlowAbandoned):
		return errors.New("authorization timed out; run connect again when ready")
	case errors.Is(err, session.ErrStaleVerifier):
		return errors.New("authorization session expired; run connect again")
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("connect failed: %w", err)
	}
}
