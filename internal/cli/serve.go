package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/rankwell/rankwell/internal/api"
	"github.com/rankwell/rankwell/internal/db"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local dashboard API and redirect-based auth flow",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext(cmd.Context())

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		if err := a.session.Reconcile(ctx, nil); err != nil {
			return err
		}

		if regen, _ := cmd.Flags().GetBool("regenerate-key"); regen {
			key := db.RegenerateAPIKey(a.database)
			out("API key: %s\n", key)
		}

		router := api.NewRouter(api.Deps{
			Session:  a.session,
			Bus:      a.bus,
			Database: a.database,
			Logger:   logger,
		})

		addr := a.cfg.ServerAddr()
		srv := &http.Server{Addr: addr, Handler: router}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()

		if !quiet {
			out("Rankwell agent listening on http://%s\n", addr)
			out("  Dashboard API: http://%s/api/connection\n", addr)
			out("  Auth flow:     http://%s/auth/google/login\n", addr)
		}

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	},
}

func init() {
	serveCmd.Flags().Bool("regenerate-key", false, "Rotate the agent API key before starting")
}
