// Package api serves the local dashboard surface: the redirect-based
// authorization flow, the connection-state JSON endpoints, and the SSE
// stream that pushes connection changes to widgets.
package api

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"github.com/rankwell/rankwell/internal/auth/session"
	"github.com/rankwell/rankwell/internal/platform"
)

// Deps carries the collaborators the router needs. Database is optional;
// without it the /api group runs unauthenticated (first-run scenario).
type Deps struct {
	Session  *session.Session
	Bus      *platform.Bus
	Database *gorm.DB
	Logger   *log.Logger
}

// NewRouter builds the chi router for serve mode.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestLogger(deps.Logger))

	r.Get("/healthz", HealthzHandler())
	r.Get("/", RootHandler(deps.Session))

	r.Get("/auth/google/login", LoginHandler(deps.Session))
	r.Get("/auth/google/callback", CallbackHandler(deps.Session))

	r.Route("/api", func(r chi.Router) {
		r.Use(APIKeyAuth(deps.Database))
		r.Get("/connection", ConnectionHandler(deps.Session))
		r.Post("/connection/refresh", RefreshHandler(deps.Session))
		r.Delete("/connection", DisconnectHandler(deps.Session))
		r.Get("/events", EventsHandler(deps.Session, deps.Bus))
	})

	return r
}

// HealthzHandler reports liveness.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
