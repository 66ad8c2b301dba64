package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rankwell/rankwell/internal/auth/session"
	"github.com/rankwell/rankwell/internal/logging"
	"github.com/rankwell/rankwell/internal/platform"
)

// LoginHandler begins the redirect-based flow: it stores a fresh PKCE
// verifier and state, then sends the browser to the Google consent page.
func LoginHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authURL, _, err := s.BeginLogin(callbackURL(r))
		if errors.Is(err, session.ErrClientIDMissing) {
			writeError(w, http.StatusConflict, "configuration_error", "Google client ID is not configured")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
	}
}

// CallbackHandler finishes the redirect-based flow. On success it answers
// with a plain redirect to / so a reload of the callback URL cannot replay
// the exchange.
func CallbackHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		logger := logging.FromContext(r.Context())

		if errCode := q.Get("error"); errCode != "" {
			logger.Warn("authorization declined", "error", errCode)
			writeError(w, http.StatusBadRequest, "consent_error", "Authorization was declined: "+errCode)
			return
		}

		code := q.Get("code")
		if code == "" {
			http.NotFound(w, r)
			return
		}

		err := s.CompleteLogin(r.Context(), code, q.Get("state"))
		switch {
		case errors.Is(err, session.ErrStaleVerifier):
			writeError(w, http.StatusBadRequest, "stale_session", "Authorization session expired, start a new login")
			return
		case errors.Is(err, session.ErrExchangeFailed):
			writeError(w, http.StatusBadGateway, "exchange_error", err.Error())
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		http.Redirect(w, r, "/", http.StatusFound)
	}
}

// ConnectionHandler returns the session snapshot dashboard widgets poll.
func ConnectionHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.State())
	}
}

// RefreshHandler triggers a manual token refresh.
func RefreshHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := s.Refresh(r.Context())
		switch {
		case errors.Is(err, session.ErrNotConnected):
			writeError(w, http.StatusConflict, "not_connected", "No google connection to refresh")
			return
		case errors.Is(err, session.ErrRefreshFailed):
			writeError(w, http.StatusUnauthorized, "authentication_error", "Refresh failed, interactive login required")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"message": "Token refreshed",
		})
	}
}

// DisconnectHandler clears both credential tiers. A failed durable delete
// is reported as a warning while the local state is cleared regardless.
func DisconnectHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Disconnect(r.Context()); err != nil {
			writeJSON(w, http.StatusOK, map[string]string{
				"status":  "ok",
				"warning": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// EventsHandler streams connection-change events over SSE. Every stream
// starts with the current snapshot so late subscribers render immediately.
func EventsHandler(s *session.Session, bus *platform.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
			return
		}
		SetSSEHeaders(w)

		events, cancel := bus.Subscribe()
		defer cancel()

		writeSSE(w, "snapshot", s.State())
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e, open := <-events:
				if !open {
					return
				}
				writeSSE(w, e.Kind, s.State())
				flusher.Flush()
			}
		}
	}
}

// SetSSEHeaders sets standard headers for Server-Sent Events streaming.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// RootHandler serves a minimal status page for humans hitting the agent
// directly.
func RootHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := s.State()
		status := "Not connected"
		detail := `<a href="/auth/google/login">Connect Google</a>`
		if snap.Connected {
			status = "Connected"
			detail = "Scope: " + snap.Scope
			if snap.Profile != nil {
				status = "Connected as " + snap.Profile.Email
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>Rankwell Connect Agent</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 80px auto; padding: 20px; color: #1f2937; }
		h1 { font-size: 22px; }
		p { color: #6b7280; }
	</style>
</head>
<body>
	<h1>Rankwell Connect Agent</h1>
	<p>%s</p>
	<p>%s</p>
</body>
</html>`, status, detail)
	}
}

// callbackURL rebuilds the redirect URI from the incoming request so the
// flow works regardless of which host/port the agent is reached on.
func callbackURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/auth/google/callback", scheme, r.Host)
}
