// Package broker performs the cross-window authorization-code handoff for
// the interactive connect flow: it opens the system browser at the consent
// URL and waits on an ephemeral localhost listener for Google to redirect
// back with a code.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rankwell/rankwell/internal/logging"
)

const (
	// DefaultCallbackPort is tried first so the redirect URI stays stable
	// across runs; when taken, the broker falls back to a random high port.
	DefaultCallbackPort = 52119

	// DefaultFlowTimeout bounds the whole browser wait. Past it the flow
	// counts as abandoned.
	DefaultFlowTimeout = 5 * time.Minute

	// DefaultPollInterval paces the abandonment checks while waiting.
	DefaultPollInterval = 500 * time.Millisecond

	callbackPath = "/oauth/callback"
)

var (
	// ErrBrowserBlocked reports that the browser could not be launched at
	// all. Synchronous and non-retryable within the call.
	ErrBrowserBlocked = errors.New("failed to open browser for authorization")

	// ErrFlowAbandoned reports that the user never completed the consent
	// screen before the timeout or abandonment probe fired.
	ErrFlowAbandoned = errors.New("authorization flow abandoned")
)

// AuthError is the terminal failure Google reports through the redirect,
// e.g. access_denied when the user declines consent.
type AuthError struct {
	Code        string
	Description string
}

func (e *AuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization failed: %s (%s)", e.Code, e.Description)
	}
	return "authorization failed: " + e.Code
}

// Grant is the successful outcome of one authorization flow.
type Grant struct {
	Code  string
	State string
}

// Opener launches a URL in the user's browser. Injectable so tests can
// drive the callback themselves.
type Opener interface {
	Open(url string) error
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(url string) error

func (f OpenerFunc) Open(url string) error { return f(url) }

// Options configures a Broker. The zero value is usable.
type Options struct {
	// PreferredPort overrides DefaultCallbackPort.
	PreferredPort int
	// Opener overrides the system browser launcher.
	Opener Opener
	// FlowTimeout overrides DefaultFlowTimeout.
	FlowTimeout time.Duration
	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration
	// Abandoned, when set, is polled each interval; returning true ends
	// the flow with ErrFlowAbandoned. Tests use it to simulate the user
	// closing the window.
	Abandoned func() bool
}

type result struct {
	grant *Grant
	err   error
}

// Broker owns one localhost listener and at most one authorization flow at
// a time. Exactly one terminal outcome is delivered per flow; whatever
// arrives after the first signal is a no-op.
type Broker struct {
	opts     Options
	port     int
	srv      *http.Server
	listener net.Listener

	results   chan result
	delivered sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

// Listen binds the callback listener on the preferred port, falling back to
// a random high port when it is taken. The broker is not serving a flow
// until Authorize is called, but RedirectURI is valid immediately so the
// caller can build the consent URL first.
func Listen(opts Options) (*Broker, error) {
	port := opts.PreferredPort
	if port <= 0 {
		port = DefaultCallbackPort
	}
	if opts.FlowTimeout <= 0 {
		opts.FlowTimeout = DefaultFlowTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Opener == nil {
		opts.Opener = SystemBrowser{}
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("failed to start callback listener: %w", err)
		}
	}

	b := &Broker{
		opts:     opts,
		port:     listener.Addr().(*net.TCPAddr).Port,
		listener: listener,
		results:  make(chan result, 1),
		closed:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, b.handleCallback)
	b.srv = &http.Server{Handler: mux}

	go func() {
		if err := b.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.deliver(result{err: fmt.Errorf("callback server failed: %w", err)})
		}
	}()

	return b, nil
}

// RedirectURI returns the loopback redirect URI registered for this flow.
func (b *Broker) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d%s", b.port, callbackPath)
}

// Launch opens the browser at authURL. A launch failure returns
// ErrBrowserBlocked immediately; the flow is never entered.
func (b *Broker) Launch(ctx context.Context, authURL string) error {
	if err := b.opts.Opener.Open(authURL); err != nil {
		logging.FromContext(ctx).Debug("browser launch failed", "err", err)
		return fmt.Errorf("%w: %v", ErrBrowserBlocked, err)
	}
	return nil
}

// Wait blocks for the first terminal signal: a code, a provider error,
// abandonment, or context cancellation.
func (b *Broker) Wait(ctx context.Context) (*Grant, error) {
	logging.FromContext(ctx).Debug("waiting for authorization callback", "redirect_uri", b.RedirectURI())

	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(b.opts.FlowTimeout)
	defer deadline.Stop()

	for {
		select {
		case res := <-b.results:
			return res.grant, res.err
		case <-ticker.C:
			if b.opts.Abandoned != nil && b.opts.Abandoned() {
				b.deliver(result{err: ErrFlowAbandoned})
			}
		case <-deadline.C:
			b.deliver(result{err: fmt.Errorf("%w: no callback within %s", ErrFlowAbandoned, b.opts.FlowTimeout)})
		case <-b.closed:
			return nil, ErrFlowAbandoned
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Authorize is Launch followed by Wait, for callers that have no state of
// their own to advance between the two.
func (b *Broker) Authorize(ctx context.Context, authURL string) (*Grant, error) {
	if err := b.Launch(ctx, authURL); err != nil {
		return nil, err
	}
	return b.Wait(ctx)
}

// handleCallback terminates the flow on the first request that actually
// carries a code or an error. Stray hits (favicon requests, health checks)
// get a 404 and leave the flow waiting.
func (b *Broker) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		b.deliver(result{err: &AuthError{
			Code:        errCode,
			Description: q.Get("error_description"),
		}})
		writeCompletionPage(w, "Authorization failed", "You can close this window and return to the terminal.")
		return
	}

	code := q.Get("code")
	if code == "" {
		http.NotFound(w, r)
		return
	}

	b.deliver(result{grant: &Grant{Code: code, State: q.Get("state")}})
	writeCompletionPage(w, "Connection authorized", "You can close this window and return to the terminal.")
}

// deliver enforces the first-terminal-signal-wins rule.
func (b *Broker) deliver(res result) {
	b.delivered.Do(func() {
		b.results <- res
	})
}

// Close stops the listener and releases the flow. Idempotent; safe after
// natural completion and safe to call repeatedly.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.srv.Shutdown(ctx)
	})
}

func writeCompletionPage(w http.ResponseWriter, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>%s</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 80px auto; padding: 20px; text-align: center; color: #1f2937; }
		h1 { font-size: 22px; }
		p { color: #6b7280; }
	</style>
</head>
<body>
	<h1>%s</h1>
	<p>%s</p>
</body>
</html>`, title, title, detail)
}
