package session

import "errors"

var (
	// ErrClientIDMissing means no Google OAuth client ID is configured.
	// Recoverable: the CLI collects one interactively and retries.
	ErrClientIDMissing = errors.New("google client ID is not configured")

	// ErrConsentDeclined means the user refused the consent screen. Terminal
	// for this attempt, not an application error.
	ErrConsentDeclined = errors.New("user declined access")

	// ErrExchangeFailed means the platform token-exchange call failed,
	// either at the transport or in the function itself. Recoverable via
	// retry.
	ErrExchangeFailed = errors.New("token exchange failed")

	// ErrStaleVerifier means the stored PKCE verifier or flow state was
	// missing or did not match, typically a duplicate or replayed callback.
	// Recoverable via a fresh login.
	ErrStaleVerifier = errors.New("authorization session expired, start a new login")

	// ErrRefreshFailed means a silent refresh did not produce a usable
	// token; an interactive login is required.
	ErrRefreshFailed = errors.New("token refresh failed, interactive login required")

	// ErrNotConnected means no usable credential is held for the provider.
	ErrNotConnected = errors.New("no active google connection")
)
