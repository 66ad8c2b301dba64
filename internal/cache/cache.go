// Package cache implements the device-local credential cache. The session
// treats it as a plain string store behind the Store port, so tests and
// alternative backends can swap it freely.
package cache

// Store is the local persistence port. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (string, bool)
	// Set stores key=value, overwriting any previous value.
	Set(key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// Fixed cache keys. The unified google_* set is authoritative; the three
// per-product token keys mirror the access token for older dashboard
// widgets that read a single product key.
const (
	KeyAccessToken  = "google_access_token"
	KeyRefreshToken = "google_refresh_token"
	KeyExpiresAt    = "google_token_expires_at"
	KeyScope        = "google_token_scope"
	KeyProfile      = "google_user_profile"
	KeyVerifier     = "google_pkce_verifier"
	KeyFlowState    = "google_oauth_state"
	KeyRedirectURI  = "google_oauth_redirect_uri"

	KeyAnalyticsToken     = "google_analytics_token"
	KeySearchConsoleToken = "google_search_console_token"
	KeyAdsToken           = "google_ads_token"
)

// AllKeys returns every key the agent may have written, in a stable order.
// Disconnect clears the lot.
func AllKeys() []string {
	return []string{
		KeyAccessToken,
		KeyRefreshToken,
		KeyExpiresAt,
		KeyScope,
		KeyProfile,
		KeyVerifier,
		KeyFlowState,
		KeyRedirectURI,
		KeyAnalyticsToken,
		KeySearchConsoleToken,
		KeyAdsToken,
	}
}
