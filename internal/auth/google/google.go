// Package google builds the OAuth artifacts for delegated Google access:
// the authorization config, the product scope set, and the capability flags
// derived from granted scopes.
package google

import (
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
)

// Scopes is the fixed superset requested on every connect. What the user
// actually grants comes back in the token response; capabilities derive
// from that, never from this request set.
var Scopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/analytics.readonly",
	"https://www.googleapis.com/auth/webmasters",
	"https://www.googleapis.com/auth/adwords",
}

// OAuthConfig returns the oauth2 config for the agent's public PKCE client.
// No client secret on this side; the platform holds it and performs the
// confidential exchange.
func OAuthConfig(clientID, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURL,
		Scopes:      Scopes,
		Endpoint:    googleoauth.Endpoint,
	}
}

// AuthCodeURL builds the consent URL. Offline access plus forced consent
// makes Google issue a refresh token even when the user authorized before.
func AuthCodeURL(cfg *oauth2.Config, state, verifier string) string {
	return cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)
}
