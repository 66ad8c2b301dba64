package platform

import (
	"context"
	"time"
)

// Function names the platform exposes for the Google credential lifecycle.
const (
	FunctionExchangeCode = "google-token-exchange"
	FunctionRefreshToken = "google-token-refresh"
)

// DefaultExchangeTimeout bounds a token-exchange call so a wedged function
// cannot hold the login flow open indefinitely.
const DefaultExchangeTimeout = 20 * time.Second

// ExchangeCodeRequest trades an authorization code plus its PKCE verifier
// for tokens. The redirect URI must match the one used in the auth request.
type ExchangeCodeRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"codeVerifier"`
	RedirectURI  string `json:"redirectUri"`
}

// RefreshRequest trades a refresh token for a fresh access token.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TokenGrant is the success payload of both exchange functions.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type,omitempty"`
}

// ExpiryFrom converts the relative expires_in into an absolute expiry.
// Google always reports expires_in for access tokens; treat a missing value
// as one hour rather than never-expiring.
func (g *TokenGrant) ExpiryFrom(now time.Time) time.Time {
	if g.ExpiresIn <= 0 {
		return now.Add(time.Hour)
	}
	return now.Add(time.Duration(g.ExpiresIn) * time.Second)
}

// ExchangeCode invokes the code-exchange function within the bounded
// exchange timeout.
func (c *Client) ExchangeCode(ctx context.Context, req ExchangeCodeRequest) (*TokenGrant, error) {
	ctx, cancel := context.WithTimeout(ctx, c.exchangeTimeout)
	defer cancel()

	var grant TokenGrant
	if err := c.Invoke(ctx, FunctionExchangeCode, req, &grant); err != nil {
		return nil, err
	}
	if grant.AccessToken == "" {
		return nil, &FunctionError{Status: 200, Message: "exchange response missing access token"}
	}
	return &grant, nil
}

// ExchangeRefresh invokes the refresh function within the bounded exchange
// timeout.
func (c *Client) ExchangeRefresh(ctx context.Context, req RefreshRequest) (*TokenGrant, error) {
	ctx, cancel := context.WithTimeout(ctx, c.exchangeTimeout)
	defer cancel()

	var grant TokenGrant
	if err := c.Invoke(ctx, FunctionRefreshToken, req, &grant); err != nil {
		return nil, err
	}
	if grant.AccessToken == "" {
		return nil, &FunctionError{Status: 200, Message: "refresh response missing access token"}
	}
	return &grant, nil
}
