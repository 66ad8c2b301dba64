package google

import (
	"context"
	"fmt"

	goauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"golang.org/x/oauth2"
)

// Profile is the slice of the Google userinfo response we persist.
type Profile struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

// FetchProfile loads the userinfo for the account behind accessToken.
// Callers treat failures as non-fatal; a connection works without a profile.
func FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	})
	svc, err := goauth2.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("create userinfo service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	return &Profile{
		Name:    info.Name,
		Email:   info.Email,
		Picture: info.Picture,
	}, nil
}
