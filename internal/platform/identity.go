package platform

import (
	"context"
	"strings"
)

// User identifies the workspace member the agent acts for.
type User struct {
	ID    string
	Email string
}

// Identity resolves the current user. A nil user with nil error means the
// agent runs unattached; credentials then live only in the local cache and
// no durable row is written.
type Identity interface {
	CurrentUser(ctx context.Context) (*User, error)
}

// StaticIdentity resolves the user from configuration.
type StaticIdentity struct {
	UserID string
	Email  string
}

func (s StaticIdentity) CurrentUser(ctx context.Context) (*User, error) {
	if strings.TrimSpace(s.UserID) == "" {
		return nil, nil
	}
	return &User{ID: s.UserID, Email: s.Email}, nil
}
