package models

import "time"

// Credential is the durable copy of a delegated OAuth grant. One row per
// (user, provider); re-connecting upserts the row instead of adding one.
type Credential struct {
	ID           string `gorm:"primaryKey"` // UUID
	UserID       string `gorm:"uniqueIndex:idx_user_provider"`
	Provider     string `gorm:"uniqueIndex:idx_user_provider"` // e.g., "google"
	AccessToken  string
	RefreshToken string
	Scope        string // space-delimited granted scopes
	ExpiresAt    time.Time
	LastUsedAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
