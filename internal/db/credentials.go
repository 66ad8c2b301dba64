package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rankwell/rankwell/internal/db/models"
	"gorm.io/gorm"
)

// MaxCredentialLifetime caps how far in the future a durable row's expiry
// may sit. Providers occasionally return absurd expires_in values; rows
// older than this are treated as expired and re-validated through refresh.
const MaxCredentialLifetime = 30 * 24 * time.Hour

// ClampExpiry limits expiresAt to now + MaxCredentialLifetime.
func ClampExpiry(now, expiresAt time.Time) time.Time {
	max := now.Add(MaxCredentialLifetime)
	if expiresAt.After(max) {
		return max
	}
	return expiresAt
}

// Credentials is the durable credential row store, keyed (user_id,
// provider). It backs the session's durable tier port.
type Credentials struct {
	db *gorm.DB
}

func NewCredentials(database *gorm.DB) *Credentials {
	return &Credentials{db: database}
}

// Get returns the row for (userID, provider), or nil when none exists.
func (c *Credentials) Get(ctx context.Context, userID, provider string) (*models.Credential, error) {
	var rec models.Credential
	err := c.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return &rec, nil
}

// Upsert writes the row for (rec.UserID, rec.Provider), preserving the row
// ID and creation time when one already exists. The expiry is clamped to
// MaxCredentialLifetime on every write.
func (c *Credentials) Upsert(ctx context.Context, rec *models.Credential) error {
	now := time.Now()
	rec.ExpiresAt = ClampExpiry(now, rec.ExpiresAt)
	rec.LastUsedAt = now

	var existing models.Credential
	err := c.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", rec.UserID, rec.Provider).
		First(&existing).Error
	switch {
	case err == nil:
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec.ID = uuid.New().String()
	default:
		return fmt.Errorf("failed to look up credential: %w", err)
	}

	if err := c.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Delete removes the row for (userID, provider). Deleting a missing row is
// not an error, so disconnect stays idempotent.
func (c *Credentials) Delete(ctx context.Context, userID, provider string) error {
	err := c.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&models.Credential{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
