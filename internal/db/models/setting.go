package models

import "time"

// Setting stores agent configuration like the API key
type Setting struct {
	Key       string `gorm:"primaryKey"` // Setting key name
	Value     string // Setting value
	CreatedAt time.Time
	UpdatedAt time.Time
}
