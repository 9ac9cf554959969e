package models

import "time"

// User represents an application account. Bot-only users are created on first
// contact with a synthetic placeholder email and no password.
type User struct {
	ID           string `gorm:"primaryKey;size:36"`
	Email        string `gorm:"size:255;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:255"` // empty for bot-only accounts
	CreatedAt    time.Time
	UpdatedAt    time.Time

	ExternalID       *string    `gorm:"size:64;index"` // bot-channel identity, nil until linked
	ExternalLinkedAt *time.Time

	FailedLoginCount       int        `gorm:"default:0"`
	FailedLoginLockedUntil *time.Time `gorm:"index"`
}
