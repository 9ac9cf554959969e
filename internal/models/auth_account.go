package models

import "time"

// AuthAccount providers.
const (
	ProviderLocal = "local"
	ProviderBot   = "bot"
)

// AuthAccount maps an identity (provider, provider_id) to its owning user.
// The pair is globally unique and is the identity-resolution key: email for
// the local provider, external user id for the bot provider.
type AuthAccount struct {
	ID           string `gorm:"primaryKey;size:36"`
	UserID       string `gorm:"size:36;index;not null"`
	Provider     string `gorm:"size:16;not null;uniqueIndex:idx_provider_provider_id"`
	ProviderID   string `gorm:"size:255;not null;uniqueIndex:idx_provider_provider_id"`
	PasswordHash string `gorm:"size:255"` // only meaningful for the local provider
	CreatedAt    time.Time
	UpdatedAt    time.Time

	User User `gorm:"constraint:OnDelete:CASCADE"`
}
