package models

import "time"

// LinkToken is a short-lived one-time code that authorizes binding a bot
// identity to an existing user. It transitions issued -> used exactly once;
// expiry is a read-time predicate, not a stored state.
type LinkToken struct {
	ID         string     `gorm:"primaryKey;size:36"`
	UserID     string     `gorm:"size:36;index;not null"`
	Token      string     `gorm:"size:16;uniqueIndex;not null"`
	Provider   string     `gorm:"size:16;not null"`
	ProviderID *string    `gorm:"size:255"` // set when consumed
	ExpiresAt  time.Time  `gorm:"index;not null"`
	UsedAt     *time.Time `gorm:"index"`
	CreatedAt  time.Time

	User User `gorm:"constraint:OnDelete:CASCADE"`
}
