package models

import "time"

// Session channels.
const (
	ChannelWeb = "web"
	ChannelBot = "bot"
)

// Session stores server-side login sessions (for logout, invalidation, audit).
// A session is valid iff RevokedAt is nil and ExpiresAt is in the future.
type Session struct {
	ID         string     `gorm:"primaryKey;size:64"` // UUID, the cookie value
	UserID     string     `gorm:"size:36;index;not null"`
	Channel    string     `gorm:"size:16;index;not null"`
	ExpiresAt  time.Time  `gorm:"index;not null"`
	RevokedAt  *time.Time `gorm:"index"`
	LastSeenAt *time.Time
	CreatedAt  time.Time

	User User `gorm:"constraint:OnDelete:CASCADE"`
}

// Valid reports whether the session grants access at the given instant.
func (s *Session) Valid(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}
