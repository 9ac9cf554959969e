// Package session implements the server-side session store and its
// periodic cleanup job.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/tarefev/calorimeter-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrInvalid is returned by Validate for unknown, revoked or expired sessions.
var ErrInvalid = errors.New("session invalid")

// Store provides CRUD and the validity predicate over session records.
type Store struct {
	DB *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// Create inserts a new session for the user on the given channel.
func (s *Store) Create(userID, channel string, ttl time.Duration) (*models.Session, error) {
	now := time.Now()
	sess := models.Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		Channel:    channel,
		ExpiresAt:  now.Add(ttl),
		LastSeenAt: &now,
	}
	if err := s.DB.Create(&sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &sess, nil
}

// Validate looks up a session and checks it is neither revoked nor expired.
// On success it touches LastSeenAt; a failed touch never fails the call.
func (s *Store) Validate(sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, ErrInvalid
	}

	var sess models.Session
	if err := s.DB.First(&sess, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalid
		}
		return nil, fmt.Errorf("find session: %w", err)
	}

	now := time.Now()
	if !sess.Valid(now) {
		return nil, ErrInvalid
	}

	// best-effort touch, a stale timestamp beats a failed request
	_ = s.DB.Model(&models.Session{}).
		Where("id = ?", sess.ID).
		UpdateColumn("last_seen_at", now).Error
	sess.LastSeenAt = &now

	return &sess, nil
}

// Revoke marks a single session revoked. Idempotent.
func (s *Store) Revoke(sessionID string) error {
	now := time.Now()
	err := s.DB.Model(&models.Session{}).
		Where("id = ? AND revoked_at IS NULL", sessionID).
		UpdateColumn("revoked_at", now).Error
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAll marks every session of the user revoked. Idempotent.
func (s *Store) RevokeAll(userID string) error {
	now := time.Now()
	err := s.DB.Model(&models.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		UpdateColumn("revoked_at", now).Error
	if err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

// FindOrRenew keeps at most one logical session per (user, channel): an
// existing one is extended (new expiry, revocation cleared, last seen
// touched) instead of duplicated. Used by the bot channel, which
// re-authenticates on every message.
func (s *Store) FindOrRenew(userID, channel string, ttl time.Duration) (*models.Session, error) {
	now := time.Now()
	expires := now.Add(ttl)

	var sess models.Session
	err := s.DB.Where("user_id = ? AND channel = ?", userID, channel).
		Order("created_at DESC").
		First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.Create(userID, channel, ttl)
		}
		return nil, fmt.Errorf("find session: %w", err)
	}

	err = s.DB.Model(&models.Session{}).
		Where("id = ?", sess.ID).
		UpdateColumns(map[string]interface{}{
			"expires_at":   expires,
			"revoked_at":   nil,
			"last_seen_at": now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("renew session: %w", err)
	}

	sess.ExpiresAt = expires
	sess.RevokedAt = nil
	sess.LastSeenAt = &now
	return &sess, nil
}

// Sweep deletes sessions expired before now, plus revoked sessions older
// than the retention window. Returns the number of rows removed by each.
func (s *Store) Sweep(now time.Time, revokedRetention time.Duration) (expired int64, revokedOld int64, err error) {
	res := s.DB.Where("expires_at < ?", now).Delete(&models.Session{})
	if res.Error != nil {
		return 0, 0, fmt.Errorf("delete expired sessions: %w", res.Error)
	}
	expired = res.RowsAffected

	cutoff := now.Add(-revokedRetention)
	res = s.DB.Where("revoked_at IS NOT NULL AND revoked_at < ?", cutoff).Delete(&models.Session{})
	if res.Error != nil {
		return expired, 0, fmt.Errorf("delete revoked sessions: %w", res.Error)
	}
	revokedOld = res.RowsAffected

	return expired, revokedOld, nil
}
