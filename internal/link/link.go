// Package link implements the one-time token workflow that binds a bot
// identity to an existing user account.
package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/tarefev/calorimeter-backend/internal/database"
	"github.com/tarefev/calorimeter-backend/internal/models"
	"github.com/tarefev/calorimeter-backend/internal/util"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	codeLength    = 6
	tokenTTL      = 10 * time.Minute
	maxIssueTries = 5
)

var (
	// ErrTokenNotFound means no link token matches the presented code.
	ErrTokenNotFound = errors.New("link token not found")
	// ErrTokenGone means the token was already consumed or has expired.
	ErrTokenGone = errors.New("link token used or expired")
	// ErrAlreadyLinked means the external identity is bound to another user.
	ErrAlreadyLinked = errors.New("external identity already linked")
)

// Service issues and redeems link tokens.
type Service struct {
	DB *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{DB: db}
}

// Issue creates a short one-time code for the user, valid for ten minutes.
// On the unlikely collision with a live code it regenerates.
func (s *Service) Issue(userID string) (*models.LinkToken, error) {
	now := time.Now()

	for i := 0; i < maxIssueTries; i++ {
		code, err := util.RandomCode(codeLength)
		if err != nil {
			return nil, err
		}

		var count int64
		err = s.DB.Model(&models.LinkToken{}).
			Where("token = ? AND used_at IS NULL AND expires_at > ?", code, now).
			Count(&count).Error
		if err != nil {
			return nil, fmt.Errorf("check token collision: %w", err)
		}
		if count > 0 {
			continue
		}

		lt := models.LinkToken{
			ID:        uuid.NewString(),
			UserID:    userID,
			Token:     code,
			Provider:  models.ProviderBot,
			ExpiresAt: now.Add(tokenTTL),
		}
		if err := s.DB.Create(&lt).Error; err != nil {
			if database.IsUniqueViolation(err) {
				// lost the race for this code, try another
				continue
			}
			return nil, fmt.Errorf("create link token: %w", err)
		}
		return &lt, nil
	}

	return nil, fmt.Errorf("could not generate a unique link token")
}

// Confirm redeems a token and binds the external identity to its issuer.
// The redemption is a single transaction guarded by a conditional update on
// used_at, so concurrent confirmations of the same token have exactly one
// winner; every loser observes ErrTokenGone.
func (s *Service) Confirm(code, externalID string) (*models.User, error) {
	now := time.Now()

	var lt models.LinkToken
	if err := s.DB.First(&lt, "token = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("find link token: %w", err)
	}
	if lt.UsedAt != nil || !lt.ExpiresAt.After(now) {
		return nil, ErrTokenGone
	}

	var count int64
	err := s.DB.Model(&models.AuthAccount{}).
		Where("provider = ? AND provider_id = ?", models.ProviderBot, externalID).
		Count(&count).Error
	if err != nil {
		return nil, fmt.Errorf("check existing link: %w", err)
	}
	if count > 0 {
		return nil, ErrAlreadyLinked
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		// mark used only if currently unused; the affected row count
		// decides the winner among concurrent confirmations
		res := tx.Model(&models.LinkToken{}).
			Where("id = ? AND used_at IS NULL", lt.ID).
			Updates(map[string]interface{}{
				"used_at":     now,
				"provider_id": externalID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrTokenGone
		}

		acct := models.AuthAccount{
			ID:         uuid.NewString(),
			UserID:     lt.UserID,
			Provider:   models.ProviderBot,
			ProviderID: externalID,
		}
		if err := tx.Create(&acct).Error; err != nil {
			return err
		}

		return tx.Model(&models.User{}).
			Where("id = ?", lt.UserID).
			Updates(map[string]interface{}{
				"external_id":        externalID,
				"external_linked_at": now,
			}).Error
	})
	if err != nil {
		if errors.Is(err, ErrTokenGone) {
			return nil, ErrTokenGone
		}
		if database.IsUniqueViolation(err) {
			// raced with another confirmation binding the same identity
			return nil, ErrAlreadyLinked
		}
		return nil, fmt.Errorf("confirm link token: %w", err)
	}

	var user models.User
	if err := s.DB.First(&user, "id = ?", lt.UserID).Error; err != nil {
		return nil, fmt.Errorf("load linked user: %w", err)
	}
	return &user, nil
}

