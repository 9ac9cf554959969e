package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/tarefev/calorimeter-backend/internal/config"
	"github.com/tarefev/calorimeter-backend/internal/models"
	"github.com/tarefev/calorimeter-backend/internal/session"
	"github.com/tarefev/calorimeter-backend/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Bot-relay channel headers. Both must be present together.
const (
	BotTokenHeader  = "X-Bot-Token"
	BotUserIDHeader = "X-Bot-User-Id"
)

// Context keys set by the identity resolver.
const (
	ContextUserKey    = "currentUser"
	ContextSessionKey = "sessionID"
)

// CurrentUser returns the authenticated user attached by Identity, if any.
func CurrentUser(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*models.User)
	return user, ok && user != nil
}

// SessionID returns the id of the session that authenticated this request.
func SessionID(c *gin.Context) (string, bool) {
	v, ok := c.Get(ContextSessionKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// Identity resolves the caller before every route: a valid sid cookie wins,
// otherwise matching bot headers authenticate (and provision on first
// contact) via the bot channel. It never rejects a request itself; any
// failure leaves the context unauthenticated and the endpoint decides.
func Identity(db *gorm.DB, sessions *session.Store, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1) web cookie session
		if sid, err := c.Cookie(util.SessionCookieName); err == nil && sid != "" {
			if sess, err := sessions.Validate(sid); err == nil {
				var user models.User
				if err := db.First(&user, "id = ?", sess.UserID).Error; err == nil {
					c.Set(ContextUserKey, &user)
					c.Set(ContextSessionKey, sess.ID)
					c.Next()
					return
				}
			}
		}

		// 2) bot headers: shared secret + external identity
		secret := c.GetHeader(BotTokenHeader)
		extID := c.GetHeader(BotUserIDHeader)
		if secret != "" && extID != "" && BotSecretMatches(cfg, secret) {
			if user, err := resolveBotUser(db, extID); err == nil {
				if sess, err := sessions.FindOrRenew(user.ID, models.ChannelBot, cfg.SessionTTL()); err == nil {
					c.Set(ContextUserKey, user)
					c.Set(ContextSessionKey, sess.ID)
				}
			}
		}

		c.Next()
	}
}

// BotSecretMatches compares the presented bot secret against the configured
// one in constant time. An empty configured secret never matches.
func BotSecretMatches(cfg *config.Config, presented string) bool {
	if cfg.Bot.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.Bot.Secret)) == 1
}

// resolveBotUser finds the user owning the bot identity, creating a minimal
// user plus auth account in one transaction on first contact.
func resolveBotUser(db *gorm.DB, extID string) (*models.User, error) {
	var acct models.AuthAccount
	err := db.First(&acct, "provider = ? AND provider_id = ?", models.ProviderBot, extID).Error
	if err == nil {
		var user models.User
		if err := db.First(&user, "id = ?", acct.UserID).Error; err != nil {
			return nil, fmt.Errorf("load bot user: %w", err)
		}
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("find bot account: %w", err)
	}

	now := time.Now()
	user := models.User{
		ID:               uuid.NewString(),
		Email:            fmt.Sprintf("bot-%s@bot.local", extID),
		PasswordHash:     "",
		ExternalID:       &extID,
		ExternalLinkedAt: &now,
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		acct := models.AuthAccount{
			ID:         uuid.NewString(),
			UserID:     user.ID,
			Provider:   models.ProviderBot,
			ProviderID: extID,
		}
		return tx.Create(&acct).Error
	})
	if err != nil {
		// a concurrent first contact may have provisioned the account
		var existing models.AuthAccount
		if lookupErr := db.First(&existing, "provider = ? AND provider_id = ?", models.ProviderBot, extID).Error; lookupErr == nil {
			var u models.User
			if lookupErr = db.First(&u, "id = ?", existing.UserID).Error; lookupErr == nil {
				return &u, nil
			}
		}
		return nil, fmt.Errorf("provision bot user: %w", err)
	}
	return &user, nil
}
