package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tarefev/calorimeter-backend/internal/config"
	"github.com/tarefev/calorimeter-backend/internal/database"
	"github.com/tarefev/calorimeter-backend/internal/middleware"
	"github.com/tarefev/calorimeter-backend/internal/models"
	"github.com/tarefev/calorimeter-backend/internal/ratelimit"
	"github.com/tarefev/calorimeter-backend/internal/session"
	"github.com/tarefev/calorimeter-backend/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Lockout policy for repeated failed logins. The persisted counter survives
// process restarts, unlike the in-memory window.
const (
	lockThreshold = 6
	lockDuration  = time.Hour
)

// AuthHandler serves registration, login and session management endpoints.
type AuthHandler struct {
	DB           *gorm.DB
	Cfg          *config.Config
	Sessions     *session.Store
	IPLimiter    *ratelimit.Limiter
	LoginLimiter *ratelimit.Limiter
}

func NewAuthHandler(db *gorm.DB, cfg *config.Config, sessions *session.Store, ipLimiter, loginLimiter *ratelimit.Limiter) *AuthHandler {
	return &AuthHandler{
		DB:           db,
		Cfg:          cfg,
		Sessions:     sessions,
		IPLimiter:    ipLimiter,
		LoginLimiter: loginLimiter,
	}
}

// ---------- register ----------

type registerReq struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "email and password are required")
		return
	}

	req.Email = strings.TrimSpace(req.Email)

	var count int64
	err := h.DB.Model(&models.AuthAccount{}).
		Where("provider = ? AND provider_id = ?", models.ProviderLocal, req.Email).
		Count(&count).Error
	if err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "lookup account failed")
		return
	}
	if count > 0 {
		util.Error(c, http.StatusConflict, util.CodeConflict, "email already in use")
		return
	}

	hash, err := util.HashPassword(req.Password, h.Cfg.Security.BcryptCost)
	if err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "hash password failed")
		return
	}

	user := models.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: hash,
	}
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		acct := models.AuthAccount{
			ID:           uuid.NewString(),
			UserID:       user.ID,
			Provider:     models.ProviderLocal,
			ProviderID:   req.Email,
			PasswordHash: hash,
		}
		return tx.Create(&acct).Error
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			util.Error(c, http.StatusConflict, util.CodeConflict, "email already in use")
			return
		}
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "create user failed")
		return
	}

	// a fresh account starts with a clean failed-login slate
	h.LoginLimiter.Reset(req.Email)

	sess, err := h.Sessions.Create(user.ID, models.ChannelWeb, h.Cfg.SessionTTL())
	if err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "create session failed")
		return
	}
	util.SetSessionCookie(c, sess.ID, h.Cfg.SessionTTL(), h.Cfg.IsProduction())

	util.Created(c, util.Response{
		"id":    user.ID,
		"email": user.Email,
	})
}

// ---------- login ----------

type loginReq struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "email and password are required")
		return
	}

	req.Email = strings.TrimSpace(req.Email)

	// per-IP throttle comes before any account work
	if res := h.IPLimiter.Consume(c.ClientIP()); !res.Allowed {
		tooManyRequests(c, res.RetryAfter)
		return
	}

	var acct models.AuthAccount
	err := h.DB.First(&acct, "provider = ? AND provider_id = ?", models.ProviderLocal, req.Email).Error
	if err != nil || acct.PasswordHash == "" {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "invalid credentials")
		return
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", acct.UserID).Error; err != nil {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "invalid credentials")
		return
	}

	now := time.Now()
	if user.FailedLoginLockedUntil != nil && user.FailedLoginLockedUntil.After(now) {
		tooManyRequests(c, user.FailedLoginLockedUntil.Sub(now))
		return
	}

	if !util.CheckPassword(req.Password, acct.PasswordHash) {
		h.recordFailedLogin(c, &user, req.Email)
		return
	}

	// success: reset both throttle layers
	h.LoginLimiter.Reset(req.Email)
	_ = h.DB.Model(&models.User{}).
		Where("id = ?", user.ID).
		UpdateColumns(map[string]interface{}{
			"failed_login_count":        0,
			"failed_login_locked_until": nil,
		}).Error

	sess, err := h.Sessions.Create(user.ID, models.ChannelWeb, h.Cfg.SessionTTL())
	if err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "create session failed")
		return
	}
	util.SetSessionCookie(c, sess.ID, h.Cfg.SessionTTL(), h.Cfg.IsProduction())

	util.Success(c, util.Response{
		"id":    user.ID,
		"email": user.Email,
	})
}

// recordFailedLogin bumps both failure layers and answers 401, or 429 once
// the persisted count crosses the lockout threshold or the in-memory window
// is exhausted. A lost increment under concurrent attempts only delays the
// lockout; it never locks a user permanently.
func (h *AuthHandler) recordFailedLogin(c *gin.Context, user *models.User, email string) {
	now := time.Now()

	_ = h.DB.Model(&models.User{}).
		Where("id = ?", user.ID).
		UpdateColumn("failed_login_count", gorm.Expr("failed_login_count + 1")).Error

	var count int
	_ = h.DB.Model(&models.User{}).
		Where("id = ?", user.ID).
		Select("failed_login_count").
		Scan(&count).Error

	if count >= lockThreshold {
		until := now.Add(lockDuration)
		_ = h.DB.Model(&models.User{}).
			Where("id = ?", user.ID).
			UpdateColumn("failed_login_locked_until", until).Error
		tooManyRequests(c, lockDuration)
		return
	}

	if res := h.LoginLimiter.Consume(email); !res.Allowed {
		tooManyRequests(c, res.RetryAfter)
		return
	}

	util.Error(c, http.StatusUnauthorized, util.CodeAuth, "invalid credentials")
}

func tooManyRequests(c *gin.Context, retryAfter time.Duration) {
	secs := int(retryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	util.Error(c, http.StatusTooManyRequests, util.CodeTooMany, "too many requests")
}

// ---------- logout ----------

// Logout revokes the session named by the cookie, best effort. The cookie
// is always cleared and the response never fails.
func (h *AuthHandler) Logout(c *gin.Context) {
	if sid, err := c.Cookie(util.SessionCookieName); err == nil && sid != "" {
		_ = h.Sessions.Revoke(sid)
	}
	util.ClearSessionCookie(c, h.Cfg.IsProduction())
	util.NoContent(c)
}

// LogoutAll revokes every session of the authenticated user.
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "unauthenticated")
		return
	}

	_ = h.Sessions.RevokeAll(user.ID)

	util.ClearSessionCookie(c, h.Cfg.IsProduction())
	util.NoContent(c)
}

// ---------- password rotation ----------

type changePasswordReq struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// ChangePassword rotates the local credential. The hash rewrite, the global
// session revocation and the replacement session are one transaction, so old
// sessions can never outlive the rotated password.
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "unauthenticated")
		return
	}

	var req changePasswordReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "old_password and new_password are required")
		return
	}

	var acct models.AuthAccount
	err := h.DB.First(&acct, "user_id = ? AND provider = ?", user.ID, models.ProviderLocal).Error
	if err != nil || acct.PasswordHash == "" {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "no local password set")
		return
	}

	if !util.CheckPassword(req.OldPassword, acct.PasswordHash) {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "invalid credentials")
		return
	}

	newHash, err := util.HashPassword(req.NewPassword, h.Cfg.Security.BcryptCost)
	if err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "hash password failed")
		return
	}

	now := time.Now()
	newSession := models.Session{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		Channel:    models.ChannelWeb,
		ExpiresAt:  now.Add(h.Cfg.SessionTTL()),
		LastSeenAt: &now,
	}
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.AuthAccount{}).
			Where("id = ?", acct.ID).
			UpdateColumn("password_hash", newHash).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.User{}).
			Where("id = ?", user.ID).
			UpdateColumn("password_hash", newHash).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Session{}).
			Where("user_id = ? AND revoked_at IS NULL", user.ID).
			UpdateColumn("revoked_at", now).Error; err != nil {
			return err
		}
		return tx.Create(&newSession).Error
	})
	if err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "rotate password failed")
		return
	}

	util.SetSessionCookie(c, newSession.ID, h.Cfg.SessionTTL(), h.Cfg.IsProduction())

	util.Success(c, util.Response{
		"id": user.ID,
	})
}

// ---------- me ----------

// Me returns the current user, resolved by the identity middleware from
// either the web cookie or the bot headers.
func (h *AuthHandler) Me(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "unauthenticated")
		return
	}

	util.Success(c, util.Response{
		"user": gin.H{
			"id":                 user.ID,
			"email":              user.Email,
			"external_id":        user.ExternalID,
			"external_linked_at": user.ExternalLinkedAt,
			"created_at":         user.CreatedAt,
		},
	})
}
