package handler

import (
	"errors"
	"net/http"

	"github.com/tarefev/calorimeter-backend/internal/config"
	"github.com/tarefev/calorimeter-backend/internal/link"
	"github.com/tarefev/calorimeter-backend/internal/middleware"
	"github.com/tarefev/calorimeter-backend/internal/util"

	"github.com/gin-gonic/gin"
)

// LinkHandler serves the one-time token flow binding a bot identity to an
// existing account.
type LinkHandler struct {
	Links *link.Service
	Cfg   *config.Config
}

func NewLinkHandler(links *link.Service, cfg *config.Config) *LinkHandler {
	return &LinkHandler{Links: links, Cfg: cfg}
}

// CreateToken issues a short-lived link code for the authenticated user.
func (h *LinkHandler) CreateToken(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "unauthenticated")
		return
	}

	lt, err := h.Links.Issue(user.ID)
	if err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "create link token failed")
		return
	}

	util.Success(c, util.Response{
		"token":      lt.Token,
		"expires_at": lt.ExpiresAt,
	})
}

type confirmLinkReq struct {
	Token      string `json:"token" binding:"required"`
	ExternalID string `json:"external_id" binding:"required"`
}

// ConfirmToken redeems a link code on behalf of the bot relay. Gated by the
// shared bot secret, not by a user session.
func (h *LinkHandler) ConfirmToken(c *gin.Context) {
	if !middleware.BotSecretMatches(h.Cfg, c.GetHeader(middleware.BotTokenHeader)) {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "invalid bot token")
		return
	}

	var req confirmLinkReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "token and external_id are required")
		return
	}

	user, err := h.Links.Confirm(req.Token, req.ExternalID)
	if err != nil {
		switch {
		case errors.Is(err, link.ErrTokenNotFound):
			util.Error(c, http.StatusNotFound, util.CodeNotFound, "token not found")
		case errors.Is(err, link.ErrTokenGone):
			util.Error(c, http.StatusGone, util.CodeGone, "token used or expired")
		case errors.Is(err, link.ErrAlreadyLinked):
			util.Error(c, http.StatusConflict, util.CodeConflict, "identity already linked")
		default:
			util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "confirm link failed")
		}
		return
	}

	util.Success(c, util.Response{
		"user": gin.H{
			"id":    user.ID,
			"email": user.Email,
		},
	})
}
