package router

import (
	"time"

	"github.com/tarefev/calorimeter-backend/internal/config"
	"github.com/tarefev/calorimeter-backend/internal/handler"
	"github.com/tarefev/calorimeter-backend/internal/link"
	"github.com/tarefev/calorimeter-backend/internal/middleware"
	"github.com/tarefev/calorimeter-backend/internal/ratelimit"
	"github.com/tarefev/calorimeter-backend/internal/session"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SetupRouter configures the Gin engine, the identity resolver and the auth
// endpoints.
func SetupRouter(cfg *config.Config, db *gorm.DB) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	sessions := session.NewStore(db)
	links := link.NewService(db)
	ipLimiter := ratelimit.New(cfg.RateLimit.IPLimit, time.Duration(cfg.RateLimit.IPWindowSeconds)*time.Second)
	loginLimiter := ratelimit.New(cfg.RateLimit.LoginFailLimit, time.Duration(cfg.RateLimit.LoginFailWindowSeconds)*time.Second)

	// every request passes the resolver; endpoints decide about
	// unauthenticated callers themselves
	r.Use(middleware.Identity(db, sessions, cfg))

	authHandler := handler.NewAuthHandler(db, cfg, sessions, ipLimiter, loginLimiter)
	linkHandler := handler.NewLinkHandler(links, cfg)

	auth := r.Group("/auth")
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login)
	auth.POST("/logout", authHandler.Logout)
	auth.POST("/logout/all", authHandler.LogoutAll)
	auth.PATCH("/password", authHandler.ChangePassword)
	auth.GET("/me", authHandler.Me)
	auth.POST("/link-token", linkHandler.CreateToken)
	auth.POST("/link/confirm", linkHandler.ConfirmToken)

	return r
}
