package util

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SessionCookieName is the cookie carrying the web session id.
const SessionCookieName = "sid"

// SetSessionCookie attaches the session id cookie to the response.
// The cookie is httpOnly, SameSite=Lax and Secure in production.
func SetSessionCookie(c *gin.Context, sessionID string, ttl time.Duration, secure bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookieName, sessionID, int(ttl/time.Second), "/", "", secure, true)
}

// ClearSessionCookie removes the session id cookie from the client.
func ClearSessionCookie(c *gin.Context, secure bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookieName, "", -1, "/", "", secure, true)
}
