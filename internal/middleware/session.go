package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"sandbox-hypervisor/internal/model"
)

const (
	sessionContextKey = "session"
	tokenContextKey   = "sessionToken"

	LoginPath = "/login"
)

// SessionValidator resolves a session cookie value to a live session.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (model.Session, bool)
}

func SessionFromContext(c *gin.Context) (model.Session, bool) {
	v, ok := c.Get(sessionContextKey)
	if !ok {
		return model.Session{}, false
	}
	s, ok := v.(model.Session)
	return s, ok && s.UserID != ""
}

func UserIDFromContext(c *gin.Context) (string, bool) {
	s, ok := SessionFromContext(c)
	if !ok {
		return "", false
	}
	return s.UserID, true
}

// TokenFromContext returns the raw cookie value that established the session.
func TokenFromContext(c *gin.Context) string {
	return c.GetString(tokenContextKey)
}

// LoadSession attaches the session named by the cookie, if valid, and
// always continues. Routes decide for themselves whether one is required.
func LoadSession(v SessionValidator, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(cookieName)
		if err == nil && token != "" {
			if s, ok := v.Validate(c.Request.Context(), token); ok {
				c.Set(sessionContextKey, s)
				c.Set(tokenContextKey, token)
			}
		}
		c.Next()
	}
}

// RequireSession redirects to the login page when no session was loaded.
// No sandbox is contacted for such requests.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := SessionFromContext(c); !ok {
			c.Header("Cache-Control", "no-store")
			c.Redirect(http.StatusSeeOther, LoginPath)
			c.Abort()
			return
		}
		c.Next()
	}
}

// publicPrefixes never reach a sandbox. The provider gateway checks its own
// bearer token.
var publicPrefixes = []string{"/auth/", "/assets/", "/wasm/", "/provider/"}

var publicPages = map[string]struct{}{
	"/login":    {},
	"/register": {},
	"/recovery": {},
	"/health":   {},
}

// IsPublicPath reports whether path is served without a session.
func IsPublicPath(path string) bool {
	if _, ok := publicPages[path]; ok {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
