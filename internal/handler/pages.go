package handler

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
)

const shellHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Sign in</title></head>
<body><div id="app" data-page="%s"></div><script type="module" src="/assets/app.js"></script></body>
</html>
`

// PageHandler serves the unauthenticated pages. With FrontendDist set the
// built index.html is served for each of them and routing happens client
// side.
type PageHandler struct {
	FrontendDist string
}

func (h *PageHandler) Serve(page string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		if h.FrontendDist != "" {
			index := filepath.Join(h.FrontendDist, "index.html")
			if _, err := os.Stat(index); err == nil {
				c.File(index)
				return
			}
		}
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, shellHTML, page)
	}
}

// AssetsDir is where /assets/* is served from, or "" when there is no
// built frontend.
func (h *PageHandler) AssetsDir() string {
	if h.FrontendDist == "" {
		return ""
	}
	return filepath.Join(h.FrontendDist, "assets")
}

// WasmDir is where /wasm/* is served from, or "".
func (h *PageHandler) WasmDir() string {
	if h.FrontendDist == "" {
		return ""
	}
	return filepath.Join(h.FrontendDist, "wasm")
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	DB Pinger
}

func (h *HealthHandler) Health(c *gin.Context) {
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
