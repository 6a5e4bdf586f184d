package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sandbox-hypervisor/internal/middleware"
	"sandbox-hypervisor/internal/proxy"
)

// ProxyHandler is the catch-all: everything without its own route is
// forwarded to the caller's sandbox.
type ProxyHandler struct {
	Proxy *proxy.Proxy
}

func (h *ProxyHandler) Forward(c *gin.Context) {
	if middleware.IsPublicPath(c.Request.URL.Path) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	sess, ok := middleware.SessionFromContext(c)
	if !ok {
		c.Header("Cache-Control", "no-store")
		c.Redirect(http.StatusSeeOther, middleware.LoginPath)
		return
	}
	h.Proxy.Forward(c.Writer, c.Request, proxy.Identity{
		UserID:    sess.UserID,
		Username:  sess.Username,
		SessionID: sess.ID,
		RequestID: c.GetString(middleware.RequestIDKey),
	})
}

// ProviderHandler serves /provider/v1/:provider/*rest for sandboxes that
// call model APIs through the hypervisor.
type ProviderHandler struct {
	Gateway *proxy.ProviderGateway
}

func (h *ProviderHandler) Forward(c *gin.Context) {
	if h.Gateway == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Provider gateway not configured"})
		return
	}
	h.Gateway.Forward(c.Writer, c.Request, c.Param("provider"), c.Param("rest"))
}
