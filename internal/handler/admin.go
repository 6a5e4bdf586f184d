package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"sandbox-hypervisor/internal/hub"
	"sandbox-hypervisor/internal/middleware"
	"sandbox-hypervisor/internal/model"
	"sandbox-hypervisor/internal/sandbox"
	"sandbox-hypervisor/internal/store"
)

type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (model.User, error)
}

// AdminHandler exposes the supervisor to operators. Any signed-in user may
// call it; there is no finer authorization.
type AdminHandler struct {
	Supervisor *sandbox.Supervisor
	Streams    *hub.Hub
	// Users, when set, makes Start and Swap refuse ids with no account.
	Users  UserLookup
	Logger *slog.Logger
}

func (h *AdminHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *AdminHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.Supervisor.List())
}

func (h *AdminHandler) Start(c *gin.Context) {
	role, ok := h.role(c)
	if !ok {
		return
	}
	userID, ok := h.knownUser(c)
	if !ok {
		return
	}
	snap, err := h.Supervisor.Start(c.Request.Context(), userID, role)
	if err != nil {
		h.supervisorError(c, "start", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Stop stops the sandbox and closes any streams still open into it.
func (h *AdminHandler) Stop(c *gin.Context) {
	role, ok := h.role(c)
	if !ok {
		return
	}
	userID := c.Param("user_id")
	snap, err := h.Supervisor.Stop(c.Request.Context(), userID, role)
	if err != nil {
		h.supervisorError(c, "stop", err)
		return
	}
	if h.Streams != nil {
		h.Streams.CloseSandbox(userID, string(role))
	}
	c.JSON(http.StatusOK, snap)
}

// Reset clears poisoning and crash history.
func (h *AdminHandler) Reset(c *gin.Context) {
	role, ok := h.role(c)
	if !ok {
		return
	}
	snap, err := h.Supervisor.Reset(c.Request.Context(), c.Param("user_id"), role)
	if err != nil {
		h.supervisorError(c, "reset", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Swap exchanges the user's live and dev sandboxes. Streams into either are
// closed so clients reconnect to the new mapping.
func (h *AdminHandler) Swap(c *gin.Context) {
	userID, ok := h.knownUser(c)
	if !ok {
		return
	}
	snaps, err := h.Supervisor.Swap(c.Request.Context(), userID)
	if err != nil {
		h.supervisorError(c, "swap", err)
		return
	}
	if h.Streams != nil {
		h.Streams.CloseSandbox(userID, string(sandbox.RoleLive))
		h.Streams.CloseSandbox(userID, string(sandbox.RoleDev))
	}
	c.JSON(http.StatusOK, snaps)
}

func (h *AdminHandler) knownUser(c *gin.Context) (string, bool) {
	userID := c.Param("user_id")
	if err := sandbox.ValidateUserID(userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return "", false
	}
	if h.Users == nil {
		return userID, true
	}
	if _, err := h.Users.GetUserByID(c.Request.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return "", false
		}
		h.supervisorError(c, "lookup", err)
		return "", false
	}
	return userID, true
}

func (h *AdminHandler) role(c *gin.Context) (sandbox.Role, bool) {
	role, err := sandbox.ParseRole(c.Param("role"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be 'live' or 'dev'"})
		return "", false
	}
	return role, true
}

func (h *AdminHandler) supervisorError(c *gin.Context, op string, err error) {
	switch {
	case c.Request.Context().Err() != nil:
		c.Status(499)
		return
	case errors.Is(err, sandbox.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return
	case errors.Is(err, sandbox.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "Sandbox is starting, try again"})
		return
	}
	h.logger().Error("admin sandbox "+op+" failed",
		"user_id", c.Param("user_id"),
		"role", c.Param("role"),
		"request_id", c.GetString(middleware.RequestIDKey),
		"error", err)

	status := http.StatusServiceUnavailable
	if errors.Is(err, sandbox.ErrPoisoned) {
		c.JSON(status, gin.H{"error": "Sandbox poisoned, reset required"})
		return
	}
	c.JSON(status, gin.H{"error": "Sandbox unavailable, try again"})
}
