package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sandbox-hypervisor/internal/auth"
	"sandbox-hypervisor/internal/hub"
	"sandbox-hypervisor/internal/middleware"
	"sandbox-hypervisor/internal/model"
)

// CeremonyObserver counts finished ceremonies.
type CeremonyObserver interface {
	Ceremony(kind, result string)
}

type noopCeremonies struct{}

func (noopCeremonies) Ceremony(string, string) {}

type CookieConfig struct {
	Name   string
	Secure bool
	TTL    time.Duration
}

type AuthHandler struct {
	Gateway    *auth.Gateway
	Streams    *hub.Hub
	Cookie     CookieConfig
	Ceremonies CeremonyObserver
	Logger     *slog.Logger
}

type usernameBody struct {
	Username    string `json:"username" binding:"required"`
	DisplayName string `json:"display_name"`
}

type recoveryBody struct {
	Username string `json:"username" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

func (h *AuthHandler) observe(kind string, err error) {
	c := h.Ceremonies
	if c == nil {
		c = noopCeremonies{}
	}
	if err == nil {
		c.Ceremony(kind, "ok")
		return
	}
	c.Ceremony(kind, "failed")
}

func (h *AuthHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *AuthHandler) setSessionCookie(c *gin.Context, issued auth.Issued) {
	maxAge := int(time.Until(issued.Session.ExpiresAt).Seconds())
	if maxAge <= 0 {
		maxAge = int(h.Cookie.TTL.Seconds())
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.Cookie.Name, issued.Token, maxAge, "/", "", h.Cookie.Secure, true)
}

func (h *AuthHandler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.Cookie.Name, "", -1, "/", "", h.Cookie.Secure, true)
}

func (h *AuthHandler) internalError(c *gin.Context, msg string, err error) {
	h.logger().Error(msg, "error", err, "request_id", c.GetString(middleware.RequestIDKey))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
}

func (h *AuthHandler) RegisterBegin(c *gin.Context) {
	var body usernameBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	opts, err := h.Gateway.BeginRegistration(c.Request.Context(), body.Username, body.DisplayName)
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "Username taken"})
		return
	case errors.Is(err, auth.ErrInvalidUsername):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid username"})
		return
	case err != nil:
		h.internalError(c, "begin registration failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": opts})
}

// ceremonyBody returns the raw PublicKeyCredential JSON; the gateway parses
// it itself.
func ceremonyBody(c *gin.Context) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return nil, false
	}
	return body, true
}

func (h *AuthHandler) RegisterFinish(c *gin.Context) {
	body, ok := ceremonyBody(c)
	if !ok {
		return
	}

	res, err := h.Gateway.FinishRegistration(c.Request.Context(), body, c.ClientIP())
	h.observe("register", err)
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "Username taken"})
		return
	case isCeremonyFailure(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Registration failed"})
		return
	case err != nil:
		h.internalError(c, "finish registration failed", err)
		return
	}

	h.setSessionCookie(c, res.Issued)
	c.JSON(http.StatusOK, gin.H{
		"user_id":          res.User.ID,
		"username":         res.User.Username,
		"recovery_codes":   res.RecoveryCodes,
		"is_first_passkey": res.IsFirstPasskey,
	})
}

func (h *AuthHandler) LoginBegin(c *gin.Context) {
	var body usernameBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	opts, err := h.Gateway.BeginLogin(c.Request.Context(), body.Username)
	if err != nil {
		h.internalError(c, "begin login failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": opts})
}

func (h *AuthHandler) LoginFinish(c *gin.Context) {
	body, ok := ceremonyBody(c)
	if !ok {
		return
	}

	issued, err := h.Gateway.FinishLogin(c.Request.Context(), body, c.ClientIP())
	h.observe("login", err)
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	case err != nil:
		h.internalError(c, "finish login failed", err)
		return
	}

	h.setSessionCookie(c, issued)
	c.JSON(http.StatusOK, gin.H{"success": true, "user_id": issued.Session.UserID, "username": issued.Session.Username})
}

func (h *AuthHandler) Recovery(c *gin.Context) {
	var body recoveryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	issued, err := h.Gateway.RedeemRecoveryCode(c.Request.Context(), body.Username, body.Code, c.ClientIP())
	h.observe("recovery", err)
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	case err != nil:
		h.internalError(c, "recovery failed", err)
		return
	}

	h.setSessionCookie(c, issued)
	c.JSON(http.StatusOK, gin.H{"success": true, "user_id": issued.Session.UserID, "username": issued.Session.Username})
}

// Logout revokes the cookie's session, closes the streams it opened and
// clears the cookie. Calling it without a session is fine.
func (h *AuthHandler) Logout(c *gin.Context) {
	token, _ := c.Cookie(h.Cookie.Name)
	if err := h.Gateway.Logout(c.Request.Context(), token, c.ClientIP()); err != nil {
		h.internalError(c, "logout failed", err)
		return
	}
	if sess, ok := middleware.SessionFromContext(c); ok && h.Streams != nil {
		h.Streams.CloseSession(sess.UserID, sess.ID)
	}
	h.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *AuthHandler) Me(c *gin.Context) {
	sess, ok := middleware.SessionFromContext(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"user_id":       sess.UserID,
		"username":      sess.Username,
	})
}

type profileBody struct {
	DisplayName string `json:"display_name"`
}

// UpdateProfile changes the signed-in user's display name.
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
		return
	}
	var body profileBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	user, err := h.Gateway.UpdateDisplayName(c.Request.Context(), userID, body.DisplayName)
	switch {
	case errors.Is(err, auth.ErrInvalidDisplayName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid display name"})
		return
	case errors.Is(err, auth.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
		return
	case err != nil:
		h.internalError(c, "update profile failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user.ID, "username": user.Username, "display_name": user.DisplayName})
}

// LogoutAll revokes every session of the signed-in user and closes all of
// their streams.
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
		return
	}
	if err := h.Gateway.LogoutEverywhere(c.Request.Context(), userID, c.ClientIP()); err != nil {
		h.internalError(c, "logout everywhere failed", err)
		return
	}
	if h.Streams != nil {
		h.Streams.CloseUser(userID)
	}
	h.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *AuthHandler) RecoveryCodesStatus(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
		return
	}
	n, err := h.Gateway.RecoveryCodesRemaining(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, "count recovery codes failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"remaining": n})
}

// RecoveryCodesRegenerate replaces the user's recovery codes and returns the
// new plaintext once.
func (h *AuthHandler) RecoveryCodesRegenerate(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
		return
	}
	codes, err := h.Gateway.RegenerateRecoveryCodes(c.Request.Context(), userID, c.ClientIP())
	if err != nil {
		h.internalError(c, "regenerate recovery codes failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovery_codes": codes})
}

func (h *AuthHandler) CredentialsBegin(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
		return
	}
	opts, err := h.Gateway.BeginAddCredential(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, "begin add credential failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": opts})
}

func (h *AuthHandler) CredentialsFinish(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
		return
	}
	body, ok := ceremonyBody(c)
	if !ok {
		return
	}

	cred, err := h.Gateway.FinishAddCredential(c.Request.Context(), userID, body, c.ClientIP())
	h.observe("add_credential", err)
	switch {
	case isCeremonyFailure(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Registration failed"})
		return
	case err != nil:
		h.internalError(c, "finish add credential failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credential": credentialJSON(cred), "is_first_passkey": false})
}

func (h *AuthHandler) CredentialsList(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
		return
	}
	creds, err := h.Gateway.ListCredentials(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, "list credentials failed", err)
		return
	}
	out := make([]gin.H, 0, len(creds))
	for _, cred := range creds {
		out = append(out, credentialJSON(cred))
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

func (h *AuthHandler) CredentialsDelete(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
		return
	}
	err := h.Gateway.RemoveCredential(c.Request.Context(), userID, c.Param("id"), c.ClientIP())
	switch {
	case errors.Is(err, auth.ErrLastCredential):
		c.JSON(http.StatusConflict, gin.H{"error": "Cannot remove the last passkey"})
		return
	case errors.Is(err, auth.ErrCredentialNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	case err != nil:
		h.internalError(c, "remove credential failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func isCeremonyFailure(err error) bool {
	return errors.Is(err, auth.ErrChallengeExpired) ||
		errors.Is(err, auth.ErrInvalidResponse) ||
		errors.Is(err, auth.ErrChallengeMismatch) ||
		errors.Is(err, auth.ErrSignatureInvalid) ||
		errors.Is(err, auth.ErrUnauthorized)
}

func credentialJSON(cred model.Credential) gin.H {
	return gin.H{
		"id":           cred.ID,
		"label":        cred.Label,
		"created_at":   cred.CreatedAt,
		"last_used_at": cred.LastUsedAt,
	}
}
