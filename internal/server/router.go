package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"sandbox-hypervisor/internal/auth"
	"sandbox-hypervisor/internal/handler"
	"sandbox-hypervisor/internal/hub"
	"sandbox-hypervisor/internal/logging"
	"sandbox-hypervisor/internal/middleware"
	"sandbox-hypervisor/internal/obs"
	"sandbox-hypervisor/internal/proxy"
	"sandbox-hypervisor/internal/sandbox"
)

type Deps struct {
	Gateway    *auth.Gateway
	Supervisor *sandbox.Supervisor
	Proxy      *proxy.Proxy
	Providers  *proxy.ProviderGateway
	Users      handler.UserLookup
	Streams    *hub.Hub
	Metrics    *obs.Metrics
	DB         handler.Pinger
	Logger     *slog.Logger

	Cookie        handler.CookieConfig
	FrontendDist  string
	AuthRateLimit int
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Streams == nil {
		deps.Streams = hub.New()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(logging.RequestLogger(deps.Logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Instrument())
	}
	r.Use(middleware.LoadSession(deps.Gateway, deps.Cookie.Name))

	health := &handler.HealthHandler{DB: deps.DB}
	r.GET("/health", health.Health)

	pages := &handler.PageHandler{FrontendDist: deps.FrontendDist}
	r.GET("/login", pages.Serve("login"))
	r.GET("/register", pages.Serve("register"))
	r.GET("/recovery", pages.Serve("recovery"))
	if dir := pages.AssetsDir(); dir != "" {
		r.Static("/assets", dir)
	}
	if dir := pages.WasmDir(); dir != "" {
		r.Static("/wasm", dir)
	}

	var ceremonies handler.CeremonyObserver
	if deps.Metrics != nil {
		ceremonies = deps.Metrics
	}
	authHandler := &handler.AuthHandler{
		Gateway:    deps.Gateway,
		Streams:    deps.Streams,
		Cookie:     deps.Cookie,
		Ceremonies: ceremonies,
		Logger:     deps.Logger.With("component", "auth_http"),
	}

	limit := deps.AuthRateLimit
	if limit <= 0 {
		limit = 30
	}
	authLimiter := middleware.RateLimitMiddleware(middleware.NewRateLimiter(limit, time.Minute))

	anon := r.Group("/auth")
	anon.POST("/register/begin", authLimiter, authHandler.RegisterBegin)
	anon.POST("/register/finish", authLimiter, authHandler.RegisterFinish)
	anon.POST("/login/begin", authLimiter, authHandler.LoginBegin)
	anon.POST("/login/finish", authLimiter, authHandler.LoginFinish)
	anon.POST("/recovery", authLimiter, authHandler.Recovery)
	anon.POST("/logout", authHandler.Logout)
	anon.GET("/me", authHandler.Me)
	anon.PATCH("/me", authHandler.UpdateProfile)
	anon.POST("/logout-all", authHandler.LogoutAll)
	anon.GET("/recovery-codes", authHandler.RecoveryCodesStatus)
	anon.POST("/recovery-codes", authLimiter, authHandler.RecoveryCodesRegenerate)

	anon.POST("/credentials/begin", authHandler.CredentialsBegin)
	anon.POST("/credentials/finish", authHandler.CredentialsFinish)
	anon.GET("/credentials", authHandler.CredentialsList)
	anon.DELETE("/credentials/:id", authHandler.CredentialsDelete)

	admin := r.Group("/admin")
	admin.Use(middleware.RequireSession())
	adminHandler := &handler.AdminHandler{
		Supervisor: deps.Supervisor,
		Streams:    deps.Streams,
		Users:      deps.Users,
		Logger:     deps.Logger.With("component", "admin"),
	}
	admin.GET("/sandboxes", adminHandler.List)
	admin.POST("/sandboxes/:user_id/:role/start", adminHandler.Start)
	admin.POST("/sandboxes/:user_id/:role/stop", adminHandler.Stop)
	admin.POST("/sandboxes/:user_id/:role/reset", adminHandler.Reset)
	admin.POST("/sandboxes/:user_id/swap", adminHandler.Swap)
	if deps.Metrics != nil {
		admin.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	providerHandler := &handler.ProviderHandler{Gateway: deps.Providers}
	r.Any("/provider/v1/:provider/*rest", providerHandler.Forward)

	proxyHandler := &handler.ProxyHandler{Proxy: deps.Proxy}
	r.NoRoute(proxyHandler.Forward)

	return r
}
