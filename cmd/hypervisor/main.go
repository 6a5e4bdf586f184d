package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"sandbox-hypervisor/internal/auth"
	"sandbox-hypervisor/internal/config"
	"sandbox-hypervisor/internal/handler"
	"sandbox-hypervisor/internal/hub"
	"sandbox-hypervisor/internal/logging"
	"sandbox-hypervisor/internal/obs"
	"sandbox-hypervisor/internal/proxy"
	"sandbox-hypervisor/internal/sandbox"
	"sandbox-hypervisor/internal/server"
	"sandbox-hypervisor/internal/store"
)

const drainTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var envFile string
	var port int

	flagSet := pflag.NewFlagSet("hypervisor", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "optional dotenv file; process environment wins")
	flagSet.IntVar(&port, "port", 0, "listen port (overrides HYPERVISOR_PORT)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	env, err := config.FileEnv(envFile)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfigFromEnv(env)
	if err != nil {
		return err
	}
	if port != 0 {
		if port > 65535 || (cfg.SandboxPortMin <= port && port <= cfg.SandboxPortMax) {
			return fmt.Errorf("invalid --port %d", port)
		}
		cfg.Port = port
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Options{Path: cfg.DatabasePath})
	if err != nil {
		return err
	}
	defer st.Close()

	gateway, err := auth.NewGateway(st, auth.Config{
		RP:           auth.RelyingParty{ID: cfg.RPID, Name: cfg.RPName, Origin: cfg.RPOrigin},
		ChallengeTTL: cfg.ChallengeTTL,
		SessionTTL:   cfg.SessionTTL,
		MasterSecret: cfg.MasterSecret,
		Argon2: auth.Argon2Params{
			MemoryKiB: cfg.Argon2MemoryKiB,
			Time:      cfg.Argon2Time,
			Threads:   cfg.Argon2Threads,
		},
	}, logger.With("component", "auth"), nil)
	if err != nil {
		return err
	}

	metrics := obs.New()
	launcher := sandbox.ExecLauncher{Binary: cfg.SandboxBinary, Args: cfg.SandboxArgs, LogDir: cfg.SandboxLogDir}
	supCfg := sandbox.DefaultConfig()
	supCfg.DataDir = cfg.SandboxDataDir
	supCfg.PortMin, supCfg.PortMax = cfg.SandboxPortMin, cfg.SandboxPortMax
	supCfg.IdleTimeout = cfg.IdleTimeout
	supCfg.ReapInterval = cfg.ReapInterval
	supCfg.ReadyTimeout = cfg.ReadyTimeout
	supCfg.ReadyPoll = cfg.ReadyPoll
	supCfg.StopGrace = cfg.StopGrace
	supCfg.MaxRestarts = cfg.MaxRestarts
	supCfg.RestartBackoff = cfg.RestartBackoff
	supCfg.RestartBackoffMax = cfg.RestartBackoffMax

	sup, err := sandbox.New(supCfg, launcher, sandbox.NewReadyCheck(cfg.HealthPath),
		logger.With("component", "supervisor"), sandbox.WithObserver(metrics))
	if err != nil {
		return err
	}
	metrics.WatchSandboxes(sup.List)
	go sup.Run(ctx)
	go purgeSessions(ctx, gateway, cfg.SessionPurgePeriod, logger)

	streams := hub.New()
	px := proxy.New(proxy.Config{
		SessionCookie:   cfg.SessionCookieName,
		UpstreamTimeout: cfg.UpstreamTimeout,
		AllowedOrigins:  cfg.AllowedOrigins,
	}, sup, streams, logger.With("component", "proxy"), metrics)

	upstreams := make(map[string]proxy.ProviderUpstream, len(cfg.ProviderUpstreams))
	for _, u := range cfg.ProviderUpstreams {
		upstreams[u.Name] = proxy.ProviderUpstream{BaseURL: u.BaseURL, APIKey: u.APIKey}
	}
	providers := proxy.NewProviderGateway(proxy.ProviderConfig{
		Token:           cfg.ProviderToken,
		Upstreams:       upstreams,
		UpstreamTimeout: cfg.UpstreamTimeout,
	}, logger, metrics)

	router := server.NewRouter(server.Deps{
		Gateway:    gateway,
		Supervisor: sup,
		Proxy:      px,
		Providers:  providers,
		Users:      st,
		Streams:    streams,
		Metrics:    metrics,
		DB:         st,
		Logger:     logger,
		Cookie: handler.CookieConfig{
			Name:   cfg.SessionCookieName,
			Secure: cfg.SessionCookieSecure,
			TTL:    cfg.SessionTTL,
		},
		FrontendDist:  cfg.FrontendDist,
		AuthRateLimit: cfg.AuthRateLimit,
	})

	serveErr := server.Run(ctx, cfg, router, logger, drainTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), supCfg.StopGrace+drainTimeout)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Error("sandbox shutdown incomplete", "error", err)
	}
	logger.Info("stopped")
	return serveErr
}

func purgeSessions(ctx context.Context, gateway *auth.Gateway, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := gateway.PurgeExpiredSessions(ctx)
			if err != nil {
				logger.Warn("session purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired sessions purged", "count", n)
			}
		}
	}
}
