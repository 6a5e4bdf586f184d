package proxy

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// ProviderUpstream is one model provider sandboxes may reach through the
// gateway. APIKey replaces whatever credential the sandbox sent.
type ProviderUpstream struct {
	BaseURL *url.URL
	APIKey  string
}

type ProviderConfig struct {
	// Token is the bearer sandboxes present. Empty disables the gateway.
	Token           string
	Upstreams       map[string]ProviderUpstream
	UpstreamTimeout time.Duration
}

// ProviderGateway relays /provider/v1/{provider}/... to an allowlisted
// upstream so sandboxes never hold provider API keys.
type ProviderGateway struct {
	cfg      ProviderConfig
	logger   *slog.Logger
	observer Observer
	reverse  *httputil.ReverseProxy
}

func NewProviderGateway(cfg ProviderConfig, logger *slog.Logger, observer Observer) *ProviderGateway {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = noopObserver{}
	}
	g := &ProviderGateway{
		cfg:      cfg,
		logger:   logger.With("component", "provider_gateway"),
		observer: observer,
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	g.reverse = &httputil.ReverseProxy{
		Rewrite: g.rewrite,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.UpstreamTimeout,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		},
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Del("Set-Cookie")
			return nil
		},
		ErrorHandler: g.errorHandler,
	}
	return g
}

// Forward checks the sandbox's bearer token and relays r to provider with
// rest as the upstream path below the provider's base URL.
func (g *ProviderGateway) Forward(w http.ResponseWriter, r *http.Request, provider, rest string) {
	if g.cfg.Token == "" {
		writeError(w, http.StatusServiceUnavailable, "Provider gateway not configured")
		return
	}
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(g.cfg.Token)) != 1 {
		g.observer.Proxied("provider", "unauthorized")
		writeError(w, http.StatusUnauthorized, "Invalid provider gateway token")
		return
	}
	upstream, ok := g.cfg.Upstreams[provider]
	if !ok || upstream.BaseURL == nil {
		g.logger.Warn("provider not in allowlist", "provider", provider)
		g.observer.Proxied("provider", "forbidden")
		writeError(w, http.StatusForbidden, "Provider not allowed")
		return
	}
	if upstream.APIKey == "" {
		writeError(w, http.StatusServiceUnavailable, "Provider API key missing")
		return
	}

	out := r.Clone(context.WithValue(r.Context(), providerKey{}, upstream))
	out.URL.Path = "/" + strings.TrimPrefix(rest, "/")
	out.URL.RawPath = ""

	rec := &outcomeRecorder{ResponseWriter: w}
	g.reverse.ServeHTTP(rec, out)
	if rec.outcome == "" {
		rec.outcome = "ok"
	}
	g.observer.Proxied("provider", rec.outcome)
}

func (g *ProviderGateway) rewrite(pr *httputil.ProxyRequest) {
	upstream, _ := pr.In.Context().Value(providerKey{}).(ProviderUpstream)
	pr.SetURL(upstream.BaseURL)
	pr.Out.URL.RawQuery = pr.In.URL.RawQuery

	h := pr.Out.Header
	h.Del("Cookie")
	h.Del("Proxy-Authorization")
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), identityHeaderPrefix) {
			delete(h, name)
		}
	}
	h.Set("Authorization", "Bearer "+upstream.APIKey)
}

func (g *ProviderGateway) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	rec, _ := w.(*outcomeRecorder)
	upstream, _ := r.Context().Value(providerKey{}).(ProviderUpstream)
	log := g.logger.With("upstream", upstream.BaseURL.Host)

	switch classify(r.Context(), err) {
	case nil:
		if rec != nil {
			rec.outcome = "canceled"
		}
	case ErrUpstreamTimeout:
		if rec != nil {
			rec.outcome = "timeout"
		}
		log.Warn("provider timed out", "error", err)
		writeError(w, http.StatusGatewayTimeout, "Provider did not respond in time")
	default:
		if rec != nil {
			rec.outcome = "unreachable"
		}
		log.Warn("provider request failed", "error", err)
		writeError(w, http.StatusBadGateway, "Provider upstream request failed")
	}
}

type providerKey struct{}
