// Package proxy forwards authenticated traffic, plain HTTP and websocket
// upgrades, into the caller's sandbox.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"sandbox-hypervisor/internal/hub"
	"sandbox-hypervisor/internal/sandbox"
)

var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
)

const devPrefix = "/dev"

// Supervisor hands out leased, running sandboxes.
type Supervisor interface {
	Acquire(ctx context.Context, userID string, role sandbox.Role) (*sandbox.Lease, error)
}

// Observer is told how each forward ended.
type Observer interface {
	Proxied(kind, outcome string)
}

type noopObserver struct{}

func (noopObserver) Proxied(string, string) {}

// Identity is the authenticated caller as established by the session layer.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
	RequestID string
}

// Target is where a single request is forwarded to.
type Target struct {
	UserID    string
	Role      sandbox.Role
	Port      int
	RequestID string
}

type Config struct {
	SessionCookie   string
	UpstreamTimeout time.Duration
	DialTimeout     time.Duration
	// TouchInterval is how often an open stream refreshes sandbox activity
	// even when no messages flow.
	TouchInterval time.Duration
	// AllowedOrigins are accepted on websocket upgrades in addition to the
	// request's own host.
	AllowedOrigins []string
}

type Proxy struct {
	cfg        Config
	supervisor Supervisor
	streams    *hub.Hub
	logger     *slog.Logger
	observer   Observer
	reverse    *httputil.ReverseProxy
	upgrader   websocket.Upgrader
	dialer     websocket.Dialer
}

func New(cfg Config, supervisor Supervisor, streams *hub.Hub, logger *slog.Logger, observer Observer) *Proxy {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 2 * time.Minute
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = noopObserver{}
	}
	if streams == nil {
		streams = hub.New()
	}

	p := &Proxy{
		cfg:        cfg,
		supervisor: supervisor,
		streams:    streams,
		logger:     logger.With("component", "proxy"),
		observer:   observer,
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: cfg.UpstreamTimeout,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	p.reverse = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		Transport:      transport,
		FlushInterval:  -1,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.errorHandler,
	}
	p.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      p.checkOrigin,
	}
	p.dialer = websocket.Dialer{
		NetDialContext:   dialer.DialContext,
		HandshakeTimeout: cfg.DialTimeout,
	}
	return p
}

// Route picks the sandbox role for path and the path the sandbox sees.
// "/dev" and "/dev/..." go to the dev sandbox with the prefix removed.
func Route(path string) (sandbox.Role, string) {
	if path == devPrefix {
		return sandbox.RoleDev, "/"
	}
	if strings.HasPrefix(path, devPrefix+"/") {
		return sandbox.RoleDev, strings.TrimPrefix(path, devPrefix)
	}
	return sandbox.RoleLive, path
}

// Forward serves one request from the caller's sandbox, starting the
// sandbox if needed. The lease it holds keeps the sandbox from being
// reaped until the response, or the stream, is finished.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, id Identity) {
	role, path := Route(r.URL.Path)
	kind := "http"
	if websocket.IsWebSocketUpgrade(r) {
		kind = "websocket"
	}

	lease, err := p.supervisor.Acquire(r.Context(), id.UserID, role)
	if err != nil {
		if r.Context().Err() != nil {
			p.observer.Proxied(kind, "canceled")
			return
		}
		p.logger.Error("sandbox unavailable", "user_id", id.UserID, "role", role, "request_id", id.RequestID, "error", err)
		p.observer.Proxied(kind, "unavailable")
		writeUnavailable(w, err)
		return
	}
	defer lease.Release()

	target := Target{UserID: id.UserID, Role: role, Port: lease.Port, RequestID: id.RequestID}
	out := r.Clone(withTarget(r.Context(), target))
	out.URL.Path = path
	out.URL.RawPath = ""

	if kind == "websocket" {
		p.serveWebSocket(w, out, target, id, lease)
		return
	}

	rec := &outcomeRecorder{ResponseWriter: w}
	p.reverse.ServeHTTP(rec, out)
	if rec.outcome == "" {
		rec.outcome = "ok"
	}
	p.observer.Proxied(kind, rec.outcome)
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	t, _ := targetFrom(pr.In.Context())
	pr.SetURL(&url.URL{Scheme: "http", Host: loopback(t.Port)})
	pr.Out.URL.Path = pr.In.URL.Path
	pr.Out.URL.RawPath = ""
	pr.Out.URL.RawQuery = pr.In.URL.RawQuery
	pr.SetXForwarded()
	sanitize(pr.Out.Header, p.cfg.SessionCookie, t)
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	dropSessionCookie(resp.Header, p.cfg.SessionCookie)
	return nil
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	rec, _ := w.(*outcomeRecorder)
	t, _ := targetFrom(r.Context())
	log := p.logger.With("user_id", t.UserID, "role", t.Role, "port", t.Port, "request_id", t.RequestID)

	switch classify(r.Context(), err) {
	case nil:
		if rec != nil {
			rec.outcome = "canceled"
		}
		log.Debug("client went away during forward", "error", err)
	case ErrUpstreamTimeout:
		if rec != nil {
			rec.outcome = "timeout"
		}
		log.Warn("upstream timed out", "error", err)
		writeError(w, http.StatusGatewayTimeout, "Sandbox did not respond in time")
	default:
		if rec != nil {
			rec.outcome = "unreachable"
		}
		log.Warn("upstream unreachable", "error", err)
		writeError(w, http.StatusBadGateway, "Sandbox unreachable")
	}
}

// classify maps a transport error to ErrUpstreamTimeout or
// ErrUpstreamUnreachable, or nil when the client itself went away.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ErrUpstreamTimeout
	}
	return ErrUpstreamUnreachable
}

func writeUnavailable(w http.ResponseWriter, err error) {
	retry := 5
	var backoff *sandbox.BackoffError
	if errors.As(err, &backoff) {
		retry = int(math.Ceil(time.Until(backoff.Until).Seconds()))
		if retry < 1 {
			retry = 1
		}
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusServiceUnavailable, "Sandbox unavailable, try again")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}

func loopback(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

type targetKey struct{}

func withTarget(ctx context.Context, t Target) context.Context {
	return context.WithValue(ctx, targetKey{}, t)
}

func targetFrom(ctx context.Context) (Target, bool) {
	t, ok := ctx.Value(targetKey{}).(Target)
	return t, ok
}

// outcomeRecorder lets the error handler report how a forward ended while
// passing flushes through for streamed responses.
type outcomeRecorder struct {
	http.ResponseWriter
	outcome string
}

func (r *outcomeRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *outcomeRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
