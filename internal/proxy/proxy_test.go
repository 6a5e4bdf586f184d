package proxy_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-hypervisor/internal/hub"
	"sandbox-hypervisor/internal/proxy"
	"sandbox-hypervisor/internal/sandbox"
	"sandbox-hypervisor/internal/sandbox/sandboxtest"
)

const cookieName = "sbx_session"

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) Proxied(kind, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, kind+":"+outcome)
}

func (o *recordingObserver) all() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.outcomes...)
}

type fixture struct {
	sup      *sandbox.Supervisor
	launcher *sandboxtest.Launcher
	streams  *hub.Hub
	observer *recordingObserver
	server   *httptest.Server
}

func newFixture(t *testing.T, handler http.Handler, mutate func(*proxy.Config)) *fixture {
	t.Helper()
	min, max, err := sandboxtest.PortRange(20)
	require.NoError(t, err)
	cfg := sandbox.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "sandboxes")
	cfg.PortMin, cfg.PortMax = min, max
	cfg.ReadyTimeout = 2 * time.Second
	cfg.ReadyPoll = 10 * time.Millisecond
	cfg.StopGrace = 100 * time.Millisecond
	cfg.RestartBackoff = 2 * time.Second

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := &sandboxtest.Launcher{Handler: handler}
	sup, err := sandbox.New(cfg, l, sandbox.NewReadyCheck("/health"), logger)
	require.NoError(t, err)

	pcfg := proxy.Config{SessionCookie: cookieName, TouchInterval: 50 * time.Millisecond}
	if mutate != nil {
		mutate(&pcfg)
	}
	streams := hub.New()
	obs := &recordingObserver{}
	p := proxy.New(pcfg, sup, streams, logger, obs)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Forward(w, r, proxy.Identity{
			UserID:    r.Header.Get("Test-User"),
			SessionID: "sess-1",
			RequestID: "req-1",
		})
	}))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return &fixture{sup: sup, launcher: l, streams: streams, observer: obs, server: srv}
}

func (f *fixture) get(t *testing.T, user, path string, mutate func(*http.Request)) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Test-User", user)
	if mutate != nil {
		mutate(req)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeEcho(t *testing.T, resp *http.Response) sandboxtest.EchoResponse {
	t.Helper()
	var echo sandboxtest.EchoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&echo))
	return echo
}

func TestRoute(t *testing.T) {
	cases := []struct {
		path string
		role sandbox.Role
		want string
	}{
		{"/", sandbox.RoleLive, "/"},
		{"/api/items", sandbox.RoleLive, "/api/items"},
		{"/dev", sandbox.RoleDev, "/"},
		{"/dev/", sandbox.RoleDev, "/"},
		{"/dev/api/items", sandbox.RoleDev, "/api/items"},
		{"/developer", sandbox.RoleLive, "/developer"},
	}
	for _, tc := range cases {
		role, path := proxy.Route(tc.path)
		assert.Equal(t, tc.role, role, tc.path)
		assert.Equal(t, tc.want, path, tc.path)
	}
}

func TestForward_StampsIdentityAndStripsCredentials(t *testing.T) {
	f := newFixture(t, nil, nil)

	resp := f.get(t, "alice", "/api/items?page=2", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer secret")
		r.Header.Set("X-Sandbox-User-Id", "mallory")
		r.Header.Set("X-Sandbox-Admin", "true")
		r.AddCookie(&http.Cookie{Name: cookieName, Value: "jwt"})
		r.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sandbox", resp.Header.Get("X-Upstream"))

	echo := decodeEcho(t, resp)
	h := http.Header(echo.Headers)
	assert.Equal(t, "/api/items", echo.Path)
	assert.Equal(t, "page=2", echo.Query)
	assert.Equal(t, "alice", h.Get(proxy.HeaderUserID))
	assert.Equal(t, "live", h.Get(proxy.HeaderRole))
	assert.Equal(t, "true", h.Get(proxy.HeaderAuthenticated))
	assert.Equal(t, "req-1", h.Get(proxy.HeaderRequestID))
	assert.Empty(t, h.Get("Authorization"))
	assert.Empty(t, h.Get("X-Sandbox-Admin"))
	assert.Equal(t, "theme=dark", h.Get("Cookie"))
	assert.NotEmpty(t, h.Get("X-Forwarded-For"))

	snap, ok := f.sup.Get("alice", sandbox.RoleLive)
	require.True(t, ok)
	assert.Equal(t, sandbox.StatusRunning, snap.Status)
	assert.Zero(t, snap.Leases, "lease must be released once the response is done")
}

func TestForward_DevPrefixGoesToDevSandbox(t *testing.T) {
	f := newFixture(t, nil, nil)

	echo := decodeEcho(t, f.get(t, "alice", "/dev/api/items", nil))
	assert.Equal(t, "/api/items", echo.Path)
	assert.Equal(t, "dev", http.Header(echo.Headers).Get(proxy.HeaderRole))

	live, _ := f.sup.Get("alice", sandbox.RoleLive)
	dev, _ := f.sup.Get("alice", sandbox.RoleDev)
	assert.NotEqual(t, sandbox.StatusRunning, live.Status)
	assert.Equal(t, sandbox.StatusRunning, dev.Status)
}

func TestForward_UsersAreIsolated(t *testing.T) {
	f := newFixture(t, nil, nil)

	a := decodeEcho(t, f.get(t, "alice", "/", nil))
	b := decodeEcho(t, f.get(t, "bob", "/", nil))
	assert.Equal(t, "alice", http.Header(a.Headers).Get(proxy.HeaderUserID))
	assert.Equal(t, "bob", http.Header(b.Headers).Get(proxy.HeaderUserID))

	sa, _ := f.sup.Get("alice", sandbox.RoleLive)
	sb, _ := f.sup.Get("bob", sandbox.RoleLive)
	assert.NotEqual(t, sa.Port, sb.Port)
}

func TestForward_DropsSessionCookieFromSandbox(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: cookieName, Value: "hijack", Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: "app", Value: "1", Path: "/"})
		w.WriteHeader(http.StatusNoContent)
	})
	f := newFixture(t, handler, nil)

	resp := f.get(t, "alice", "/", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "app", cookies[0].Name)
}

func TestForward_SpawnFailureIs503WithRetryAfter(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.launcher.FailLaunch.Store(true)

	resp := f.get(t, "alice", "/", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	retry, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["error"])
	assert.Contains(t, f.observer.all(), "http:unavailable")
}

func TestForward_UpstreamHangupIs502(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	})
	f := newFixture(t, handler, nil)

	resp := f.get(t, "alice", "/", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, f.observer.all(), "http:unreachable")
}

func TestForward_SlowUpstreamIs504(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	f := newFixture(t, handler, func(c *proxy.Config) { c.UpstreamTimeout = 100 * time.Millisecond })

	resp := f.get(t, "alice", "/", nil)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Contains(t, f.observer.all(), "http:timeout")
}

func TestForward_StreamsResponses(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 3; i++ {
			_, _ = io.WriteString(w, "data: "+strconv.Itoa(i)+"\n\n")
			w.(http.Flusher).Flush()
		}
	})
	f := newFixture(t, handler, nil)

	resp := f.get(t, "alice", "/events", nil)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(body), "data: "))
}

var sandboxUpgrader = websocket.Upgrader{
	Subprotocols: []string{"chat"},
	CheckOrigin:  func(*http.Request) bool { return true },
}

// wsEcho upgrades on /ws and echoes frames prefixed with the user id the
// gateway vouched for.
func wsEcho() http.Handler {
	echo := sandboxtest.Echo()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			echo.ServeHTTP(w, r)
			return
		}
		user := r.Header.Get(proxy.HeaderUserID)
		conn, err := sandboxUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte(user+":"), data...)); err != nil {
				return
			}
		}
	})
}

func dialWS(t *testing.T, f *fixture, user, path string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Test-User", user)
	dialer := websocket.Dialer{Subprotocols: []string{"chat"}, HandshakeTimeout: 5 * time.Second}
	return dialer.Dial("ws"+strings.TrimPrefix(f.server.URL, "http")+path, header)
}

func TestWebSocket_SplicesFramesBothWays(t *testing.T) {
	f := newFixture(t, wsEcho(), nil)

	conn, resp, err := dialWS(t, f, "alice", "/ws", http.Header{"X-Sandbox-User-Id": {"mallory"}})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "chat", resp.Header.Get("Sec-Websocket-Protocol"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "alice:hello", string(data))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, append([]byte("alice:"), 1, 2, 3), data)

	require.Eventually(t, func() bool { return f.streams.Count("alice") == 1 }, time.Second, 10*time.Millisecond)
	snap, _ := f.sup.Get("alice", sandbox.RoleLive)
	assert.Equal(t, 1, snap.Leases, "an open stream holds its lease")
}

func TestWebSocket_ClosedWhenSessionEnds(t *testing.T) {
	f := newFixture(t, wsEcho(), nil)

	conn, _, err := dialWS(t, f, "alice", "/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.streams.Count("alice") == 1 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, f.streams.CloseSession("alice", "sess-1"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool {
		snap, _ := f.sup.Get("alice", sandbox.RoleLive)
		return snap.Leases == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_ClientCloseReachesSandbox(t *testing.T) {
	closed := make(chan int, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := sandboxUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, err = conn.ReadMessage()
		if ce, ok := err.(*websocket.CloseError); ok {
			closed <- ce.Code
		}
	})
	f := newFixture(t, handler, nil)

	conn, _, err := dialWS(t, f, "alice", "/ws", nil)
	require.NoError(t, err)
	msg := websocket.FormatCloseMessage(4001, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	defer conn.Close()

	select {
	case code := <-closed:
		assert.Equal(t, 4001, code)
	case <-time.After(2 * time.Second):
		t.Fatal("sandbox never saw the close frame")
	}
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, wsEcho(), func(c *proxy.Config) { c.AllowedOrigins = []string{"https://app.example.com"} })

	_, resp, err := dialWS(t, f, "alice", "/ws", http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dialWS(t, f, "alice", "/ws", http.Header{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestWebSocket_UpstreamRefusesUpgrade(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, resp, err := dialWS(t, f, "alice", "/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
