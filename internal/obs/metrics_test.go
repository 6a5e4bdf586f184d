package obs

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"sandbox-hypervisor/internal/sandbox"
)

func TestMetrics_ObserverCounters(t *testing.T) {
	m := New()

	m.SpawnFinished(sandbox.RoleLive, "ok", 120*time.Millisecond)
	m.SpawnFinished(sandbox.RoleLive, "ok", 80*time.Millisecond)
	m.SpawnFinished(sandbox.RoleDev, "timeout", time.Second)
	m.Crashed(sandbox.RoleLive, false)
	m.Crashed(sandbox.RoleLive, true)
	m.Reaped(sandbox.RoleLive)
	m.Proxied("http", "ok")
	m.Ceremony("login", "ok")

	if got := testutil.ToFloat64(m.spawns.WithLabelValues("live", "ok")); got != 2 {
		t.Fatalf("expected 2 live spawns, got %v", got)
	}
	if got := testutil.ToFloat64(m.spawns.WithLabelValues("dev", "timeout")); got != 1 {
		t.Fatalf("expected 1 dev timeout, got %v", got)
	}
	if got := testutil.ToFloat64(m.crashes.WithLabelValues("live", "true")); got != 1 {
		t.Fatalf("expected 1 poisoning crash, got %v", got)
	}
	if got := testutil.ToFloat64(m.reaped.WithLabelValues("live")); got != 1 {
		t.Fatalf("expected 1 reap, got %v", got)
	}
	if got := testutil.ToFloat64(m.proxied.WithLabelValues("http", "ok")); got != 1 {
		t.Fatalf("expected 1 proxied, got %v", got)
	}
	if got := testutil.ToFloat64(m.ceremonies.WithLabelValues("login", "ok")); got != 1 {
		t.Fatalf("expected 1 login, got %v", got)
	}
}

func TestMetrics_SandboxGauge(t *testing.T) {
	m := New()
	m.WatchSandboxes(func() []sandbox.Snapshot {
		return []sandbox.Snapshot{
			{UserID: "a", Role: sandbox.RoleLive, Status: sandbox.StatusRunning},
			{UserID: "b", Role: sandbox.RoleLive, Status: sandbox.StatusRunning},
			{UserID: "a", Role: sandbox.RoleDev, Status: sandbox.StatusPoisoned},
		}
	})

	expected := `
# HELP hypervisor_sandboxes Tracked sandboxes by role and status.
# TYPE hypervisor_sandboxes gauge
hypervisor_sandboxes{role="dev",status="poisoned"} 1
hypervisor_sandboxes{role="live",status="running"} 2
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "hypervisor_sandboxes"); err != nil {
		t.Fatalf("unexpected gauge: %v", err)
	}
}

func TestMetrics_InstrumentAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()

	r := gin.New()
	r.Use(m.Instrument())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.NoRoute(func(c *gin.Context) { c.Status(http.StatusBadGateway) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	for _, path := range []string{"/health", "/some/sandbox/path"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	if !strings.Contains(body, `hypervisor_http_request_duration_seconds_count{method="GET",route="/health",status="200"} 1`) {
		t.Fatalf("missing health series in:\n%s", body)
	}
	if !strings.Contains(body, `route="proxy",status="502"`) {
		t.Fatalf("missing proxy series in:\n%s", body)
	}
}
