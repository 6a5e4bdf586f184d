package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"sandbox-hypervisor/internal/model"
)

type fakeValidator map[string]model.Session

func (f fakeValidator) Validate(_ context.Context, token string) (model.Session, bool) {
	s, ok := f[token]
	return s, ok
}

func newSessionRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	v := fakeValidator{"good": {ID: "s1", UserID: "user-1", Username: "alice", ExpiresAt: time.Now().Add(time.Hour)}}

	r := gin.New()
	r.Use(LoadSession(v, "hv_session"))
	r.GET("/auth/me", func(c *gin.Context) {
		uid, ok := UserIDFromContext(c)
		c.JSON(http.StatusOK, gin.H{"authenticated": ok, "user_id": uid})
	})
	r.GET("/app/*path", RequireSession(), func(c *gin.Context) {
		s, _ := SessionFromContext(c)
		if TokenFromContext(c) != "good" {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, s.Username)
	})
	return r
}

func TestRequireSession_RedirectsWithoutCookie(t *testing.T) {
	r := newSessionRouter()

	for _, cookie := range []string{"", "bad"} {
		req := httptest.NewRequest(http.MethodGet, "/app/anything?x=1", nil)
		if cookie != "" {
			req.AddCookie(&http.Cookie{Name: "hv_session", Value: cookie})
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusSeeOther {
			t.Fatalf("cookie %q: expected 303, got %d", cookie, w.Code)
		}
		if loc := w.Header().Get("Location"); loc != LoginPath {
			t.Fatalf("expected Location %s, got %q", LoginPath, loc)
		}
	}
}

func TestRequireSession_PassesValidSession(t *testing.T) {
	r := newSessionRouter()

	req := httptest.NewRequest(http.MethodGet, "/app/x", nil)
	req.AddCookie(&http.Cookie{Name: "hv_session", Value: "good"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "alice" {
		t.Fatalf("expected 200 alice, got %d %q", w.Code, w.Body.String())
	}
}

func TestLoadSession_OptionalRoute(t *testing.T) {
	r := newSessionRouter()

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := w.Body.String(); body != `{"authenticated":false,"user_id":""}` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestIsPublicPath(t *testing.T) {
	public := []string{"/auth/login/begin", "/auth/me", "/login", "/register", "/recovery", "/health", "/assets/app.js", "/wasm/app_bg.wasm", "/provider/v1/openai/chat/completions"}
	for _, p := range public {
		if !IsPublicPath(p) {
			t.Fatalf("expected %s to be public", p)
		}
	}
	protected := []string{"/", "/api", "/dev/", "/admin/sandboxes", "/loginx", "/authz", "/assets", "/wasm", "/providers"}
	for _, p := range protected {
		if IsPublicPath(p) {
			t.Fatalf("expected %s to be protected", p)
		}
	}
}

func TestRequestID_MintsAndKeeps(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(RequestIDKey)) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	minted := w.Header().Get(RequestIDHeader)
	if minted == "" || w.Body.String() != minted {
		t.Fatalf("expected minted id echoed, got header %q body %q", minted, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, minted)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get(RequestIDHeader) != minted {
		t.Fatalf("expected incoming id kept")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "<script>")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got == "<script>" || got == "" {
		t.Fatalf("expected malformed id replaced, got %q", got)
	}
}
