package proxy

import (
	"net/http"
	"strings"
)

const (
	HeaderUserID        = "X-Sandbox-User-Id"
	HeaderRole          = "X-Sandbox-Role"
	HeaderAuthenticated = "X-Sandbox-Authenticated"
	HeaderRequestID     = "X-Request-Id"

	identityHeaderPrefix = "X-Sandbox-"
)

// sanitize removes gateway credentials and any client-supplied identity
// headers, then stamps the identity the gateway vouches for.
func sanitize(h http.Header, sessionCookie string, t Target) {
	h.Del("Authorization")
	h.Del("Proxy-Authorization")
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), identityHeaderPrefix) {
			delete(h, name)
		}
	}
	stripCookie(h, sessionCookie)

	h.Set(HeaderUserID, t.UserID)
	h.Set(HeaderRole, string(t.Role))
	h.Set(HeaderAuthenticated, "true")
	if t.RequestID != "" {
		h.Set(HeaderRequestID, t.RequestID)
	}
}

func stripCookie(h http.Header, name string) {
	if name == "" || len(h.Values("Cookie")) == 0 {
		return
	}
	cookies := (&http.Request{Header: h}).Cookies()
	kept := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name != name {
			kept = append(kept, c.Name+"="+c.Value)
		}
	}
	h.Del("Cookie")
	if len(kept) > 0 {
		h.Set("Cookie", strings.Join(kept, "; "))
	}
}

// dropSessionCookie removes any Set-Cookie from the sandbox that would
// overwrite the gateway session cookie.
func dropSessionCookie(h http.Header, name string) {
	values := h.Values("Set-Cookie")
	if name == "" || len(values) == 0 {
		return
	}
	kept := values[:0:0]
	for _, v := range values {
		if c, err := http.ParseSetCookie(v); err == nil && c.Name == name {
			continue
		}
		kept = append(kept, v)
	}
	h.Del("Set-Cookie")
	for _, v := range kept {
		h.Add("Set-Cookie", v)
	}
}
