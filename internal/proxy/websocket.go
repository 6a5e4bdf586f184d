package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"sandbox-hypervisor/internal/hub"
	"sandbox-hypervisor/internal/sandbox"
)

const writeWait = 10 * time.Second

// Headers the websocket dialer sets itself; gorilla refuses duplicates.
var handshakeHeaders = []string{
	"Upgrade",
	"Connection",
	"Host",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

func (p *Proxy) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range p.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

// serveWebSocket dials the sandbox first so a failed upstream is reported
// as a normal HTTP error, then upgrades the client and splices frames in
// both directions until either side goes away.
func (p *Proxy) serveWebSocket(w http.ResponseWriter, r *http.Request, t Target, id Identity, lease *sandbox.Lease) {
	log := p.logger.With("user_id", t.UserID, "role", t.Role, "port", t.Port, "request_id", t.RequestID)

	if !p.checkOrigin(r) {
		p.observer.Proxied("websocket", "forbidden")
		writeError(w, http.StatusForbidden, "Origin not allowed")
		return
	}

	header := r.Header.Clone()
	for _, h := range handshakeHeaders {
		header.Del(h)
	}
	sanitize(header, p.cfg.SessionCookie, t)

	upstreamURL := url.URL{Scheme: "ws", Host: loopback(t.Port), Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	dialer := p.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)

	upstream, resp, err := dialer.DialContext(r.Context(), upstreamURL.String(), header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		if r.Context().Err() != nil {
			p.observer.Proxied("websocket", "canceled")
			return
		}
		switch classify(r.Context(), err) {
		case ErrUpstreamTimeout:
			log.Warn("websocket upstream timed out", "error", err)
			p.observer.Proxied("websocket", "timeout")
			writeError(w, http.StatusGatewayTimeout, "Sandbox did not respond in time")
		default:
			log.Warn("websocket upstream unreachable", "error", err)
			p.observer.Proxied("websocket", "unreachable")
			writeError(w, http.StatusBadGateway, "Sandbox unreachable")
		}
		return
	}

	respHeader := http.Header{}
	if proto := upstream.Subprotocol(); proto != "" {
		respHeader.Set("Sec-Websocket-Protocol", proto)
	}
	client, err := p.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade has already written the HTTP error.
		_ = upstream.Close()
		p.observer.Proxied("websocket", "rejected")
		return
	}

	stream := &splice{client: client, upstream: upstream}
	conn := &hub.Connection{UserID: id.UserID, SessionID: id.SessionID, Role: string(t.Role), Conn: stream}
	p.streams.Register(conn)
	defer p.streams.Unregister(conn)

	log.Debug("websocket opened")
	err = stream.run(r.Context(), lease, p.cfg.TouchInterval)
	log.Debug("websocket closed", "reason", err)
	p.observer.Proxied("websocket", "ok")
}

type splice struct {
	client   *websocket.Conn
	upstream *websocket.Conn
	once     sync.Once
}

// Close tears down both legs. Safe to call from any goroutine.
func (s *splice) Close() error {
	s.once.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = s.client.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.client.Close()
		_ = s.upstream.Close()
	})
	return nil
}

func (s *splice) run(ctx context.Context, lease *sandbox.Lease, touchEvery time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pump(s.upstream, s.client, lease.Touch) })
	g.Go(func() error { return pump(s.client, s.upstream, lease.Touch) })
	g.Go(func() error {
		ticker := time.NewTicker(touchEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				lease.Touch()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = s.client.Close()
		_ = s.upstream.Close()
		return nil
	})

	return g.Wait()
}

// pump copies frames from src to dst until src fails, forwarding the close
// frame so each end sees the other's close code.
func pump(dst, src *websocket.Conn, touch func()) error {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			_ = dst.WriteControl(websocket.CloseMessage, closeFrameFor(err), time.Now().Add(writeWait))
			return err
		}
		touch()
		_ = dst.SetWriteDeadline(time.Now().Add(writeWait))
		if err := dst.WriteMessage(mt, data); err != nil {
			return err
		}
	}
}

func closeFrameFor(err error) []byte {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	}
	switch ce.Code {
	case websocket.CloseNoStatusReceived:
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	}
	return websocket.FormatCloseMessage(ce.Code, ce.Text)
}
