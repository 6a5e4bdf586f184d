package sandbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ReadyCheck makes one readiness check against a sandbox port.
type ReadyCheck interface {
	Check(ctx context.Context, port int) error
}

// NewReadyCheck returns an HTTP check for healthPath, or a TCP connect check
// when healthPath is empty.
func NewReadyCheck(healthPath string) ReadyCheck {
	if healthPath == "" {
		return TCPReadyCheck{}
	}
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	return HTTPReadyCheck{Path: healthPath, Client: &http.Client{Timeout: 2 * time.Second}}
}

type TCPReadyCheck struct{}

func (TCPReadyCheck) Check(ctx context.Context, port int) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", loopbackAddr(port))
	if err != nil {
		return err
	}
	return conn.Close()
}

// HTTPReadyCheck expects a 2xx from GET Path.
type HTTPReadyCheck struct {
	Path   string
	Client *http.Client
}

func (p HTTPReadyCheck) Check(ctx context.Context, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+loopbackAddr(port)+p.Path, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func loopbackAddr(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}
