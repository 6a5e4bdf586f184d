// Package sandboxtest provides an in-process Launcher whose "processes" are
// loopback HTTP servers bound to the allocated port.
package sandboxtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"sandbox-hypervisor/internal/sandbox"
)

var nextPid atomic.Int64

func init() { nextPid.Store(10000) }

// Launcher starts fake sandboxes. Zero value is ready to use.
type Launcher struct {
	// Handler serves everything except /health. Nil means Echo.
	Handler http.Handler
	// ReadyDelay, if set, keeps /health failing for the returned duration.
	ReadyDelay func(spec sandbox.LaunchSpec) time.Duration

	FailLaunch  atomic.Bool
	Unhealthy   atomic.Bool
	ExitOnStart atomic.Bool
	IgnoreTerm  atomic.Bool

	mu    sync.Mutex
	procs []*Process
}

func (l *Launcher) Launch(spec sandbox.LaunchSpec) (sandbox.Process, error) {
	if l.FailLaunch.Load() {
		return nil, errors.New("exec: binary not found")
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", spec.Port))
	if err != nil {
		return nil, err
	}

	var readyAt time.Time
	if l.ReadyDelay != nil {
		readyAt = time.Now().Add(l.ReadyDelay(spec))
	}
	p := &Process{
		Spec:       spec,
		pid:        int(nextPid.Add(1)),
		done:       make(chan struct{}),
		ignoreTerm: l.IgnoreTerm.Load(),
	}

	handler := l.Handler
	if handler == nil {
		handler = Echo()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if l.Unhealthy.Load() || time.Now().Before(readyAt) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", handler)
	p.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = p.srv.Serve(ln) }()

	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	if l.ExitOnStart.Load() {
		go p.exit(errors.New("exit status 2"))
	}
	return p, nil
}

// Launches is the number of successful Launch calls.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// Last returns the most recently launched process, or nil.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// Alive counts processes that have not exited.
func (l *Launcher) Alive() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.procs {
		if !p.Exited() {
			n++
		}
	}
	return n
}

type Process struct {
	Spec sandbox.LaunchSpec

	pid        int
	srv        *http.Server
	done       chan struct{}
	once       sync.Once
	ignoreTerm bool

	mu       sync.Mutex
	err      error
	signaled []os.Signal
}

func (p *Process) Pid() int              { return p.pid }
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Process) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signaled = append(p.signaled, sig)
	p.mu.Unlock()
	if sig == syscall.SIGTERM && p.ignoreTerm {
		return nil
	}
	p.exit(nil)
	return nil
}

func (p *Process) Kill() error {
	p.exit(errors.New("signal: killed"))
	return nil
}

// Crash makes the process exit unexpectedly.
func (p *Process) Crash() {
	p.exit(errors.New("exit status 1"))
}

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Signals returns the signals delivered so far.
func (p *Process) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signaled...)
}

func (p *Process) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		_ = p.srv.Close()
		close(p.done)
	})
}

// EchoResponse is what Echo writes back.
type EchoResponse struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   string              `json:"query"`
	Host    string              `json:"host"`
	Body    string              `json:"body"`
	Headers map[string][]string `json:"headers"`
}

// Echo describes the request it received as JSON.
func Echo() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "sandbox")
		_ = json.NewEncoder(w).Encode(EchoResponse{
			Method:  r.Method,
			Path:    r.URL.Path,
			Query:   r.URL.RawQuery,
			Host:    r.Host,
			Body:    string(body),
			Headers: r.Header,
		})
	})
}

// PortRange returns n consecutive port numbers starting at a port that was
// free when asked. The pool skips any that get taken in the meantime.
func PortRange(n int) (int, int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	if port+n-1 > 65535 {
		port = 65535 - n + 1
	}
	return port, port + n - 1, nil
}
