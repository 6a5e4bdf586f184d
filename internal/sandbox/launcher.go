package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
)

type LaunchSpec struct {
	UserID  string
	Role    Role
	Port    int
	DataDir string
}

// Process is a running sandbox as seen by the supervisor.
type Process interface {
	Pid() int
	// Done is closed once the process has exited; Err then reports why.
	Done() <-chan struct{}
	Err() error
	Signal(sig os.Signal) error
	Kill() error
}

type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// ExecLauncher starts the sandbox binary as a child process. The child
// learns its port, identity and data directory from the environment.
type ExecLauncher struct {
	Binary string
	Args   []string
	// LogDir, when set, receives <user>-<role>.log per sandbox instead of
	// inheriting the gateway's stdout and stderr.
	LogDir string
}

func (l ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	if l.Binary == "" {
		return nil, fmt.Errorf("sandbox binary not configured")
	}
	cmd := exec.Command(l.Binary, l.Args...)
	cmd.Dir = spec.DataDir
	cmd.Env = append(os.Environ(),
		"PORT="+strconv.Itoa(spec.Port),
		"SANDBOX_USER_ID="+spec.UserID,
		"SANDBOX_ROLE="+string(spec.Role),
		"SANDBOX_DATA_DIR="+spec.DataDir,
		"DATABASE_URL=sqlite:"+filepath.Join(spec.DataDir, "sandbox.db"),
	)

	var logFile *os.File
	if l.LogDir != "" {
		if err := os.MkdirAll(l.LogDir, 0o750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(l.LogDir, spec.UserID+"-"+string(spec.Role)+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open sandbox log: %w", err)
		}
		logFile = f
		cmd.Stdout, cmd.Stderr = f, f
	} else {
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	}

	if err := cmd.Start(); err != nil {
		closeQuietly(logFile)
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		closeQuietly(logFile)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }

func closeQuietly(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
