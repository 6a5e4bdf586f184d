// Package sandbox supervises one backend process per (user, role): spawn,
// readiness, idle shutdown, crash restart and poisoning.
package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type Role string

const (
	RoleLive Role = "live"
	RoleDev  Role = "dev"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleLive, RoleDev:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusCrashed  Status = "crashed"
	StatusPoisoned Status = "poisoned"
)

type Key struct {
	UserID string
	Role   Role
}

func (k Key) String() string { return k.UserID + "/" + string(k.Role) }

// ValidateUserID accepts ids usable as a single directory name under the
// data dir.
func ValidateUserID(id string) error {
	switch {
	case id == "", id == ".", id == "..", len(id) > 128:
	case strings.ContainsAny(id, "/\\\x00"), filepath.Base(id) != id:
	default:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
}

var (
	ErrSpawnFailed   = errors.New("sandbox spawn failed")
	ErrSpawnTimeout  = errors.New("sandbox readiness timeout")
	ErrPortExhausted = errors.New("sandbox port pool exhausted")
	ErrPoisoned      = errors.New("sandbox poisoned")
	ErrUnknownRole   = errors.New("unknown sandbox role")
	ErrInvalidUserID = errors.New("invalid sandbox user id")
	ErrBusy          = errors.New("sandbox busy")
	ErrShuttingDown  = errors.New("supervisor shutting down")
)

// BackoffError is returned while a failed spawn's backoff window is open.
type BackoffError struct {
	Until time.Time
	Err   error
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("sandbox in backoff until %s: %v", e.Until.Format(time.RFC3339), e.Err)
}

func (e *BackoffError) Unwrap() error { return e.Err }

// Snapshot is the operator view of one tracked sandbox.
type Snapshot struct {
	UserID       string     `json:"user_id"`
	Role         Role       `json:"role"`
	Status       Status     `json:"status"`
	Port         int        `json:"port,omitempty"`
	IdleSeconds  int64      `json:"idle_seconds"`
	RestartCount int        `json:"restart_count"`
	Leases       int        `json:"active_connections"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Pid          int        `json:"-"`
}

// Observer receives lifecycle events, typically for metrics.
type Observer interface {
	SpawnFinished(role Role, result string, took time.Duration)
	Crashed(role Role, poisoned bool)
	Reaped(role Role)
}

type noopObserver struct{}

func (noopObserver) SpawnFinished(Role, string, time.Duration) {}
func (noopObserver) Crashed(Role, bool)                        {}
func (noopObserver) Reaped(Role)                               {}
