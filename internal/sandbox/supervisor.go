package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
)

type Config struct {
	DataDir      string
	PortMin      int
	PortMax      int
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	ReadyTimeout time.Duration
	ReadyPoll    time.Duration
	StopGrace    time.Duration
	// MaxRestarts is the number of crash restarts allowed before the
	// sandbox is poisoned.
	MaxRestarts       int
	RestartBackoff    time.Duration
	RestartBackoffMax time.Duration
	// StableAfter is how long a process must run before a crash no longer
	// counts against the previous restarts.
	StableAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		DataDir:           "./data/sandboxes",
		PortMin:           8080,
		PortMax:           8179,
		IdleTimeout:       30 * time.Minute,
		ReapInterval:      time.Minute,
		ReadyTimeout:      30 * time.Second,
		ReadyPoll:         100 * time.Millisecond,
		StopGrace:         5 * time.Second,
		MaxRestarts:       5,
		RestartBackoff:    500 * time.Millisecond,
		RestartBackoffMax: 30 * time.Second,
		StableAfter:       5 * time.Minute,
	}
}

type Option func(*Supervisor)

// WithClock replaces time.Now for activity and backoff bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

func WithObserver(o Observer) Option {
	return func(s *Supervisor) { s.observer = o }
}

// attempt is one in-flight spawn. Every caller that finds it waits on done
// instead of spawning a second process.
type attempt struct {
	done chan struct{}
	port int
	err  error
}

// entry is the state machine for one key. sem is held for the whole of a
// spawn or stop so those never interleave; mu guards the fields and is only
// held briefly.
type entry struct {
	key Key
	sem *semaphore.Weighted

	mu            sync.Mutex
	status        Status
	port          int
	proc          Process
	gen           uint64
	startedAt     time.Time
	lastActivity  time.Time
	restartCount  int
	spawnFailures int
	backoffUntil  time.Time
	lastErr       error
	leases        int
	attempt       *attempt
	removed       bool
}

type Supervisor struct {
	cfg      Config
	launcher Launcher
	ready    ReadyCheck
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry
	ports   *portPool
	// swapMu is the only path that holds two entry sems and the only
	// writer of entry.key.
	swapMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, launcher Launcher, ready ReadyCheck, logger *slog.Logger, opts ...Option) (*Supervisor, error) {
	if launcher == nil {
		return nil, errors.New("missing launcher")
	}
	if ready == nil {
		ready = TCPReadyCheck{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = d.ReadyTimeout
	}
	if cfg.ReadyPoll <= 0 {
		cfg.ReadyPoll = d.ReadyPoll
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = d.StopGrace
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = d.RestartBackoff
	}
	if cfg.RestartBackoffMax < cfg.RestartBackoff {
		cfg.RestartBackoffMax = cfg.RestartBackoff
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = d.StableAfter
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	ports, err := newPortPool(cfg.PortMin, cfg.PortMax)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		ready:    ready,
		logger:   logger.With("component", "sandbox"),
		observer: noopObserver{},
		now:      time.Now,
		entries:  make(map[Key]*entry),
		ports:    ports,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Supervisor) entry(key Key) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{key: key, sem: semaphore.NewWeighted(1), status: StatusStopped}
		s.entries[key] = e
	}
	return e
}

func (s *Supervisor) lookup(key Key) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

func (s *Supervisor) allEntries() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// EnsureRunning returns the port of a ready sandbox for (userID, role),
// spawning one if needed. Concurrent callers for the same key share a
// single spawn; other keys are never blocked.
func (s *Supervisor) EnsureRunning(ctx context.Context, userID string, role Role) (int, error) {
	port, _, err := s.ensure(ctx, Key{UserID: userID, Role: role}, false)
	return port, err
}

// Start is the administrative form of EnsureRunning.
func (s *Supervisor) Start(ctx context.Context, userID string, role Role) (Snapshot, error) {
	key := Key{UserID: userID, Role: role}
	if _, _, err := s.ensure(ctx, key, false); err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(s.entry(key), s.now()), nil
}

// Acquire is EnsureRunning plus a lease that keeps the idle reaper away
// until released.
func (s *Supervisor) Acquire(ctx context.Context, userID string, role Role) (*Lease, error) {
	port, e, err := s.ensure(ctx, Key{UserID: userID, Role: role}, true)
	if err != nil {
		return nil, err
	}
	return &Lease{Port: port, s: s, e: e}, nil
}

func (s *Supervisor) ensure(ctx context.Context, key Key, hold bool) (int, *entry, error) {
	if _, err := ParseRole(string(key.Role)); err != nil {
		return 0, nil, err
	}
	if err := ValidateUserID(key.UserID); err != nil {
		return 0, nil, err
	}

	for {
		if err := s.ctx.Err(); err != nil {
			return 0, nil, ErrShuttingDown
		}
		e := s.entry(key)

		e.mu.Lock()
		if e.removed || e.key != key {
			// Pruned or swapped since lookup.
			e.mu.Unlock()
			continue
		}
		now := s.now()
		switch e.status {
		case StatusRunning:
			e.lastActivity = now
			if hold {
				e.leases++
			}
			port := e.port
			e.mu.Unlock()
			return port, e, nil
		case StatusPoisoned:
			err := e.lastErr
			e.mu.Unlock()
			return 0, nil, fmt.Errorf("%w: %v", ErrPoisoned, err)
		}

		if a := e.attempt; a != nil {
			e.mu.Unlock()
			if err := waitAttempt(ctx, a); err != nil {
				return 0, nil, err
			}
			continue
		}

		if now.Before(e.backoffUntil) {
			until, lastErr, status := e.backoffUntil, e.lastErr, e.status
			e.mu.Unlock()
			if status != StatusCrashed {
				return 0, nil, &BackoffError{Until: until, Err: lastErr}
			}
			// A crash restart is already scheduled; wait for its window.
			if err := sleepUntil(ctx, until.Sub(now)); err != nil {
				return 0, nil, err
			}
			continue
		}

		a := &attempt{done: make(chan struct{})}
		e.attempt = a
		e.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runAttempt(e, a)
		}()
		if err := waitAttempt(ctx, a); err != nil {
			return 0, nil, err
		}
	}
}

func waitAttempt(ctx context.Context, a *attempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepUntil(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runAttempt performs the spawn for a and publishes its result. It is
// detached from the callers' contexts: a client that gives up does not
// abort a spawn other callers may be waiting on.
func (s *Supervisor) runAttempt(e *entry, a *attempt) {
	var (
		port int
		err  error
	)
	if acqErr := e.sem.Acquire(s.ctx, 1); acqErr != nil {
		err = ErrShuttingDown
	} else {
		port, err = s.spawn(e)
		e.sem.Release(1)
	}

	e.mu.Lock()
	e.attempt = nil
	e.mu.Unlock()

	a.port, a.err = port, err
	close(a.done)
}

// spawn runs Stopped/Crashed -> Starting -> Running. Caller holds e.sem.
func (s *Supervisor) spawn(e *entry) (int, error) {
	e.mu.Lock()
	switch e.status {
	case StatusRunning:
		port := e.port
		e.mu.Unlock()
		return port, nil
	case StatusPoisoned:
		e.mu.Unlock()
		return 0, ErrPoisoned
	}
	e.status = StatusStarting
	e.mu.Unlock()

	begin := time.Now()
	log := s.logger.With("user_id", e.key.UserID, "role", e.key.Role)

	port, err := s.ports.acquire()
	if err != nil {
		log.Error("sandbox spawn failed", "error", err)
		s.observer.SpawnFinished(e.key.Role, "port_exhausted", time.Since(begin))
		return 0, s.spawnFailed(e, err)
	}

	dataDir := filepath.Join(s.cfg.DataDir, e.key.UserID, string(e.key.Role))
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		s.ports.release(port)
		err = fmt.Errorf("%w: create data dir: %v", ErrSpawnFailed, err)
		log.Error("sandbox spawn failed", "port", port, "error", err)
		s.observer.SpawnFinished(e.key.Role, "failed", time.Since(begin))
		return 0, s.spawnFailed(e, err)
	}

	proc, err := s.launcher.Launch(LaunchSpec{UserID: e.key.UserID, Role: e.key.Role, Port: port, DataDir: dataDir})
	if err != nil {
		s.ports.release(port)
		err = fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		log.Error("sandbox spawn failed", "port", port, "error", err)
		s.observer.SpawnFinished(e.key.Role, "failed", time.Since(begin))
		return 0, s.spawnFailed(e, err)
	}
	log = log.With("port", port, "pid", proc.Pid())

	if err := s.waitReady(proc, port); err != nil {
		s.terminate(proc)
		s.ports.release(port)
		result := "failed"
		if errors.Is(err, ErrSpawnTimeout) {
			result = "timeout"
		}
		log.Error("sandbox never became ready", "error", err)
		s.observer.SpawnFinished(e.key.Role, result, time.Since(begin))
		return 0, s.spawnFailed(e, err)
	}

	now := s.now()
	e.mu.Lock()
	e.status = StatusRunning
	e.port = port
	e.proc = proc
	e.gen++
	gen := e.gen
	e.startedAt = now
	e.lastActivity = now
	e.spawnFailures = 0
	e.backoffUntil = time.Time{}
	e.lastErr = nil
	e.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor(e, proc, gen)
	}()

	log.Info("sandbox running", "took", time.Since(begin))
	s.observer.SpawnFinished(e.key.Role, "ok", time.Since(begin))
	return port, nil
}

// spawnFailed runs Starting -> Stopped and opens a backoff window. Spawn
// failures do not count against the crash restart budget.
func (s *Supervisor) spawnFailed(e *entry, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spawnFailures++
	e.status = StatusStopped
	e.port = 0
	e.proc = nil
	e.lastErr = err
	e.backoffUntil = s.now().Add(s.backoff(e.spawnFailures))
	return err
}

func (s *Supervisor) waitReady(proc Process, port int) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(s.cfg.ReadyPoll)
	defer ticker.Stop()

	for {
		if err := s.ready.Check(ctx, port); err == nil {
			return nil
		}
		select {
		case <-proc.Done():
			return fmt.Errorf("%w: process exited during startup: %v", ErrSpawnFailed, proc.Err())
		case <-ctx.Done():
			if s.ctx.Err() != nil {
				return ErrShuttingDown
			}
			return fmt.Errorf("%w after %s", ErrSpawnTimeout, s.cfg.ReadyTimeout)
		case <-ticker.C:
		}
	}
}

// monitor watches one process for its whole life and turns an unexpected
// exit into Crashed, or Poisoned once the restart budget is spent.
func (s *Supervisor) monitor(e *entry, proc Process, gen uint64) {
	select {
	case <-proc.Done():
	case <-s.ctx.Done():
		return
	}

	now := s.now()
	e.mu.Lock()
	if e.gen != gen || e.status != StatusRunning {
		e.mu.Unlock()
		return
	}
	key := e.key
	if now.Sub(e.startedAt) >= s.cfg.StableAfter {
		e.restartCount = 0
	}
	e.restartCount++
	port := e.port
	e.port = 0
	e.proc = nil
	e.lastErr = fmt.Errorf("process exited: %v", proc.Err())
	count := e.restartCount
	poisoned := count > s.cfg.MaxRestarts
	var delay time.Duration
	if poisoned {
		e.status = StatusPoisoned
	} else {
		delay = s.backoff(count)
		e.status = StatusCrashed
		e.backoffUntil = now.Add(delay)
	}
	e.mu.Unlock()

	s.ports.release(port)
	s.observer.Crashed(key.Role, poisoned)
	log := s.logger.With("sandbox", key.String(), "port", port, "pid", proc.Pid())
	if poisoned {
		log.Error("sandbox poisoned after repeated crashes", "restarts", count-1, "error", proc.Err())
		return
	}
	log.Warn("sandbox crashed, restart scheduled", "restart", count, "backoff", delay, "error", proc.Err())

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.ctx.Done():
		return
	}
	s.restartCrashed(e)
}

// restartCrashed respawns a Crashed entry without waiting for traffic.
func (s *Supervisor) restartCrashed(e *entry) {
	e.mu.Lock()
	if e.status != StatusCrashed || e.attempt != nil || e.removed {
		e.mu.Unlock()
		return
	}
	key := e.key
	a := &attempt{done: make(chan struct{})}
	e.attempt = a
	e.mu.Unlock()

	s.runAttempt(e, a)
	if a.err != nil {
		s.logger.Warn("sandbox restart failed", "sandbox", key.String(), "error", a.err)
	}
}

// Stop gracefully stops the sandbox for (userID, role). Stopping a stopped
// sandbox is a no-op; a poisoned one stays poisoned until Reset.
func (s *Supervisor) Stop(ctx context.Context, userID string, role Role) (Snapshot, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return Snapshot{}, err
	}
	if err := ValidateUserID(userID); err != nil {
		return Snapshot{}, err
	}
	e, ok := s.lookup(Key{UserID: userID, Role: role})
	if !ok {
		return Snapshot{UserID: userID, Role: role, Status: StatusStopped}, nil
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Snapshot{}, err
	}
	defer e.sem.Release(1)

	s.stopLocked(e, "explicit", nil)
	return s.snapshot(e, s.now()), nil
}

// stopLocked runs Running -> Stopping -> Stopped. When cond is set it is
// checked under e.mu and the stop is skipped if it fails. Caller holds
// e.sem.
func (s *Supervisor) stopLocked(e *entry, reason string, cond func(*entry) bool) bool {
	e.mu.Lock()
	if cond != nil && !cond(e) {
		e.mu.Unlock()
		return false
	}
	switch e.status {
	case StatusRunning:
	case StatusCrashed:
		// Cancels the pending restart.
		e.status = StatusStopped
		e.restartCount = 0
		e.backoffUntil = time.Time{}
		e.mu.Unlock()
		return false
	default:
		e.mu.Unlock()
		return false
	}
	e.status = StatusStopping
	e.gen++
	proc, port := e.proc, e.port
	e.mu.Unlock()

	s.terminate(proc)
	s.ports.release(port)

	e.mu.Lock()
	e.status = StatusStopped
	e.proc = nil
	e.port = 0
	e.restartCount = 0
	e.mu.Unlock()

	s.logger.Info("sandbox stopped", "user_id", e.key.UserID, "role", e.key.Role, "port", port, "reason", reason)
	return true
}

// Reset clears crash history and poisoning so the next request may spawn.
func (s *Supervisor) Reset(ctx context.Context, userID string, role Role) (Snapshot, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return Snapshot{}, err
	}
	if err := ValidateUserID(userID); err != nil {
		return Snapshot{}, err
	}
	e := s.entry(Key{UserID: userID, Role: role})
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Snapshot{}, err
	}
	defer e.sem.Release(1)

	e.mu.Lock()
	if e.status == StatusPoisoned || e.status == StatusCrashed {
		e.status = StatusStopped
	}
	e.restartCount = 0
	e.spawnFailures = 0
	e.backoffUntil = time.Time{}
	e.lastErr = nil
	e.mu.Unlock()

	s.logger.Info("sandbox reset", "user_id", userID, "role", role)
	return s.snapshot(e, s.now()), nil
}

// Swap exchanges the live and dev sandboxes of userID. Processes keep
// running; only the role that routes to each one changes. It fails with
// ErrBusy while either side has a spawn in flight.
func (s *Supervisor) Swap(ctx context.Context, userID string) ([]Snapshot, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	for {
		if s.ctx.Err() != nil {
			return nil, ErrShuttingDown
		}
		a, b := lockOrder(s.entry(Key{UserID: userID, Role: RoleLive}), s.entry(Key{UserID: userID, Role: RoleDev}))
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		if err := b.sem.Acquire(ctx, 1); err != nil {
			a.sem.Release(1)
			return nil, err
		}

		swapped, err := s.swapLocked(a, b)
		b.sem.Release(1)
		a.sem.Release(1)
		if err != nil {
			return nil, err
		}
		if !swapped {
			// Pruned between lookup and acquire.
			continue
		}
		s.logger.Info("sandbox roles swapped", "user_id", userID)
		now := s.now()
		return []Snapshot{s.snapshot(s.entry(Key{UserID: userID, Role: RoleLive}), now), s.snapshot(s.entry(Key{UserID: userID, Role: RoleDev}), now)}, nil
	}
}

// swapLocked exchanges the keys of a and b. Caller holds both sems.
func (s *Supervisor) swapLocked(a, b *entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	if a.removed || b.removed {
		return false, nil
	}
	if a.attempt != nil || b.attempt != nil {
		return false, ErrBusy
	}
	a.key, b.key = b.key, a.key
	s.entries[a.key], s.entries[b.key] = a, b
	return true, nil
}

// lockOrder sorts two entries by key so every caller taking both sems
// takes them in the same order.
func lockOrder(x, y *entry) (*entry, *entry) {
	if y.key.String() < x.key.String() {
		return y, x
	}
	return x, y
}

// Touch records activity for a running sandbox.
func (s *Supervisor) Touch(userID string, role Role) {
	if e, ok := s.lookup(Key{UserID: userID, Role: role}); ok {
		e.touch(s.now())
	}
}

func (e *entry) touch(now time.Time) {
	e.mu.Lock()
	if now.After(e.lastActivity) {
		e.lastActivity = now
	}
	e.mu.Unlock()
}

// terminate sends SIGTERM, waits out the grace period, then kills.
func (s *Supervisor) terminate(proc Process) {
	if proc == nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
	t := time.NewTimer(s.cfg.StopGrace)
	defer t.Stop()
	select {
	case <-proc.Done():
		return
	case <-t.C:
	}
	_ = proc.Kill()
	select {
	case <-proc.Done():
	case <-time.After(s.cfg.StopGrace):
		s.logger.Error("sandbox did not exit after kill", "pid", proc.Pid())
	}
}

func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.cfg.RestartBackoff
	for i := 1; i < attempt && d < s.cfg.RestartBackoffMax; i++ {
		d *= 2
	}
	if d > s.cfg.RestartBackoffMax {
		d = s.cfg.RestartBackoffMax
	}
	return d
}

// List returns a snapshot of every tracked sandbox, ordered by key.
func (s *Supervisor) List() []Snapshot {
	now := s.now()
	entries := s.allEntries()
	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.snapshot(e, now))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Role < out[j].Role
	})
	return out
}

// Get returns the snapshot for one key.
func (s *Supervisor) Get(userID string, role Role) (Snapshot, bool) {
	e, ok := s.lookup(Key{UserID: userID, Role: role})
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(e, s.now()), true
}

func (s *Supervisor) snapshot(e *entry, now time.Time) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		UserID:       e.key.UserID,
		Role:         e.key.Role,
		Status:       e.status,
		Port:         e.port,
		RestartCount: e.restartCount,
		Leases:       e.leases,
	}
	if !e.lastActivity.IsZero() {
		snap.IdleSeconds = int64(now.Sub(e.lastActivity) / time.Second)
	}
	if e.status == StatusRunning {
		started := e.startedAt
		snap.StartedAt = &started
		if e.proc != nil {
			snap.Pid = e.proc.Pid()
		}
	}
	if e.lastErr != nil {
		snap.LastError = e.lastErr.Error()
	}
	return snap
}

// Shutdown refuses new spawns, stops every sandbox and waits for the
// background goroutines.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.StopAll(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
