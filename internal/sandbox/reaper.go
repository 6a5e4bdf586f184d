package sandbox

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

const stopConcurrency = 8

// Run sweeps for idle sandboxes every ReapInterval until ctx or the
// supervisor is done.
func (s *Supervisor) Run(ctx context.Context) {
	interval := s.cfg.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.ReapIdle(); n > 0 {
				s.logger.Info("idle sandboxes reaped", "count", n)
			}
		}
	}
}

// ReapIdle stops every running sandbox with no leases whose last activity
// is older than IdleTimeout, and forgets entries with nothing left to
// remember. Entries busy with a spawn or stop are skipped this round.
func (s *Supervisor) ReapIdle() int {
	if s.cfg.IdleTimeout <= 0 {
		return 0
	}
	var g errgroup.Group
	g.SetLimit(stopConcurrency)

	entries := s.allEntries()
	reaped := make(chan struct{}, len(entries))
	for _, e := range entries {
		if !e.sem.TryAcquire(1) {
			continue
		}
		now := s.now()
		idle := func(e *entry) bool {
			return e.status == StatusRunning && e.leases == 0 && now.Sub(e.lastActivity) >= s.cfg.IdleTimeout
		}
		e.mu.Lock()
		candidate := idle(e)
		e.mu.Unlock()
		if !candidate {
			s.pruneLocked(e, now)
			e.sem.Release(1)
			continue
		}

		g.Go(func() error {
			defer e.sem.Release(1)
			if s.stopLocked(e, "idle", idle) {
				s.observer.Reaped(e.key.Role)
				reaped <- struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(reaped)
	return len(reaped)
}

// pruneLocked drops a stopped entry with no history so the map does not
// grow with every user ever seen. Caller holds e.sem.
func (s *Supervisor) pruneLocked(e *entry, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusStopped || e.attempt != nil || e.leases > 0 || e.restartCount > 0 || now.Before(e.backoffUntil) {
		return
	}
	e.removed = true
	delete(s.entries, e.key)
}

// StopAll stops every running sandbox concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(stopConcurrency)
	for _, e := range s.allEntries() {
		g.Go(func() error {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer e.sem.Release(1)
			s.stopLocked(e, "shutdown", nil)
			return nil
		})
	}
	return g.Wait()
}

// Lease pins a running sandbox against idle reaping while a request or
// stream is using it.
type Lease struct {
	Port int

	s        *Supervisor
	e        *entry
	released bool
}

// Touch records activity; long-lived streams call it periodically.
func (l *Lease) Touch() {
	l.e.touch(l.s.now())
}

// Release ends the lease and counts as activity. Safe to call twice.
func (l *Lease) Release() {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	if l.e.leases > 0 {
		l.e.leases--
	}
	if now := l.s.now(); now.After(l.e.lastActivity) {
		l.e.lastActivity = now
	}
}
