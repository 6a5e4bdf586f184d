package auth

import (
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

type ceremony int

const (
	ceremonyRegister ceremony = iota + 1
	ceremonyLogin
	ceremonyAddCredential
)

func (c ceremony) String() string {
	switch c {
	case ceremonyRegister:
		return "register"
	case ceremonyLogin:
		return "login"
	case ceremonyAddCredential:
		return "add_credential"
	}
	return "unknown"
}

type pendingChallenge struct {
	ceremony ceremony
	userID   string
	// decoy challenges are handed out for unknown usernames and never verify.
	decoy     bool
	session   webauthn.SessionData
	expiresAt time.Time
}

// challengeRegistry holds outstanding ceremony challenges keyed by the
// challenge value echoed back in clientDataJSON.
type challengeRegistry struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	pending   map[string]pendingChallenge
	nextSweep time.Time
}

func newChallengeRegistry(ttl time.Duration, now func() time.Time) *challengeRegistry {
	return &challengeRegistry{
		ttl:     ttl,
		now:     now,
		pending: make(map[string]pendingChallenge),
	}
}

// issue records p under the challenge its ceremony session carries.
func (r *challengeRegistry) issue(p pendingChallenge) {
	now := r.now()
	p.expiresAt = now.Add(r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	r.pending[p.session.Challenge] = p
}

// take removes the challenge whatever the outcome, so every attempt is
// single-shot.
func (r *challengeRegistry) take(challenge string, want ceremony) (pendingChallenge, error) {
	r.mu.Lock()
	p, ok := r.pending[challenge]
	delete(r.pending, challenge)
	r.mu.Unlock()

	if !ok || p.ceremony != want {
		return pendingChallenge{}, ErrChallengeMismatch
	}
	if !r.now().Before(p.expiresAt) {
		return pendingChallenge{}, ErrChallengeExpired
	}
	return p, nil
}

func (r *challengeRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *challengeRegistry) sweepLocked(now time.Time) {
	if now.Before(r.nextSweep) {
		return
	}
	for k, p := range r.pending {
		if !now.Before(p.expiresAt) {
			delete(r.pending, k)
		}
	}
	r.nextSweep = now.Add(r.ttl)
}
