// Package auth runs the passkey ceremonies, recovery-code redemption and
// session issuance for the gateway.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"sandbox-hypervisor/internal/model"
	"sandbox-hypervisor/internal/store"
)

const maxUsernameLen = 64

// CredentialStore is the persistence the gateway needs.
type CredentialStore interface {
	CreateUserIfAbsent(ctx context.Context, username, displayName string) (model.User, error)
	GetUserByUsername(ctx context.Context, username string) (model.User, error)
	GetUserByID(ctx context.Context, id string) (model.User, error)
	UpdateDisplayName(ctx context.Context, id, displayName string) error

	ListCredentials(ctx context.Context, userID string) ([]model.Credential, error)
	CountCredentials(ctx context.Context, userID string) (int, error)
	GetCredential(ctx context.Context, credentialID string) (model.Credential, error)
	AddFirstCredential(ctx context.Context, cred model.Credential, codeHashes []string) error
	AddCredential(ctx context.Context, cred model.Credential) error
	TouchCredential(ctx context.Context, credentialID string, record []byte, signCount uint32, at time.Time) error
	RemoveCredential(ctx context.Context, userID, credentialID string) error

	UnusedRecoveryCodes(ctx context.Context, userID string) ([]model.RecoveryCode, error)
	ConsumeRecoveryCode(ctx context.Context, id string, at time.Time) (bool, error)
	CountUnusedRecoveryCodes(ctx context.Context, userID string) (int, error)
	ReplaceRecoveryCodes(ctx context.Context, userID string, hashes []string) error

	CreateSession(ctx context.Context, sess model.Session) error
	GetSession(ctx context.Context, id string) (model.Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteUserSessions(ctx context.Context, userID string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	AppendAudit(ctx context.Context, e model.AuditEntry) error
}

// CodeHasher derives and checks recovery code hashes. Dummy costs the same
// as one Verify.
type CodeHasher interface {
	Hash(code string) (string, error)
	Verify(code, encoded string) bool
	Dummy()
}

type Config struct {
	RP           RelyingParty
	ChallengeTTL time.Duration
	SessionTTL   time.Duration
	// MasterSecret signs session tokens and derives decoy credential ids.
	MasterSecret string
	Argon2       Argon2Params
	// Hasher overrides the argon2id hasher built from Argon2.
	Hasher CodeHasher
}

type Gateway struct {
	store      CredentialStore
	webauthn   *webauthn.WebAuthn
	tokens     TokenConfig
	challenges *challengeRegistry
	hasher     CodeHasher
	decoyKey   []byte
	audit      auditor
	logger     *slog.Logger
	now        func() time.Time
}

func NewGateway(st CredentialStore, cfg Config, logger *slog.Logger, now func() time.Time) (*Gateway, error) {
	if cfg.MasterSecret == "" {
		return nil, errors.New("missing master secret")
	}
	if cfg.RP.ID == "" || cfg.RP.Origin == "" {
		return nil, errors.New("missing relying party id or origin")
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	logger = logger.With("component", "auth")

	wa, err := newWebAuthn(cfg.RP, cfg.ChallengeTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to configure passkeys: %w", err)
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = NewRecoveryHasher(cfg.Argon2)
	}

	tokens := DefaultTokenConfig(cfg.MasterSecret)
	tokens.Expiry = cfg.SessionTTL

	mac := hmac.New(sha256.New, []byte(cfg.MasterSecret))
	mac.Write([]byte("decoy-credential"))

	return &Gateway{
		store:      st,
		webauthn:   wa,
		tokens:     tokens,
		challenges: newChallengeRegistry(cfg.ChallengeTTL, now),
		hasher:     hasher,
		decoyKey:   mac.Sum(nil),
		audit:      auditor{store: st, logger: logger},
		logger:     logger,
		now:        now,
	}, nil
}

// Issued is a freshly created session and the cookie value naming it.
type Issued struct {
	Token   string
	Session model.Session
}

type RegistrationResult struct {
	Issued
	User           model.User
	RecoveryCodes  []string
	IsFirstPasskey bool
}

func normalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > maxUsernameLen {
		return "", ErrInvalidUsername
	}
	for _, r := range username {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return "", ErrInvalidUsername
		}
	}
	return username, nil
}

// BeginRegistration starts the anonymous first-passkey ceremony.
func (g *Gateway) BeginRegistration(ctx context.Context, username, displayName string) (RegistrationOptions, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return RegistrationOptions{}, err
	}
	displayName = strings.TrimSpace(displayName)

	user, err := g.store.CreateUserIfAbsent(ctx, username, displayName)
	if err != nil {
		return RegistrationOptions{}, err
	}
	creds, err := g.store.ListCredentials(ctx, user.ID)
	if err != nil {
		return RegistrationOptions{}, err
	}
	if len(creds) > 0 {
		return RegistrationOptions{}, ErrUsernameTaken
	}

	return g.beginCreate(ceremonyRegister, passkeyUser{user: user})
}

// FinishRegistration verifies the new passkey, stores it with a fresh batch
// of recovery codes and signs the user in.
func (g *Gateway) FinishRegistration(ctx context.Context, body []byte, ip string) (RegistrationResult, error) {
	pending, cred, err := g.verifyAttestation(body, ceremonyRegister)
	if err != nil {
		g.audit.record(ctx, model.AuditRegister, pending.userIDPtr(), "failed: "+err.Error(), ip)
		return RegistrationResult{}, err
	}

	codes, hashes, err := g.newRecoveryCodes()
	if err != nil {
		return RegistrationResult{}, err
	}

	if err := g.store.AddFirstCredential(ctx, cred, hashes); err != nil {
		if errors.Is(err, store.ErrConflict) {
			g.audit.record(ctx, model.AuditRegister, pending.userIDPtr(), "failed: username taken", ip)
			return RegistrationResult{}, ErrUsernameTaken
		}
		return RegistrationResult{}, err
	}

	user, err := g.store.GetUserByID(ctx, pending.userID)
	if err != nil {
		return RegistrationResult{}, err
	}
	issued, err := g.issueSession(ctx, user, ip)
	if err != nil {
		return RegistrationResult{}, err
	}
	g.audit.record(ctx, model.AuditRegister, &user.ID, "credential "+cred.ID, ip)
	g.logger.Info("passkey registered", "user_id", user.ID, "username", user.Username)

	return RegistrationResult{
		Issued:         issued,
		User:           user,
		RecoveryCodes:  codes,
		IsFirstPasskey: true,
	}, nil
}

// BeginLogin returns a challenge for username. Unknown users get a decoy
// that is indistinguishable on the wire and can never verify.
func (g *Gateway) BeginLogin(ctx context.Context, username string) (LoginOptions, error) {
	username = strings.TrimSpace(username)

	var (
		pending = pendingChallenge{ceremony: ceremonyLogin}
		pu      passkeyUser
	)
	user, err := g.store.GetUserByUsername(ctx, username)
	switch {
	case err == nil:
		creds, err := g.store.ListCredentials(ctx, user.ID)
		if err != nil {
			return LoginOptions{}, err
		}
		if pu, err = newPasskeyUser(user, creds); err != nil {
			return LoginOptions{}, err
		}
		pending.userID = user.ID
	case errors.Is(err, store.ErrNotFound):
	default:
		return LoginOptions{}, err
	}
	if len(pu.creds) == 0 {
		pending.decoy = true
		pending.userID = ""
		pu = g.decoyUser(username)
	}

	assertion, session, err := g.webauthn.BeginLogin(pu)
	if err != nil {
		return LoginOptions{}, fmt.Errorf("failed to begin login: %w", err)
	}
	pending.session = *session
	g.challenges.issue(pending)
	return assertion.Response, nil
}

// FinishLogin verifies an assertion. Every failure is reported as
// ErrUnauthorized; the specific cause only reaches the log and audit trail.
func (g *Gateway) FinishLogin(ctx context.Context, body []byte, ip string) (Issued, error) {
	user, credID, err := g.verifyLogin(ctx, body)
	if err != nil {
		var uid *string
		if user.ID != "" {
			uid = &user.ID
		}
		g.audit.record(ctx, model.AuditLogin, uid, "failed: "+err.Error(), ip)
		g.logger.Warn("login failed", "user_id", user.ID, "error", err)
		return Issued{}, ErrUnauthorized
	}

	issued, err := g.issueSession(ctx, user, ip)
	if err != nil {
		return Issued{}, err
	}
	g.audit.record(ctx, model.AuditLogin, &user.ID, "credential "+credID, ip)
	g.logger.Info("login successful", "user_id", user.ID, "username", user.Username)
	return issued, nil
}

// verifyLogin returns the user the challenge was issued for (when known)
// and the credential that signed, alongside any verification failure.
func (g *Gateway) verifyLogin(ctx context.Context, body []byte) (model.User, string, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBytes(body)
	if err != nil {
		return model.User{}, "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	pending, err := g.challenges.take(parsed.Response.CollectedClientData.Challenge, ceremonyLogin)
	if err != nil {
		return model.User{}, "", err
	}
	if pending.decoy {
		return model.User{}, "", ErrUnauthorized
	}
	user, err := g.store.GetUserByID(ctx, pending.userID)
	if err != nil {
		return model.User{}, "", err
	}
	creds, err := g.store.ListCredentials(ctx, user.ID)
	if err != nil {
		return user, "", err
	}
	pu, err := newPasskeyUser(user, creds)
	if err != nil {
		return user, "", err
	}

	cred, err := g.webauthn.ValidateLogin(pu, pending.session, parsed)
	if err != nil {
		return user, "", verificationFailure(err)
	}
	id := credentialID(cred.ID)
	if cred.Authenticator.CloneWarning {
		return user, id, fmt.Errorf("%w: sign count did not advance", ErrSignatureInvalid)
	}
	record, err := encodeRecord(*cred)
	if err != nil {
		return user, id, err
	}
	if err := g.store.TouchCredential(ctx, id, record, cred.Authenticator.SignCount, g.now()); err != nil {
		return user, id, err
	}
	return user, id, nil
}

// RedeemRecoveryCode signs the user in with one unused recovery code and
// burns it. Only one of several concurrent redemptions of the same code
// can succeed.
func (g *Gateway) RedeemRecoveryCode(ctx context.Context, username, code, ip string) (Issued, error) {
	user, err := g.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	known := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Issued{}, err
	}

	var codes []model.RecoveryCode
	if known {
		if codes, err = g.store.UnusedRecoveryCodes(ctx, user.ID); err != nil {
			return Issued{}, err
		}
	}
	matched := g.matchRecoveryCode(code, codes)

	if !known {
		g.audit.record(ctx, model.AuditRecoveryCodeUsed, nil, "failed: unknown user", ip)
		return Issued{}, ErrUnauthorized
	}
	if matched == nil {
		g.audit.record(ctx, model.AuditRecoveryCodeUsed, &user.ID, "failed: no matching code", ip)
		return Issued{}, ErrUnauthorized
	}

	ok, err := g.store.ConsumeRecoveryCode(ctx, matched.ID, g.now())
	if err != nil {
		return Issued{}, err
	}
	if !ok {
		g.audit.record(ctx, model.AuditRecoveryCodeUsed, &user.ID, "failed: code already used", ip)
		return Issued{}, ErrUnauthorized
	}

	issued, err := g.issueSession(ctx, user, ip)
	if err != nil {
		return Issued{}, err
	}
	g.audit.record(ctx, model.AuditRecoveryCodeUsed, &user.ID, "code "+matched.ID, ip)
	g.logger.Info("recovery code redeemed", "user_id", user.ID)
	return issued, nil
}

// matchRecoveryCode runs exactly RecoveryCodeCount derivations whether the
// user exists, how many codes remain and which of them matched.
func (g *Gateway) matchRecoveryCode(code string, codes []model.RecoveryCode) *model.RecoveryCode {
	var matched *model.RecoveryCode
	for i := range codes {
		if g.hasher.Verify(code, codes[i].CodeHash) && matched == nil {
			matched = &codes[i]
		}
	}
	for i := len(codes); i < RecoveryCodeCount; i++ {
		g.hasher.Dummy()
	}
	return matched
}

// Validate resolves a cookie value to its live session.
func (g *Gateway) Validate(ctx context.Context, token string) (model.Session, bool) {
	if token == "" {
		return model.Session{}, false
	}
	now := g.now()
	claims, err := VerifyToken(token, g.tokens, now)
	if err != nil {
		return model.Session{}, false
	}
	sess, err := g.store.GetSession(ctx, claims.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Error("session lookup failed", "error", err)
		}
		return model.Session{}, false
	}
	if sess.UserID != claims.UserID || sess.Expired(now) {
		return model.Session{}, false
	}
	return sess, true
}

// Logout revokes the session named by token. Unknown, expired or already
// revoked tokens are not an error.
func (g *Gateway) Logout(ctx context.Context, token, ip string) error {
	if token == "" {
		return nil
	}
	claims, err := VerifyTokenSignature(token, g.tokens)
	if err != nil {
		return nil
	}
	if _, err := g.store.GetSession(ctx, claims.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := g.store.DeleteSession(ctx, claims.ID); err != nil {
		return err
	}
	g.audit.record(ctx, model.AuditLogout, &claims.UserID, "", ip)
	return nil
}

// PurgeExpiredSessions deletes session rows past their expiry.
func (g *Gateway) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	return g.store.DeleteExpiredSessions(ctx, g.now())
}

func (g *Gateway) issueSession(ctx context.Context, user model.User, ip string) (Issued, error) {
	now := g.now()
	sess := model.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Username:  user.Username,
		IP:        ip,
		CreatedAt: now,
		ExpiresAt: now.Add(g.tokens.Expiry),
	}
	token, err := CreateToken(sess.ID, user.ID, now, g.tokens)
	if err != nil {
		return Issued{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	if err := g.store.CreateSession(ctx, sess); err != nil {
		return Issued{}, err
	}
	return Issued{Token: token, Session: sess}, nil
}

func (g *Gateway) beginCreate(c ceremony, pu passkeyUser) (RegistrationOptions, error) {
	creation, session, err := g.webauthn.BeginRegistration(pu,
		webauthn.WithExclusions(pu.descriptors()),
		webauthn.WithCredentialParameters(webauthn.CredentialParametersRecommendedL3()),
	)
	if err != nil {
		return RegistrationOptions{}, fmt.Errorf("failed to begin registration: %w", err)
	}
	g.challenges.issue(pendingChallenge{ceremony: c, userID: pu.user.ID, session: *session})
	return creation.Response, nil
}

// verifyAttestation consumes the challenge and checks a new passkey.
func (g *Gateway) verifyAttestation(body []byte, want ceremony) (pendingChallenge, model.Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBytes(body)
	if err != nil {
		return pendingChallenge{}, model.Credential{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	pending, err := g.challenges.take(parsed.Response.CollectedClientData.Challenge, want)
	if err != nil {
		return pendingChallenge{}, model.Credential{}, err
	}
	owner := passkeyUser{user: model.User{ID: pending.userID}}
	cred, err := g.webauthn.CreateCredential(owner, pending.session, parsed)
	if err != nil {
		return pending, model.Credential{}, verificationFailure(err)
	}
	record, err := encodeRecord(*cred)
	if err != nil {
		return pending, model.Credential{}, err
	}
	var extra labelled
	_ = json.Unmarshal(body, &extra)
	return pending, model.Credential{
		ID:        credentialID(cred.ID),
		UserID:    pending.userID,
		Record:    record,
		SignCount: cred.Authenticator.SignCount,
		Label:     strings.TrimSpace(extra.Label),
		CreatedAt: g.now(),
	}, nil
}

// decoyUser stands in for a username with no passkeys. Its credential id is
// stable per username so repeated attempts see the same options.
func (g *Gateway) decoyUser(username string) passkeyUser {
	mac := hmac.New(sha256.New, g.decoyKey)
	mac.Write([]byte(username))
	return passkeyUser{
		user:  model.User{Username: username},
		creds: []webauthn.Credential{{ID: mac.Sum(nil)[:16]}},
	}
}

func (p pendingChallenge) userIDPtr() *string {
	if p.userID == "" {
		return nil
	}
	id := p.userID
	return &id
}
