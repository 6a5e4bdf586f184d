package auth_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-hypervisor/internal/auth"
	"sandbox-hypervisor/internal/auth/passkeytest"
	"sandbox-hypervisor/internal/model"
	"sandbox-hypervisor/internal/store"
)

const (
	rpID     = "localhost"
	rpOrigin = "http://localhost:9090"
)

type fixture struct {
	gw    *auth.Gateway
	store *store.Store
	now   *time.Time
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return newFixtureWithHasher(t, nil)
}

func newFixtureWithHasher(t *testing.T, hasher auth.CodeHasher) fixture {
	t.Helper()
	now := time.Unix(1_700_000_000, 0).UTC()
	clock := func() time.Time { return now }

	st, err := store.Open(context.Background(), store.Options{Path: ":memory:", Now: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	gw, err := auth.NewGateway(st, auth.Config{
		RP:           auth.RelyingParty{ID: rpID, Name: "Test", Origin: rpOrigin},
		ChallengeTTL: time.Minute,
		SessionTTL:   time.Hour,
		MasterSecret: "test-secret",
		Argon2:       auth.Argon2Params{MemoryKiB: 64, Time: 1, Threads: 1},
		Hasher:       hasher,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), func() time.Time { return now })
	require.NoError(t, err)
	return fixture{gw: gw, store: st, now: &now}
}

func (f fixture) register(t *testing.T, username string, a *passkeytest.Authenticator) auth.RegistrationResult {
	t.Helper()
	ctx := context.Background()
	opts, err := f.gw.BeginRegistration(ctx, username, "")
	require.NoError(t, err)
	res, err := f.gw.FinishRegistration(ctx, a.Register(opts.Challenge).JSON(), "127.0.0.1")
	require.NoError(t, err)
	return res
}

func TestRegistration_FirstPasskeyIssuesCodesAndSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := passkeytest.New(rpID, rpOrigin)

	opts, err := f.gw.BeginRegistration(ctx, "alice", "Alice")
	require.NoError(t, err)
	assert.Equal(t, rpID, opts.RelyingParty.ID)
	assert.Equal(t, "alice", opts.User.Name)
	assert.Equal(t, "Alice", opts.User.DisplayName)
	assert.Len(t, opts.Parameters, 3)
	assert.Empty(t, opts.CredentialExcludeList)
	assert.Len(t, opts.Challenge, 32)

	res, err := f.gw.FinishRegistration(ctx, a.Register(opts.Challenge).JSON(), "127.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.IsFirstPasskey)
	assert.Len(t, res.RecoveryCodes, 10)
	assert.Equal(t, "alice", res.User.Username)

	sess, ok := f.gw.Validate(ctx, res.Token)
	require.True(t, ok)
	assert.Equal(t, res.User.ID, sess.UserID)
	assert.Equal(t, "alice", sess.Username)

	entries, err := f.store.RecentAudit(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, model.AuditRegister, entries[0].Event)
}

func TestRegistration_UsernameTakenOnceRegistered(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", passkeytest.New(rpID, rpOrigin))

	_, err := f.gw.BeginRegistration(context.Background(), "alice", "")
	require.ErrorIs(t, err, auth.ErrUsernameTaken)
}

func TestRegistration_RacingFinishesOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o1, err := f.gw.BeginRegistration(ctx, "bob", "")
	require.NoError(t, err)
	o2, err := f.gw.BeginRegistration(ctx, "bob", "")
	require.NoError(t, err)

	_, err = f.gw.FinishRegistration(ctx, passkeytest.New(rpID, rpOrigin).Register(o1.Challenge).JSON(), "")
	require.NoError(t, err)
	_, err = f.gw.FinishRegistration(ctx, passkeytest.New(rpID, rpOrigin).Register(o2.Challenge).JSON(), "")
	require.ErrorIs(t, err, auth.ErrUsernameTaken)
}

func TestRegistration_FailuresDiscardChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := passkeytest.New(rpID, rpOrigin)

	opts, err := f.gw.BeginRegistration(ctx, "carol", "")
	require.NoError(t, err)

	wrongRP := passkeytest.New("evil.example", rpOrigin)
	_, err = f.gw.FinishRegistration(ctx, wrongRP.Register(opts.Challenge).JSON(), "")
	require.ErrorIs(t, err, auth.ErrSignatureInvalid)

	_, err = f.gw.FinishRegistration(ctx, a.Register(opts.Challenge).JSON(), "")
	require.ErrorIs(t, err, auth.ErrChallengeMismatch)

	user, err := f.store.GetUserByUsername(ctx, "carol")
	require.NoError(t, err)
	n, err := f.store.CountCredentials(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRegistration_ExpiredChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opts, err := f.gw.BeginRegistration(ctx, "dora", "")
	require.NoError(t, err)
	*f.now = f.now.Add(2 * time.Minute)

	_, err = f.gw.FinishRegistration(ctx, passkeytest.New(rpID, rpOrigin).Register(opts.Challenge).JSON(), "")
	require.ErrorIs(t, err, auth.ErrChallengeExpired)
}

func TestRegistration_WrongOriginRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opts, err := f.gw.BeginRegistration(ctx, "erin", "")
	require.NoError(t, err)
	_, err = f.gw.FinishRegistration(ctx, passkeytest.New(rpID, "https://evil.example").Register(opts.Challenge).JSON(), "")
	require.ErrorIs(t, err, auth.ErrSignatureInvalid)
}

func TestRegistration_MalformedBody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts, err := f.gw.BeginRegistration(ctx, "fay", "")
	require.NoError(t, err)

	for _, body := range []string{"", "{}", `{"id":"abc","type":"public-key","response":{}}`} {
		_, err := f.gw.FinishRegistration(ctx, []byte(body), "")
		require.ErrorIs(t, err, auth.ErrInvalidResponse, "body %q", body)
	}

	_, err = f.gw.FinishRegistration(ctx, passkeytest.New(rpID, rpOrigin).Register(opts.Challenge).JSON(), "")
	require.NoError(t, err)
}

func TestBeginRegistration_InvalidUsername(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"", "   ", "has space", string(make([]byte, 65))} {
		_, err := f.gw.BeginRegistration(context.Background(), name, "")
		require.ErrorIs(t, err, auth.ErrInvalidUsername, "username %q", name)
	}
}

func TestLogin_RoundTripAndLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := passkeytest.New(rpID, rpOrigin)
	a.Counter = 1
	reg := f.register(t, "alice", a)

	require.NoError(t, f.gw.Logout(ctx, reg.Token, ""))
	require.NoError(t, f.gw.Logout(ctx, reg.Token, ""))
	_, ok := f.gw.Validate(ctx, reg.Token)
	require.False(t, ok)

	opts, err := f.gw.BeginLogin(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, opts.AllowedCredentials, 1)
	assert.Equal(t, a.CredentialID(), opts.AllowedCredentials[0].CredentialID.String())
	assert.Equal(t, rpID, opts.RelyingPartyID)

	issued, err := f.gw.FinishLogin(ctx, a.Login(opts.Challenge).JSON(), "127.0.0.1")
	require.NoError(t, err)
	sess, ok := f.gw.Validate(ctx, issued.Token)
	require.True(t, ok)
	assert.Equal(t, "alice", sess.Username)

	cred, err := f.store.GetCredential(ctx, a.CredentialID())
	require.NoError(t, err)
	require.NotNil(t, cred.LastUsedAt)
	assert.EqualValues(t, a.Counter, cred.SignCount)
}

func TestLogin_ReplayedCounterRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := passkeytest.New(rpID, rpOrigin)
	a.Counter = 10
	f.register(t, "alice", a)

	opts, err := f.gw.BeginLogin(ctx, "alice")
	require.NoError(t, err)
	a.Counter = 5
	_, err = f.gw.FinishLogin(ctx, a.Login(opts.Challenge).JSON(), "")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestLogin_OtherUsersCredentialRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := passkeytest.New(rpID, rpOrigin)
	mallory := passkeytest.New(rpID, rpOrigin)
	f.register(t, "alice", alice)
	f.register(t, "mallory", mallory)

	opts, err := f.gw.BeginLogin(ctx, "alice")
	require.NoError(t, err)
	_, err = f.gw.FinishLogin(ctx, mallory.Login(opts.Challenge).JSON(), "")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestLogin_UserHandleMustMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := passkeytest.New(rpID, rpOrigin)
	reg := f.register(t, "alice", a)

	a.UserHandle = []byte("someone-else")
	opts, err := f.gw.BeginLogin(ctx, "alice")
	require.NoError(t, err)
	_, err = f.gw.FinishLogin(ctx, a.Login(opts.Challenge).JSON(), "")
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	a.UserHandle = []byte(reg.User.ID)
	opts, err = f.gw.BeginLogin(ctx, "alice")
	require.NoError(t, err)
	_, err = f.gw.FinishLogin(ctx, a.Login(opts.Challenge).JSON(), "")
	require.NoError(t, err)
}

func TestLogin_ES256(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := passkeytest.NewES256(rpID, rpOrigin)
	a.Counter = 1
	f.register(t, "alice", a)

	opts, err := f.gw.BeginLogin(ctx, "alice")
	require.NoError(t, err)
	_, err = f.gw.FinishLogin(ctx, a.Login(opts.Challenge).JSON(), "")
	require.NoError(t, err)
}

func TestLogin_UnknownUserGetsDecoy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o1, err := f.gw.BeginLogin(ctx, "ghost")
	require.NoError(t, err)
	o2, err := f.gw.BeginLogin(ctx, "ghost")
	require.NoError(t, err)
	require.Len(t, o1.AllowedCredentials, 1)
	assert.Equal(t, o1.AllowedCredentials[0].CredentialID, o2.AllowedCredentials[0].CredentialID)
	assert.NotEqual(t, o1.Challenge, o2.Challenge)

	_, err = f.gw.FinishLogin(ctx, passkeytest.New(rpID, rpOrigin).Login(o1.Challenge).JSON(), "")
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	entries, err := f.store.RecentAudit(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.AuditLogin, entries[0].Event)
	assert.Nil(t, entries[0].UserID)
}

func TestValidate_ExpiredSession(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "alice", passkeytest.New(rpID, rpOrigin))

	*f.now = f.now.Add(2 * time.Hour)
	_, ok := f.gw.Validate(context.Background(), reg.Token)
	require.False(t, ok)

	n, err := f.gw.PurgeExpiredSessions(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestValidate_Garbage(t *testing.T) {
	f := newFixture(t)
	_, ok := f.gw.Validate(context.Background(), "")
	require.False(t, ok)
	_, ok = f.gw.Validate(context.Background(), "not.a.token")
	require.False(t, ok)
	require.NoError(t, f.gw.Logout(context.Background(), "not.a.token", ""))
}

func TestRecovery_CodeWorksOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "alice", passkeytest.New(rpID, rpOrigin))
	code := reg.RecoveryCodes[0]

	issued, err := f.gw.RedeemRecoveryCode(ctx, "alice", code, "")
	require.NoError(t, err)
	_, ok := f.gw.Validate(ctx, issued.Token)
	require.True(t, ok)

	_, err = f.gw.RedeemRecoveryCode(ctx, "alice", code, "")
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = f.gw.RedeemRecoveryCode(ctx, "alice", reg.RecoveryCodes[1], "")
	require.NoError(t, err)
}

func TestRecovery_ConcurrentRedemptionExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "alice", passkeytest.New(rpID, rpOrigin))
	code := reg.RecoveryCodes[3]

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.gw.RedeemRecoveryCode(context.Background(), "alice", code, ""); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestRecovery_UnknownUserAndWrongCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", passkeytest.New(rpID, rpOrigin))

	_, err := f.gw.RedeemRecoveryCode(ctx, "ghost-user-does-not-exist", "aaaaa-bbbbb-ccccc-ddddd", "")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = f.gw.RedeemRecoveryCode(ctx, "alice", "aaaaa-bbbbb-ccccc-ddddd", "")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

// countingHasher records how many argon2 derivations a redemption costs.
type countingHasher struct {
	auth.RecoveryHasher
	derivations atomic.Int32
}

func (h *countingHasher) Verify(code, encoded string) bool {
	h.derivations.Add(1)
	return h.RecoveryHasher.Verify(code, encoded)
}

func (h *countingHasher) Dummy() {
	h.derivations.Add(1)
	h.RecoveryHasher.Dummy()
}

func TestRecovery_ConstantWork(t *testing.T) {
	h := &countingHasher{RecoveryHasher: auth.NewRecoveryHasher(auth.Argon2Params{MemoryKiB: 64, Time: 1, Threads: 1})}
	f := newFixtureWithHasher(t, h)
	ctx := context.Background()
	reg := f.register(t, "alice", passkeytest.New(rpID, rpOrigin))

	cases := []struct {
		name     string
		username string
		code     string
		wantErr  error
	}{
		{"unknown user", "ghost", "aaaaa-bbbbb-ccccc-ddddd", auth.ErrUnauthorized},
		{"wrong code", "alice", "aaaaa-bbbbb-ccccc-ddddd", auth.ErrUnauthorized},
		{"first code", "alice", reg.RecoveryCodes[0], nil},
		{"last code with one burned", "alice", reg.RecoveryCodes[auth.RecoveryCodeCount-1], nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h.derivations.Store(0)
			_, err := f.gw.RedeemRecoveryCode(ctx, tc.username, tc.code, "")
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.EqualValues(t, auth.RecoveryCodeCount, h.derivations.Load())
		})
	}
}

func TestRecovery_RegenerateReplacesCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "alice", passkeytest.New(rpID, rpOrigin))
	uid := reg.User.ID

	_, err := f.gw.RedeemRecoveryCode(ctx, "alice", reg.RecoveryCodes[0], "")
	require.NoError(t, err)
	n, err := f.gw.RecoveryCodesRemaining(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, auth.RecoveryCodeCount-1, n)

	codes, err := f.gw.RegenerateRecoveryCodes(ctx, uid, "")
	require.NoError(t, err)
	require.Len(t, codes, auth.RecoveryCodeCount)
	n, err = f.gw.RecoveryCodesRemaining(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, auth.RecoveryCodeCount, n)

	_, err = f.gw.RedeemRecoveryCode(ctx, "alice", reg.RecoveryCodes[1], "")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = f.gw.RedeemRecoveryCode(ctx, "alice", codes[0], "")
	require.NoError(t, err)

	entries, err := f.store.RecentAudit(ctx, 10)
	require.NoError(t, err)
	var regenerated bool
	for _, e := range entries {
		regenerated = regenerated || e.Event == model.AuditRecoveryCodesNew
	}
	assert.True(t, regenerated)
}

func TestLogoutEverywhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "alice", passkeytest.New(rpID, rpOrigin))
	other, err := f.gw.RedeemRecoveryCode(ctx, "alice", reg.RecoveryCodes[0], "")
	require.NoError(t, err)

	require.NoError(t, f.gw.LogoutEverywhere(ctx, reg.User.ID, ""))
	_, ok := f.gw.Validate(ctx, reg.Token)
	assert.False(t, ok)
	_, ok = f.gw.Validate(ctx, other.Token)
	assert.False(t, ok)
}

func TestUpdateDisplayName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "alice", passkeytest.New(rpID, rpOrigin))

	u, err := f.gw.UpdateDisplayName(ctx, reg.User.ID, "  Alice A.  ")
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", u.DisplayName)

	_, err = f.gw.UpdateDisplayName(ctx, reg.User.ID, strings.Repeat("x", 200))
	require.ErrorIs(t, err, auth.ErrInvalidDisplayName)
	_, err = f.gw.UpdateDisplayName(ctx, "no-such-user", "x")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestCredentials_AddListRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := passkeytest.New(rpID, rpOrigin)
	reg := f.register(t, "alice", first)
	uid := reg.User.ID

	require.ErrorIs(t, f.gw.RemoveCredential(ctx, uid, first.CredentialID(), ""), auth.ErrLastCredential)

	second := passkeytest.NewES256(rpID, rpOrigin)
	opts, err := f.gw.BeginAddCredential(ctx, uid)
	require.NoError(t, err)
	require.Len(t, opts.CredentialExcludeList, 1)
	assert.Equal(t, first.CredentialID(), opts.CredentialExcludeList[0].CredentialID.String())

	resp := second.Register(opts.Challenge)
	resp.Label = "phone"
	cred, err := f.gw.FinishAddCredential(ctx, uid, resp.JSON(), "")
	require.NoError(t, err)
	assert.Equal(t, "phone", cred.Label)

	creds, err := f.gw.ListCredentials(ctx, uid)
	require.NoError(t, err)
	assert.Len(t, creds, 2)

	lopts, err := f.gw.BeginLogin(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, lopts.AllowedCredentials, 2)
	_, err = f.gw.FinishLogin(ctx, second.Login(lopts.Challenge).JSON(), "")
	require.NoError(t, err)

	require.NoError(t, f.gw.RemoveCredential(ctx, uid, first.CredentialID(), ""))
	require.ErrorIs(t, f.gw.RemoveCredential(ctx, uid, first.CredentialID(), ""), auth.ErrCredentialNotFound)
}

func TestFinishAddCredential_OtherUsersChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice", passkeytest.New(rpID, rpOrigin))
	bob := f.register(t, "bob", passkeytest.New(rpID, rpOrigin))

	opts, err := f.gw.BeginAddCredential(ctx, alice.User.ID)
	require.NoError(t, err)
	_, err = f.gw.FinishAddCredential(ctx, bob.User.ID, passkeytest.New(rpID, rpOrigin).Register(opts.Challenge).JSON(), "")
	require.ErrorIs(t, err, auth.ErrChallengeMismatch)
}

func TestFinishAddCredential_DuplicateRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := passkeytest.New(rpID, rpOrigin)
	reg := f.register(t, "alice", a)

	opts, err := f.gw.BeginAddCredential(ctx, reg.User.ID)
	require.NoError(t, err)
	_, err = f.gw.FinishAddCredential(ctx, reg.User.ID, a.Register(opts.Challenge).JSON(), "")
	require.ErrorIs(t, err, auth.ErrChallengeMismatch)
}
