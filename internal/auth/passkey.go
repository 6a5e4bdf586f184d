package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"sandbox-hypervisor/internal/model"
)

func newWebAuthn(rp RelyingParty, timeout time.Duration) (*webauthn.WebAuthn, error) {
	name := rp.Name
	if name == "" {
		name = rp.ID
	}
	t := webauthn.TimeoutConfig{Timeout: timeout, TimeoutUVD: timeout}
	return webauthn.New(&webauthn.Config{
		RPID:          rp.ID,
		RPDisplayName: name,
		RPOrigins:     []string{rp.Origin},
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		},
		AttestationPreference: protocol.PreferNoAttestation,
		Timeouts:              webauthn.TimeoutsConfig{Login: t, Registration: t},
	})
}

// passkeyUser presents a stored user and its decoded passkeys to the
// ceremony library. The user handle is the user id.
type passkeyUser struct {
	user  model.User
	creds []webauthn.Credential
}

func (u passkeyUser) WebAuthnID() []byte   { return []byte(u.user.ID) }
func (u passkeyUser) WebAuthnName() string { return u.user.Username }

func (u passkeyUser) WebAuthnDisplayName() string {
	if u.user.DisplayName == "" {
		return u.user.Username
	}
	return u.user.DisplayName
}

func (u passkeyUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

func (u passkeyUser) descriptors() []protocol.CredentialDescriptor {
	return webauthn.Credentials(u.creds).CredentialDescriptors()
}

func newPasskeyUser(user model.User, stored []model.Credential) (passkeyUser, error) {
	u := passkeyUser{user: user, creds: make([]webauthn.Credential, 0, len(stored))}
	for _, c := range stored {
		wc, err := decodeRecord(c.Record)
		if err != nil {
			return passkeyUser{}, fmt.Errorf("credential %s: %w", c.ID, err)
		}
		u.creds = append(u.creds, wc)
	}
	return u, nil
}

func encodeRecord(c webauthn.Credential) ([]byte, error) {
	return json.Marshal(c)
}

func decodeRecord(raw []byte) (webauthn.Credential, error) {
	var c webauthn.Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return webauthn.Credential{}, fmt.Errorf("malformed credential record: %w", err)
	}
	return c, nil
}

// credentialID is how credential ids are keyed in storage and URLs: the
// same base64url text the browser reports as PublicKeyCredential.id.
func credentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// verificationFailure folds a ceremony library error into
// ErrSignatureInvalid, keeping its detail for the audit trail.
func verificationFailure(err error) error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		if perr.DevInfo != "" {
			return fmt.Errorf("%w: %s (%s)", ErrSignatureInvalid, perr.Details, perr.DevInfo)
		}
		return fmt.Errorf("%w: %s", ErrSignatureInvalid, perr.Details)
	}
	return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
}
