package auth

import (
	"context"
	"errors"
	"fmt"

	"sandbox-hypervisor/internal/model"
	"sandbox-hypervisor/internal/store"
)

// BeginAddCredential starts a ceremony that attaches another passkey to a
// signed-in user.
func (g *Gateway) BeginAddCredential(ctx context.Context, userID string) (RegistrationOptions, error) {
	user, err := g.store.GetUserByID(ctx, userID)
	if err != nil {
		return RegistrationOptions{}, err
	}
	creds, err := g.store.ListCredentials(ctx, user.ID)
	if err != nil {
		return RegistrationOptions{}, err
	}
	pu, err := newPasskeyUser(user, creds)
	if err != nil {
		return RegistrationOptions{}, err
	}
	return g.beginCreate(ceremonyAddCredential, pu)
}

func (g *Gateway) FinishAddCredential(ctx context.Context, userID string, body []byte, ip string) (model.Credential, error) {
	pending, cred, err := g.verifyAttestation(body, ceremonyAddCredential)
	if err == nil && pending.userID != userID {
		err = ErrChallengeMismatch
	}
	if err != nil {
		g.audit.record(ctx, model.AuditCredentialAdded, &userID, "failed: "+err.Error(), ip)
		return model.Credential{}, err
	}
	if err := g.store.AddCredential(ctx, cred); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return model.Credential{}, fmt.Errorf("%w: credential already registered", ErrChallengeMismatch)
		}
		return model.Credential{}, err
	}
	g.audit.record(ctx, model.AuditCredentialAdded, &userID, "credential "+cred.ID, ip)
	return cred, nil
}

func (g *Gateway) ListCredentials(ctx context.Context, userID string) ([]model.Credential, error) {
	return g.store.ListCredentials(ctx, userID)
}

// RemoveCredential deletes one of the user's passkeys. The last one stays.
func (g *Gateway) RemoveCredential(ctx context.Context, userID, credentialID, ip string) error {
	err := g.store.RemoveCredential(ctx, userID, credentialID)
	switch {
	case errors.Is(err, store.ErrLastCredential):
		return ErrLastCredential
	case errors.Is(err, store.ErrNotFound):
		return ErrCredentialNotFound
	case err != nil:
		return err
	}
	g.audit.record(ctx, model.AuditCredentialRemoved, &userID, "credential "+credentialID, ip)
	return nil
}
