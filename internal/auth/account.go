package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sandbox-hypervisor/internal/model"
	"sandbox-hypervisor/internal/store"
)

const maxDisplayNameLen = 128

var ErrInvalidDisplayName = errors.New("invalid display name")

func (g *Gateway) newRecoveryCodes() ([]string, []string, error) {
	codes, err := GenerateRecoveryCodes(RecoveryCodeCount)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate recovery codes: %w", err)
	}
	hashes := make([]string, 0, len(codes))
	for _, c := range codes {
		h, err := g.hasher.Hash(c)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to hash recovery code: %w", err)
		}
		hashes = append(hashes, h)
	}
	return codes, hashes, nil
}

// RegenerateRecoveryCodes discards every recovery code the user holds,
// used or not, and returns a fresh batch. The plaintext is only ever
// available here.
func (g *Gateway) RegenerateRecoveryCodes(ctx context.Context, userID, ip string) ([]string, error) {
	codes, hashes, err := g.newRecoveryCodes()
	if err != nil {
		return nil, err
	}
	if err := g.store.ReplaceRecoveryCodes(ctx, userID, hashes); err != nil {
		return nil, err
	}
	g.audit.record(ctx, model.AuditRecoveryCodesNew, &userID, "", ip)
	g.logger.Info("recovery codes regenerated", "user_id", userID)
	return codes, nil
}

func (g *Gateway) RecoveryCodesRemaining(ctx context.Context, userID string) (int, error) {
	return g.store.CountUnusedRecoveryCodes(ctx, userID)
}

// LogoutEverywhere revokes every session the user holds, including the
// caller's own.
func (g *Gateway) LogoutEverywhere(ctx context.Context, userID, ip string) error {
	if err := g.store.DeleteUserSessions(ctx, userID); err != nil {
		return err
	}
	g.audit.record(ctx, model.AuditLogoutAll, &userID, "", ip)
	return nil
}

func (g *Gateway) UpdateDisplayName(ctx context.Context, userID, displayName string) (model.User, error) {
	displayName = strings.TrimSpace(displayName)
	if len(displayName) > maxDisplayNameLen {
		return model.User{}, ErrInvalidDisplayName
	}
	if err := g.store.UpdateDisplayName(ctx, userID, displayName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.User{}, ErrUnauthorized
		}
		return model.User{}, err
	}
	return g.store.GetUserByID(ctx, userID)
}
