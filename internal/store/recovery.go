package store

import (
	"context"
	"fmt"
	"time"

	"sandbox-hypervisor/internal/model"
)

// UnusedRecoveryCodes returns the hashes a redemption attempt may match.
func (s *Store) UnusedRecoveryCodes(ctx context.Context, userID string) ([]model.RecoveryCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, code_hash, created_at FROM recovery_codes
		WHERE user_id = ? AND used_at IS NULL ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery codes[%s]: %w", userID, err)
	}
	defer rows.Close()

	var result []model.RecoveryCode
	for rows.Next() {
		var (
			rc      model.RecoveryCode
			created int64
		)
		if err := rows.Scan(&rc.ID, &rc.UserID, &rc.CodeHash, &created); err != nil {
			return nil, fmt.Errorf("failed to scan recovery code row: %w", err)
		}
		rc.CreatedAt = fromMillis(created)
		result = append(result, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recovery code rows: %w", err)
	}
	return result, nil
}

// ConsumeRecoveryCode marks a code used. It reports false when another
// redemption got there first.
func (s *Store) ConsumeRecoveryCode(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recovery_codes SET used_at = ? WHERE id = ? AND used_at IS NULL
	`, toMillis(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to consume recovery code[%s]: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows[%s]: %w", id, err)
	}
	return n == 1, nil
}

func (s *Store) CountUnusedRecoveryCodes(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM recovery_codes WHERE user_id = ? AND used_at IS NULL
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count recovery codes[%s]: %w", userID, err)
	}
	return n, nil
}

// ReplaceRecoveryCodes discards every code the user holds and stores a
// fresh set.
func (s *Store) ReplaceRecoveryCodes(ctx context.Context, userID string, hashes []string) error {
	return s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM recovery_codes WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("failed to delete recovery codes[%s]: %w", userID, err)
		}
		return insertRecoveryCodes(ctx, tx, userID, hashes, s.now())
	})
}
