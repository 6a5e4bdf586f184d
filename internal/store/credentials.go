package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sandbox-hypervisor/internal/model"
)

const credentialColumns = `credential_id, user_id, record, sign_count, label, created_at, last_used_at`

func (s *Store) ListCredentials(ctx context.Context, userID string) ([]model.Credential, error) {
	return listCredentials(ctx, s.db, userID)
}

func listCredentials(ctx context.Context, db DBTX, userID string) ([]model.Credential, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM passkeys WHERE user_id = ? ORDER BY created_at, credential_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials[%s]: %w", userID, err)
	}
	defer rows.Close()

	var result []model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential row: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credential rows: %w", err)
	}
	return result, nil
}

func (s *Store) CountCredentials(ctx context.Context, userID string) (int, error) {
	return countCredentials(ctx, s.db, userID)
}

func countCredentials(ctx context.Context, db DBTX, userID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passkeys WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count credentials[%s]: %w", userID, err)
	}
	return n, nil
}

func (s *Store) GetCredential(ctx context.Context, credentialID string) (model.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM passkeys WHERE credential_id = ?`, credentialID)
	if err != nil {
		return model.Credential{}, fmt.Errorf("failed to get credential[%s]: %w", credentialID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return model.Credential{}, fmt.Errorf("failed to get credential[%s]: %w", credentialID, err)
		}
		return model.Credential{}, ErrNotFound
	}
	c, err := scanCredential(rows)
	if err != nil {
		return model.Credential{}, fmt.Errorf("failed to scan credential[%s]: %w", credentialID, err)
	}
	return c, nil
}

// AddFirstCredential stores the user's first passkey together with its
// recovery code hashes. It fails with ErrConflict when the user already
// owns a credential, so two racing registrations cannot both succeed.
func (s *Store) AddFirstCredential(ctx context.Context, cred model.Credential, codeHashes []string) error {
	return s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		n, err := countCredentials(ctx, tx, cred.UserID)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		if err := insertCredential(ctx, tx, cred, s.now()); err != nil {
			return err
		}
		return insertRecoveryCodes(ctx, tx, cred.UserID, codeHashes, s.now())
	})
}

func (s *Store) AddCredential(ctx context.Context, cred model.Credential) error {
	return insertCredential(ctx, s.db, cred, s.now())
}

func insertCredential(ctx context.Context, db DBTX, cred model.Credential, now time.Time) error {
	created := cred.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO passkeys (credential_id, user_id, record, sign_count, label, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cred.ID, cred.UserID, cred.Record, cred.SignCount, cred.Label, toMillis(created))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert credential[%s]: %w", cred.ID, err)
	}
	return nil
}

// TouchCredential records a successful assertion, replacing the stored
// record with the one carrying the advanced counter.
func (s *Store) TouchCredential(ctx context.Context, credentialID string, record []byte, signCount uint32, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE passkeys SET record = ?, sign_count = ?, last_used_at = ? WHERE credential_id = ?
	`, record, signCount, toMillis(at), credentialID)
	if err != nil {
		return fmt.Errorf("failed to touch credential[%s]: %w", credentialID, err)
	}
	return requireAffected(res, credentialID)
}

// RemoveCredential deletes a passkey owned by userID, refusing to remove
// the user's only remaining credential.
func (s *Store) RemoveCredential(ctx context.Context, userID, credentialID string) error {
	return s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		n, err := countCredentials(ctx, tx, userID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM passkeys WHERE credential_id = ? AND user_id = ?`, credentialID, userID)
		if err != nil {
			return fmt.Errorf("failed to delete credential[%s]: %w", credentialID, err)
		}
		if err := requireAffected(res, credentialID); err != nil {
			return err
		}
		if n <= 1 {
			return ErrLastCredential
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (model.Credential, error) {
	var (
		c        model.Credential
		created  int64
		lastUsed sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Record, &c.SignCount, &c.Label, &created, &lastUsed); err != nil {
		return model.Credential{}, err
	}
	c.CreatedAt = fromMillis(created)
	c.LastUsedAt = fromNullMillis(lastUsed)
	return c, nil
}

func insertRecoveryCodes(ctx context.Context, db DBTX, userID string, hashes []string, now time.Time) error {
	for _, h := range hashes {
		_, err := db.ExecContext(ctx, `
			INSERT INTO recovery_codes (id, user_id, code_hash, created_at) VALUES (?, ?, ?, ?)
		`, uuid.NewString(), userID, h, toMillis(now))
		if err != nil {
			return fmt.Errorf("failed to insert recovery code[%s]: %w", userID, err)
		}
	}
	return nil
}
