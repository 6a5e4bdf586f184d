package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"sandbox-hypervisor/internal/model"
)

const userColumns = `id, username, display_name, created_at`

// CreateUserIfAbsent returns the user owning username, creating it first
// when no such user exists. Concurrent callers observe the same row.
func (s *Store) CreateUserIfAbsent(ctx context.Context, username, displayName string) (model.User, error) {
	if displayName == "" {
		displayName = username
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO NOTHING
	`, uuid.NewString(), username, displayName, toMillis(s.now()))
	if err != nil {
		return model.User{}, fmt.Errorf("failed to create user[%s]: %w", username, err)
	}
	return s.GetUserByUsername(ctx, username)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to get user[%s]: %w", username, err)
	}
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to get user by id[%s]: %w", id, err)
	}
	return u, nil
}

func (s *Store) UpdateDisplayName(ctx context.Context, id, displayName string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET display_name = ? WHERE id = ?`, displayName, id)
	if err != nil {
		return fmt.Errorf("failed to update display name[%s]: %w", id, err)
	}
	return requireAffected(res, id)
}

func scanUser(row *sql.Row) (model.User, error) {
	var (
		u       model.User
		created int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, err
	}
	u.CreatedAt = fromMillis(created)
	return u, nil
}

func requireAffected(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows[%s]: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
