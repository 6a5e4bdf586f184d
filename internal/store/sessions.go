package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sandbox-hypervisor/internal/model"
)

func (s *Store) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, ip, created_at, expires_at) VALUES (?, ?, ?, ?, ?)
	`, sess.ID, sess.UserID, sess.IP, toMillis(sess.CreatedAt), toMillis(sess.ExpiresAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create session[%s]: %w", sess.UserID, err)
	}
	return nil
}

// GetSession returns the session with its owner's username. Expired rows
// are returned as-is; callers decide validity.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	var (
		sess             model.Session
		created, expires int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.user_id, u.username, s.ip, s.created_at, s.expires_at
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.id = ?
	`, id).Scan(&sess.ID, &sess.UserID, &sess.Username, &sess.IP, &created, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	sess.CreatedAt = fromMillis(created)
	sess.ExpiresAt = fromMillis(expires)
	return sess, nil
}

// DeleteSession is idempotent.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete sessions[%s]: %w", userID, err)
	}
	return nil
}
