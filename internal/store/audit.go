package store

import (
	"context"
	"database/sql"
	"fmt"

	"sandbox-hypervisor/internal/model"
)

func (s *Store) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	var userID sql.NullString
	if e.UserID != nil {
		userID = sql.NullString{String: *e.UserID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, event, detail, ip, created_at) VALUES (?, ?, ?, ?, ?)
	`, userID, string(e.Event), e.Detail, e.IP, toMillis(created))
	if err != nil {
		return fmt.Errorf("failed to append audit[%s]: %w", e.Event, err)
	}
	return nil
}

// RecentAudit returns the newest entries first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, event, detail, ip, created_at FROM audit_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	defer rows.Close()

	var result []model.AuditEntry
	for rows.Next() {
		var (
			e       model.AuditEntry
			userID  sql.NullString
			event   string
			created int64
		)
		if err := rows.Scan(&e.ID, &userID, &event, &e.Detail, &e.IP, &created); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		if userID.Valid {
			id := userID.String
			e.UserID = &id
		}
		e.Event = model.AuditEvent(event)
		e.CreatedAt = fromMillis(created)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit rows: %w", err)
	}
	return result, nil
}
