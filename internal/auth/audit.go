package auth

import (
	"context"
	"log/slog"
	"time"

	"sandbox-hypervisor/internal/model"
)

type auditAppender interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
}

// auditor writes the audit trail on a best-effort basis: a failed insert is
// logged and never fails the ceremony that produced it.
type auditor struct {
	store  auditAppender
	logger *slog.Logger
}

func (a auditor) record(ctx context.Context, event model.AuditEvent, userID *string, detail, ip string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := a.store.AppendAudit(ctx, model.AuditEntry{
		UserID: userID,
		Event:  event,
		Detail: detail,
		IP:     ip,
	})
	if err != nil {
		a.logger.Error("audit write failed", "event", event, "error", err)
	}
}
