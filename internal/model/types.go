package model

import "time"

type User struct {
	ID          string
	Username    string
	DisplayName string
	CreatedAt   time.Time
}

// Credential is one registered passkey. Record is the serialized WebAuthn
// credential (public key, flags, authenticator counter) and is opaque to
// everything outside the auth package.
type Credential struct {
	ID         string
	UserID     string
	Record     []byte
	SignCount  uint32
	Label      string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

type RecoveryCode struct {
	ID        string
	UserID    string
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

type AuditEvent string

const (
	AuditLogin             AuditEvent = "login"
	AuditLogout            AuditEvent = "logout"
	AuditRegister          AuditEvent = "register"
	AuditRecoveryCodeUsed  AuditEvent = "recovery_code_used"
	AuditCredentialAdded   AuditEvent = "credential_added"
	AuditCredentialRemoved AuditEvent = "credential_removed"
	AuditRecoveryCodesNew  AuditEvent = "recovery_codes_regenerated"
	AuditLogoutAll         AuditEvent = "logout_all"
)

type AuditEntry struct {
	ID        int64
	UserID    *string
	Event     AuditEvent
	Detail    string
	IP        string
	CreatedAt time.Time
}

type Session struct {
	ID        string
	UserID    string
	Username  string
	IP        string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
