// Package corestore defines the persistence contract (C3): one method
// group per entity family in the data model, plus the transaction seam
// every multi-row engine operation (session eviction, refresh rotation,
// backup-code consumption) runs inside.
package corestore

import (
	"time"

	"github.com/google/uuid"
)

type UserStatus string

const (
	UserActive   UserStatus = "ACTIVE"
	UserDisabled UserStatus = "DISABLED"
)

type User struct {
	ID           uuid.UUID
	Realm        string
	Email        *string
	Phone        *string
	PasswordHash string
	Status       UserStatus
	Roles        []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Role struct {
	Realm string
	Name  string
}

type TokenType string

const (
	TokenAccess  TokenType = "ACCESS"
	TokenRefresh TokenType = "REFRESH"
)

type StoredToken struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	TokenHash     string
	Type          TokenType
	Revoked       bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
	TokenFamily   uuid.UUID
	ParentTokenID *uuid.UUID
	FirstUsedAt   *time.Time
	LastUsedAt    *time.Time
}

type FailedAttempt struct {
	ID          uuid.UUID
	Identifier  string
	UserID      *uuid.UUID
	IPAddress   *string
	AttemptedAt time.Time
	Reason      string
}

type AccountLock struct {
	UserID      uuid.UUID
	LockedUntil *time.Time // nil => indefinite
	Reason      string
	LockedAt    time.Time
}

type MfaMethodType string

const (
	MfaTOTP  MfaMethodType = "TOTP"
	MfaEmail MfaMethodType = "EMAIL"
	MfaSMS   MfaMethodType = "SMS"
)

type MfaMethodStatus string

const (
	MfaPending MfaMethodStatus = "PENDING"
	MfaActive  MfaMethodStatus = "ACTIVE"
)

type MfaMethod struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Type      MfaMethodType
	Secret    string // encrypted-at-rest for TOTP; opaque contact ref for email/sms
	Status    MfaMethodStatus
	CreatedAt time.Time
}

type MfaChallenge struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	MethodID    uuid.UUID
	CodeHash    string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
	ForEnroll   bool
}

type MfaTrustedDevice struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	DeviceFingerprint string
	DeviceName        *string
	TrustedAt         time.Time
	LastUsedAt        *time.Time
	ExpiresAt         *time.Time
}

type MfaBackupCode struct {
	UserID   uuid.UUID
	Index    int
	CodeHash string
	UsedAt   *time.Time
}

type SessionStatus string

const (
	SessionActive  SessionStatus = "ACTIVE"
	SessionExpired SessionStatus = "EXPIRED"
	SessionRevoked SessionStatus = "REVOKED"
)

type Session struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	TokenFamily    uuid.UUID
	DeviceFPrint   string
	DeviceName     *string
	UserAgent      *string
	IPAddress      *string
	Latitude       *float64
	Longitude      *float64
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	Status         SessionStatus
	RevokedReason  *string
	RevokedAt      *time.Time
}

type SessionHistoryEntry struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	UserID         uuid.UUID
	TokenFamily    uuid.UUID
	DeviceFPrint   string
	CreatedAt      time.Time
	TerminatedAt   time.Time
	FinalStatus    SessionStatus
	RevokedReason  *string
	ArchivedAt     time.Time
}

type ActorType string

const (
	ActorUser      ActorType = "USER"
	ActorAdmin     ActorType = "ADMIN"
	ActorSystem    ActorType = "SYSTEM"
	ActorAnonymous ActorType = "ANONYMOUS"
)

type AuditResult string

const (
	ResultSuccess        AuditResult = "SUCCESS"
	ResultFailure        AuditResult = "FAILURE"
	ResultPartialSuccess AuditResult = "PARTIAL_SUCCESS"
)

type AuditEvent struct {
	ID         uuid.UUID
	EventType  string
	Timestamp  time.Time
	ActorID    *uuid.UUID
	ActorType  ActorType
	TargetID   *uuid.UUID
	TargetType *string
	Result     AuditResult
	Metadata   map[string]interface{}
	Realm      string
	SessionID  *uuid.UUID
}
