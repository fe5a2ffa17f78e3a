package corestore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookup methods when no row matches. Engines
// translate it into the appropriate domain error (coreerr.ErrUserNotFound,
// etc.) rather than leaking it to callers directly.
var ErrNotFound = errors.New("corestore: not found")

// Store is the transactional persistence contract. A concrete implementation
// (see corestore/pg) backs every entity family in the data model. All
// methods are realm-scoped where the entity is realm-scoped.
//
// Implementations MUST support WithTx so engines can compose multi-row
// operations (session eviction, refresh rotation, backup-code consumption)
// atomically at REPEATABLE READ, per spec's concurrency model.
type Store interface {
	// WithTx runs fn against a Store bound to a single transaction at
	// REPEATABLE READ isolation. A non-nil return rolls the transaction back.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	Users
	Roles
	Tokens
	Lockout
	MFA
	Sessions
	Audit
}

type Users interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, realm string, id uuid.UUID) (*User, error)
	GetUserByEmail(ctx context.Context, realm string, email string) (*User, error)
	GetUserByPhone(ctx context.Context, realm string, phone string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, realm string, id uuid.UUID) error
	AssignRole(ctx context.Context, realm string, userID uuid.UUID, role string) error
	RemoveRole(ctx context.Context, realm string, userID uuid.UUID, role string) error
}

type Roles interface {
	CreateRole(ctx context.Context, r *Role) error
	ListRoles(ctx context.Context, realm string) ([]Role, error)
	DeleteRole(ctx context.Context, realm string, name string) error
}

type Tokens interface {
	InsertToken(ctx context.Context, t *StoredToken) error
	GetTokenByHash(ctx context.Context, tokenHash string) (*StoredToken, error)
	MarkTokenUsed(ctx context.Context, id uuid.UUID, firstUsedAt, lastUsedAt time.Time) error
	RevokeToken(ctx context.Context, id uuid.UUID) error
	DeleteToken(ctx context.Context, id uuid.UUID) error
	RevokeAllTokensForUser(ctx context.Context, userID uuid.UUID) error
	RevokeTokenFamily(ctx context.Context, family uuid.UUID) error
	ListTokensInFamily(ctx context.Context, family uuid.UUID) ([]StoredToken, error)
}

type Lockout interface {
	InsertFailedAttempt(ctx context.Context, a *FailedAttempt) error
	DeleteFailedAttemptsOlderThan(ctx context.Context, identifier string, cutoff time.Time) error
	CountFailedAttemptsByIdentifier(ctx context.Context, identifier string, since time.Time) (int, error)
	CountFailedAttemptsByIP(ctx context.Context, ip string, since time.Time) (int, error)
	CountFailedAttemptsByUser(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	ClearFailedAttemptsForIdentifier(ctx context.Context, identifier string) error
	ClearFailedAttemptsForUser(ctx context.Context, userID uuid.UUID) error

	UpsertAccountLock(ctx context.Context, l *AccountLock) error
	GetAccountLock(ctx context.Context, userID uuid.UUID) (*AccountLock, error)
	DeleteAccountLock(ctx context.Context, userID uuid.UUID) error
}

type MFA interface {
	CreateMfaMethod(ctx context.Context, m *MfaMethod) error
	GetMfaMethod(ctx context.Context, userID uuid.UUID, methodID uuid.UUID) (*MfaMethod, error)
	GetMfaMethodByType(ctx context.Context, userID uuid.UUID, t MfaMethodType) (*MfaMethod, error)
	UpdateMfaMethodStatus(ctx context.Context, methodID uuid.UUID, status MfaMethodStatus) error
	DeleteMfaMethod(ctx context.Context, methodID uuid.UUID) error
	ListMfaMethods(ctx context.Context, userID uuid.UUID) ([]MfaMethod, error)

	CreateMfaChallenge(ctx context.Context, c *MfaChallenge) error
	GetMfaChallenge(ctx context.Context, id uuid.UUID) (*MfaChallenge, error)
	ConsumeMfaChallenge(ctx context.Context, id uuid.UUID, consumedAt time.Time) error
	CountRecentChallenges(ctx context.Context, userID, methodID uuid.UUID, since time.Time) (int, error)
	LastChallengeSentAt(ctx context.Context, userID, methodID uuid.UUID) (*time.Time, error)

	CreateTrustedDevice(ctx context.Context, d *MfaTrustedDevice) error
	GetTrustedDevice(ctx context.Context, userID uuid.UUID, fingerprint string) (*MfaTrustedDevice, error)
	TouchTrustedDevice(ctx context.Context, id uuid.UUID, lastUsedAt time.Time) error
	ListTrustedDevices(ctx context.Context, userID uuid.UUID) ([]MfaTrustedDevice, error)
	DeleteTrustedDevice(ctx context.Context, id uuid.UUID) error
	DeleteAllTrustedDevices(ctx context.Context, userID uuid.UUID) error

	ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, codes []MfaBackupCode) error
	GetBackupCodeByHash(ctx context.Context, userID uuid.UUID, codeHash string) (*MfaBackupCode, error)
	ConsumeBackupCode(ctx context.Context, userID uuid.UUID, index int, usedAt time.Time) error
	CountUnusedBackupCodes(ctx context.Context, userID uuid.UUID) (int, error)

	// RecordTotpStep fences replay of a given (userID, methodID, step) pair
	// within the validity window. Returns false if the step was already seen.
	RecordTotpStep(ctx context.Context, userID, methodID uuid.UUID, step int64, seenAt time.Time) (bool, error)
}

type Sessions interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSessionByTokenFamily(ctx context.Context, family uuid.UUID) (*Session, error)
	GetSessionByID(ctx context.Context, id uuid.UUID) (*Session, error)
	ListActiveSessions(ctx context.Context, userID uuid.UUID) ([]Session, error)
	CountActiveSessions(ctx context.Context, userID uuid.UUID) (int, error)
	TouchSession(ctx context.Context, family uuid.UUID, lastActivityAt, expiresAt time.Time) error
	RevokeSession(ctx context.Context, id uuid.UUID, reason string, revokedAt time.Time) error
	ListExpiredSessions(ctx context.Context, before time.Time) ([]Session, error)
	ListTerminalSessions(ctx context.Context) ([]Session, error) // EXPIRED or REVOKED
	DeleteSession(ctx context.Context, id uuid.UUID) error
	ArchiveSession(ctx context.Context, entry *SessionHistoryEntry) error
	SessionHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]SessionHistoryEntry, error)
	DeleteHistoryOlderThan(ctx context.Context, cutoff time.Time) error
}

// AuditFilter narrows Query/Count/Export. Zero-value fields are ignored.
type AuditFilter struct {
	Realm      string
	EventTypes []string
	ActorID    *uuid.UUID
	TargetID   *uuid.UUID
	Result     *AuditResult
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

type Audit interface {
	InsertAuditEvents(ctx context.Context, events []AuditEvent) error
	QueryAuditEvents(ctx context.Context, f AuditFilter) ([]AuditEvent, error)
	CountAuditEvents(ctx context.Context, f AuditFilter) (int, error)
	DeleteAuditEventsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
