// Package coreerr defines the error taxonomy in spec (kinds, not wire
// codes): validation, authorization, database, and configuration errors
// shared across every engine. Authentication and token paths never wrap a
// storage-layer or credential-bearing string into these — see each engine's
// own sentinel wrapping for the rule.
package coreerr

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors. Compare with errors.Is; the few with payload data are
// typed below and compare with errors.As.
var (
	// Validation
	ErrEmailAlreadyExists = fmt.Errorf("email already exists")
	ErrPhoneAlreadyExists = fmt.Errorf("phone already exists")
	ErrRoleNotFound       = fmt.Errorf("role not found")
	ErrProfileNotFound    = fmt.Errorf("profile not found")
	ErrUserNotFound       = fmt.Errorf("user not found")
	ErrUserUpdateFailed   = fmt.Errorf("user update failed")

	// Authorization
	ErrInvalidCredentials    = fmt.Errorf("invalid credentials")
	ErrSuspiciousToken       = fmt.Errorf("suspicious token")
	ErrInvalidToken          = fmt.Errorf("invalid token")
	ErrUserRoleNotFound      = fmt.Errorf("user role not found")
	ErrUserHasNoRoles        = fmt.Errorf("user has no roles")
	ErrUnverifiedAccount     = fmt.Errorf("unverified account")
	ErrInsufficientPerms     = fmt.Errorf("insufficient permissions")
	ErrInvalidMfaCode        = fmt.Errorf("invalid mfa code")
	ErrMfaNotEnrolled        = fmt.Errorf("mfa method not enrolled")
	ErrMfaRateLimited        = fmt.Errorf("mfa rate limit exceeded")
	ErrMfaCooldown           = fmt.Errorf("mfa challenge cooldown active")
	ErrBackupCodeInvalid     = fmt.Errorf("invalid backup code")
	ErrChallengeExpired      = fmt.Errorf("mfa challenge expired or consumed")

	// Database
	ErrIntegrity  = fmt.Errorf("database integrity violation")
	ErrConnection = fmt.Errorf("database connection error")
	ErrAccess     = fmt.Errorf("database access error")
	ErrUnknownDB  = fmt.Errorf("unknown database error")

	// Configuration
	ErrRealmNotConfigured   = fmt.Errorf("realm not configured")
	ErrPluginNotConfigured  = fmt.Errorf("plugin not configured")
)

// AccountLockedError carries the details spec requires callers be able to
// inspect: when the lock lifts (zero value for indefinite) and why.
type AccountLockedError struct {
	LockedUntil time.Time
	Reason      string
}

func (e *AccountLockedError) Error() string {
	if e.LockedUntil.IsZero() {
		return fmt.Sprintf("account locked indefinitely: %s", e.Reason)
	}
	return fmt.Sprintf("account locked until %s: %s", e.LockedUntil.Format(time.RFC3339), e.Reason)
}

// TokenReplayDetectedError is fatal for the token family it names.
type TokenReplayDetectedError struct {
	TokenFamily     uuid.UUID
	OriginalTokenID uuid.UUID
}

func (e *TokenReplayDetectedError) Error() string {
	return fmt.Sprintf("token replay detected for family %s (original token %s)", e.TokenFamily, e.OriginalTokenID)
}
