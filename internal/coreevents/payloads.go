package coreevents

import (
	"time"

	"github.com/google/uuid"
)

// TokenIssuedPayload accompanies TokenIssued. Session creation subscribes to
// this to open a session row keyed by TokenFamily.
type TokenIssuedPayload struct {
	UserID        uuid.UUID
	TokenFamily   uuid.UUID
	AccessTokenID uuid.UUID
	RefreshTokenID uuid.UUID
	DeviceFingerprint string
	UserAgent     *string
	IPAddress     *string
	ExpiresAt     time.Time
}

// TokenRefreshedPayload accompanies TokenRefreshed. Session activity
// tracking subscribes to this to slide the session's expiry forward.
type TokenRefreshedPayload struct {
	UserID         uuid.UUID
	TokenFamily    uuid.UUID
	NewAccessToken uuid.UUID
	NewRefreshToken uuid.UUID
	ExpiresAt      time.Time
}

type TokenRevokedPayload struct {
	UserID      uuid.UUID
	TokenFamily uuid.UUID
	Reason      string
}

type TokenReplayDetectedPayload struct {
	UserID          uuid.UUID
	TokenFamily     uuid.UUID
	OriginalTokenID uuid.UUID
	FamilyRevoked   bool
}

type LoginSuccessPayload struct {
	UserID            uuid.UUID
	Identifier        string
	IPAddress         *string
	DeviceFingerprint string
}

type LoginFailedPayload struct {
	Identifier string
	Reason     string
	IPAddress  *string
}

type AccountLockedPayload struct {
	UserID      uuid.UUID
	Reason      string
	LockedUntil *time.Time
}

type AccountUnlockedPayload struct {
	UserID uuid.UUID
	Reason string
}

type UserCreatedPayload struct {
	UserID uuid.UUID
}

type UserUpdatedPayload struct {
	UserID uuid.UUID
	Fields []string
}

type UserDeletedPayload struct {
	UserID uuid.UUID
}
