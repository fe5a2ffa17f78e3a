package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lavente/identity-core/internal/coreevents"
	"github.com/lavente/identity-core/internal/coreid"
	"github.com/lavente/identity-core/internal/corestore"
)

// LockoutPolicy is the per-realm failed-attempt and lockout configuration.
type LockoutPolicy struct {
	Enabled           bool
	MaxFailedAttempts int
	AttemptWindow     time.Duration
	LockoutDuration   time.Duration
}

// Preset policy shapes named in the contract.
func StrictLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Enabled: true, MaxFailedAttempts: 3, AttemptWindow: 15 * time.Minute, LockoutDuration: time.Hour}
}

func ModerateLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Enabled: true, MaxFailedAttempts: 5, AttemptWindow: 15 * time.Minute, LockoutDuration: 30 * time.Minute}
}

func LenientLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Enabled: true, MaxFailedAttempts: 10, AttemptWindow: 30 * time.Minute, LockoutDuration: 15 * time.Minute}
}

func DisabledLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Enabled: false}
}

// ThrottleDecision is the result of ShouldThrottleIdentifier/ShouldThrottleIP.
type ThrottleDecision struct {
	Throttled    bool
	AttemptCount int
}

// LockDecision is the result of ShouldLockAccount.
type LockDecision struct {
	ShouldLock   bool
	AttemptCount int
}

// ipThrottleMultiplier is fixed per the design: IP throttling trips at
// 4x the per-identifier threshold so a single noisy IP doesn't lock out
// unrelated accounts sharing it before its own attempts look abusive.
const ipThrottleMultiplier = 4

// LockoutEngine implements the C7 contract: failed-attempt accounting and
// account locking, independent of which identifier (email/phone) failed.
type LockoutEngine struct {
	realm  string
	policy LockoutPolicy
	store  corestore.Store
	clock  coreid.Clock
	ids    coreid.UuidGen
	bus    Publisher
}

func NewLockoutEngine(realm string, policy LockoutPolicy, store corestore.Store, clock coreid.Clock, ids coreid.UuidGen, bus Publisher) *LockoutEngine {
	if clock == nil {
		clock = coreid.SystemClock{}
	}
	if ids == nil {
		ids = coreid.GoogleUUIDGen{}
	}
	return &LockoutEngine{realm: realm, policy: policy, store: store, clock: clock, ids: ids, bus: bus}
}

func (e *LockoutEngine) RecordFailedAttempt(ctx context.Context, identifier string, userID *uuid.UUID, ip *string, reason string) error {
	now := e.clock.Now()
	if err := e.store.InsertFailedAttempt(ctx, &corestore.FailedAttempt{
		ID: e.ids.New(), Identifier: identifier, UserID: userID, IPAddress: ip,
		AttemptedAt: now, Reason: reason,
	}); err != nil {
		return fmt.Errorf("record failed attempt: %w", err)
	}
	_ = e.store.DeleteFailedAttemptsOlderThan(ctx, identifier, now.Add(-e.policy.AttemptWindow))
	if e.bus != nil {
		e.bus.Publish(ctx, coreevents.Event{
			Type: coreevents.LoginFailed, Realm: e.realm, Timestamp: now, ActorID: userID,
			Payload: coreevents.LoginFailedPayload{Identifier: identifier, Reason: reason, IPAddress: ip},
		})
	}
	return nil
}

func (e *LockoutEngine) ShouldThrottleIdentifier(ctx context.Context, identifier string) (ThrottleDecision, error) {
	if !e.policy.Enabled {
		return ThrottleDecision{}, nil
	}
	since := e.clock.Now().Add(-e.policy.AttemptWindow)
	n, err := e.store.CountFailedAttemptsByIdentifier(ctx, identifier, since)
	if err != nil {
		return ThrottleDecision{}, err
	}
	return ThrottleDecision{Throttled: n >= e.policy.MaxFailedAttempts, AttemptCount: n}, nil
}

func (e *LockoutEngine) ShouldThrottleIP(ctx context.Context, ip string) (ThrottleDecision, error) {
	if !e.policy.Enabled {
		return ThrottleDecision{}, nil
	}
	since := e.clock.Now().Add(-e.policy.AttemptWindow)
	n, err := e.store.CountFailedAttemptsByIP(ctx, ip, since)
	if err != nil {
		return ThrottleDecision{}, err
	}
	return ThrottleDecision{Throttled: n >= ipThrottleMultiplier*e.policy.MaxFailedAttempts, AttemptCount: n}, nil
}

func (e *LockoutEngine) ShouldLockAccount(ctx context.Context, userID uuid.UUID) (LockDecision, error) {
	if !e.policy.Enabled {
		return LockDecision{}, nil
	}
	since := e.clock.Now().Add(-e.policy.AttemptWindow)
	n, err := e.store.CountFailedAttemptsByUser(ctx, userID, since)
	if err != nil {
		return LockDecision{}, err
	}
	return LockDecision{ShouldLock: n >= e.policy.MaxFailedAttempts, AttemptCount: n}, nil
}

// LockUntil computes the lock expiry for a lockout starting now, per this
// engine's configured policy. A zero LockoutDuration means indefinite (nil).
func (e *LockoutEngine) LockUntil(now time.Time) *time.Time {
	if e.policy.LockoutDuration <= 0 {
		return nil
	}
	until := now.Add(e.policy.LockoutDuration)
	return &until
}

func (e *LockoutEngine) LockAccount(ctx context.Context, userID uuid.UUID, until *time.Time, reason string) error {
	now := e.clock.Now()
	if err := e.store.UpsertAccountLock(ctx, &corestore.AccountLock{
		UserID: userID, LockedUntil: until, Reason: reason, LockedAt: now,
	}); err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	if e.bus != nil {
		e.bus.Publish(ctx, coreevents.Event{
			Type: coreevents.AccountLocked, Realm: e.realm, Timestamp: now, ActorID: &userID,
			Payload: coreevents.AccountLockedPayload{UserID: userID, Reason: reason, LockedUntil: until},
		})
	}
	return nil
}

func (e *LockoutEngine) UnlockAccount(ctx context.Context, userID uuid.UUID) error {
	if err := e.store.DeleteAccountLock(ctx, userID); err != nil {
		return fmt.Errorf("unlock account: %w", err)
	}
	if e.bus != nil {
		e.bus.Publish(ctx, coreevents.Event{
			Type: coreevents.AccountUnlocked, Realm: e.realm, Timestamp: e.clock.Now(), ActorID: &userID,
			Payload: coreevents.AccountUnlockedPayload{UserID: userID, Reason: "manual_unlock"},
		})
	}
	return nil
}

func (e *LockoutEngine) IsAccountLocked(ctx context.Context, userID uuid.UUID, at time.Time) (bool, *corestore.AccountLock, error) {
	lock, err := e.store.GetAccountLock(ctx, userID)
	if err != nil {
		if err == corestore.ErrNotFound {
			return false, nil, nil
		}
		return false, nil, err
	}
	if lock.LockedUntil == nil {
		return true, lock, nil
	}
	return at.Before(*lock.LockedUntil), lock, nil
}

func (e *LockoutEngine) ClearFailedAttemptsForIdentifier(ctx context.Context, identifier string) error {
	return e.store.ClearFailedAttemptsForIdentifier(ctx, identifier)
}

func (e *LockoutEngine) ClearFailedAttemptsForUser(ctx context.Context, userID uuid.UUID) error {
	return e.store.ClearFailedAttemptsForUser(ctx, userID)
}
