package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavente/identity-core/internal/coreid"
	"github.com/lavente/identity-core/internal/corestore"
)

// lockoutStore is a minimal in-memory corestore.Store covering only the
// Lockout family LockoutEngine depends on.
type lockoutStore struct {
	corestore.Store
	mu       sync.Mutex
	attempts []corestore.FailedAttempt
	locks    map[uuid.UUID]*corestore.AccountLock
}

func newLockoutStore() *lockoutStore {
	return &lockoutStore{locks: make(map[uuid.UUID]*corestore.AccountLock)}
}

func (s *lockoutStore) InsertFailedAttempt(ctx context.Context, a *corestore.FailedAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *lockoutStore) DeleteFailedAttemptsOlderThan(ctx context.Context, identifier string, cutoff time.Time) error {
	return nil
}

func (s *lockoutStore) CountFailedAttemptsByIdentifier(ctx context.Context, identifier string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.Identifier == identifier && !a.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *lockoutStore) CountFailedAttemptsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.IPAddress != nil && *a.IPAddress == ip && !a.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *lockoutStore) CountFailedAttemptsByUser(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.UserID != nil && *a.UserID == userID && !a.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *lockoutStore) ClearFailedAttemptsForIdentifier(ctx context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.attempts[:0]
	for _, a := range s.attempts {
		if a.Identifier != identifier {
			kept = append(kept, a)
		}
	}
	s.attempts = kept
	return nil
}

func (s *lockoutStore) ClearFailedAttemptsForUser(ctx context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.attempts[:0]
	for _, a := range s.attempts {
		if a.UserID == nil || *a.UserID != userID {
			kept = append(kept, a)
		}
	}
	s.attempts = kept
	return nil
}

func (s *lockoutStore) UpsertAccountLock(ctx context.Context, l *corestore.AccountLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.locks[l.UserID] = &cp
	return nil
}

func (s *lockoutStore) GetAccountLock(ctx context.Context, userID uuid.UUID) (*corestore.AccountLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		return nil, corestore.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *lockoutStore) DeleteAccountLock(ctx context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, userID)
	return nil
}

func TestLockoutEngine_LocksAfterMaxFailedAttempts(t *testing.T) {
	store := newLockoutStore()
	clock := coreid.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := NewLockoutEngine("acme", StrictLockoutPolicy(), store, clock, coreid.GoogleUUIDGen{}, nil)

	userID := uuid.New()
	for i := 0; i < 3; i++ {
		require.NoError(t, engine.RecordFailedAttempt(context.Background(), "user@example.com", &userID, nil, "bad_password"))
	}

	decision, err := engine.ShouldLockAccount(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, decision.ShouldLock)
	assert.Equal(t, 3, decision.AttemptCount)

	until := engine.LockUntil(clock.Now())
	require.NotNil(t, until)
	require.NoError(t, engine.LockAccount(context.Background(), userID, until, "max_failed_attempts"))

	locked, lock, err := engine.IsAccountLocked(context.Background(), userID, clock.Now())
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, "max_failed_attempts", lock.Reason)
}

func TestLockoutEngine_UnlockClearsLock(t *testing.T) {
	store := newLockoutStore()
	clock := coreid.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := NewLockoutEngine("acme", StrictLockoutPolicy(), store, clock, coreid.GoogleUUIDGen{}, nil)

	userID := uuid.New()
	until := engine.LockUntil(clock.Now())
	require.NoError(t, engine.LockAccount(context.Background(), userID, until, "manual"))

	locked, _, err := engine.IsAccountLocked(context.Background(), userID, clock.Now())
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, engine.UnlockAccount(context.Background(), userID))

	locked, _, err = engine.IsAccountLocked(context.Background(), userID, clock.Now())
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestLockoutEngine_LockExpiresAfterDuration(t *testing.T) {
	store := newLockoutStore()
	clock := coreid.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	policy := StrictLockoutPolicy()
	engine := NewLockoutEngine("acme", policy, store, clock, coreid.GoogleUUIDGen{}, nil)

	userID := uuid.New()
	until := engine.LockUntil(clock.Now())
	require.NoError(t, engine.LockAccount(context.Background(), userID, until, "max_failed_attempts"))

	locked, _, err := engine.IsAccountLocked(context.Background(), userID, clock.Now().Add(policy.LockoutDuration+time.Second))
	require.NoError(t, err)
	assert.False(t, locked, "lock should have expired past LockoutDuration")
}

func TestLockoutEngine_DisabledPolicyNeverLocks(t *testing.T) {
	store := newLockoutStore()
	clock := coreid.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := NewLockoutEngine("acme", DisabledLockoutPolicy(), store, clock, coreid.GoogleUUIDGen{}, nil)

	userID := uuid.New()
	for i := 0; i < 50; i++ {
		require.NoError(t, engine.RecordFailedAttempt(context.Background(), "user@example.com", &userID, nil, "bad_password"))
	}

	decision, err := engine.ShouldLockAccount(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, decision.ShouldLock)
}
