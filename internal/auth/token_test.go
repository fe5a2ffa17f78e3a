package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavente/identity-core/internal/coreerr"
	"github.com/lavente/identity-core/internal/coreid"
	"github.com/lavente/identity-core/internal/corestore"
)

// tokenStore is a minimal in-memory corestore.Store covering only the
// Tokens family TokenEngine depends on.
type tokenStore struct {
	corestore.Store
	mu     sync.Mutex
	tokens map[uuid.UUID]*corestore.StoredToken
}

func newTokenStore() *tokenStore {
	return &tokenStore{tokens: make(map[uuid.UUID]*corestore.StoredToken)}
}

func (s *tokenStore) WithTx(ctx context.Context, fn func(tx corestore.Store) error) error {
	return fn(s)
}

func (s *tokenStore) InsertToken(ctx context.Context, t *corestore.StoredToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *tokenStore) GetTokenByHash(ctx context.Context, hash string) (*corestore.StoredToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.TokenHash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, corestore.ErrNotFound
}

func (s *tokenStore) MarkTokenUsed(ctx context.Context, id uuid.UUID, first, last time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return corestore.ErrNotFound
	}
	t.FirstUsedAt = &first
	t.LastUsedAt = &last
	return nil
}

func (s *tokenStore) RevokeToken(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return corestore.ErrNotFound
	}
	t.Revoked = true
	return nil
}

func (s *tokenStore) DeleteToken(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	return nil
}

func (s *tokenStore) RevokeAllTokensForUser(ctx context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

func (s *tokenStore) RevokeTokenFamily(ctx context.Context, family uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.TokenFamily == family {
			t.Revoked = true
		}
	}
	return nil
}

func (s *tokenStore) ListTokensInFamily(ctx context.Context, family uuid.UUID) ([]corestore.StoredToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []corestore.StoredToken
	for _, t := range s.tokens {
		if t.TokenFamily == family {
			out = append(out, *t)
		}
	}
	return out, nil
}

func newTestTokenEngine(t *testing.T, store corestore.Store, clock coreid.Clock) *TokenEngine {
	t.Helper()
	keys, err := NewKeySet("k1", map[string][]byte{"k1": []byte("0123456789abcdef0123456789abcdef")})
	require.NoError(t, err)
	return NewTokenEngine(TokenEngineConfig{
		Realm: "acme", Keys: keys, Store: store, Clock: clock, IDs: coreid.GoogleUUIDGen{},
		AccessValidity: 15 * time.Minute, RefreshValidity: 24 * time.Hour,
		PersistAccess: true, PersistRefresh: true,
		Rotation: RotationPolicy{Enabled: true, GracePeriod: 10 * time.Second, RevokeFamilyOnReplay: true},
	})
}

func TestTokenEngine_IssueAndVerify(t *testing.T) {
	store := newTokenStore()
	clock := coreid.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := newTestTokenEngine(t, store, clock)

	userID := uuid.New()
	pair, err := engine.Issue(context.Background(), userID, []string{"admin"})
	require.NoError(t, err)

	principal := engine.Verify(context.Background(), pair.Access, TypeAccess)
	require.NotNil(t, principal)
	assert.Equal(t, userID, principal.UserID)
	assert.Equal(t, []string{"admin"}, principal.Roles)

	assert.Nil(t, engine.Verify(context.Background(), pair.Access, TypeRefresh))
	assert.Nil(t, engine.Verify(context.Background(), "garbage", TypeAccess))
}

func TestTokenEngine_VerifyRejectsRevokedAccessToken(t *testing.T) {
	store := newTokenStore()
	clock := coreid.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := newTestTokenEngine(t, store, clock)

	userID := uuid.New()
	pair, err := engine.Issue(context.Background(), userID, nil)
	require.NoError(t, err)

	require.NoError(t, engine.RevokeToken(context.Background(), pair.Access, false))
	assert.Nil(t, engine.Verify(context.Background(), pair.Access, TypeAccess))
}

func TestTokenEngine_RefreshRotatesAndPreservesFamily(t *testing.T) {
	store := newTokenStore()
	clock := coreid.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := newTestTokenEngine(t, store, clock)

	userID := uuid.New()
	pair, err := engine.Issue(context.Background(), userID, []string{"user"})
	require.NoError(t, err)

	rotated, err := engine.Refresh(context.Background(), userID, pair.Refresh)
	require.NoError(t, err)
	assert.Equal(t, pair.TokenFamily, rotated.TokenFamily)
	assert.NotEqual(t, pair.Refresh, rotated.Refresh)
	assert.NotEqual(t, pair.Access, rotated.Access)

	// the old refresh token was marked used, not deleted, so replaying it
	// again immediately (inside the grace period) succeeds idempotently.
	again, err := engine.Refresh(context.Background(), userID, pair.Refresh)
	require.NoError(t, err)
	assert.Equal(t, pair.TokenFamily, again.TokenFamily)
}

func TestTokenEngine_RefreshOutsideGracePeriodRevokesFamily(t *testing.T) {
	store := newTokenStore()
	clock := coreid.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := newTestTokenEngine(t, store, clock)

	userID := uuid.New()
	pair, err := engine.Issue(context.Background(), userID, nil)
	require.NoError(t, err)

	_, err = engine.Refresh(context.Background(), userID, pair.Refresh)
	require.NoError(t, err)

	clock.Advance(time.Minute)

	_, err = engine.Refresh(context.Background(), userID, pair.Refresh)
	require.Error(t, err)
	var replayErr *coreerr.TokenReplayDetectedError
	assert.True(t, errors.As(err, &replayErr))

	tokens, err := store.ListTokensInFamily(context.Background(), pair.TokenFamily)
	require.NoError(t, err)
	for _, tok := range tokens {
		assert.True(t, tok.Revoked, "every token in a replayed family should be revoked")
	}
}

func TestTokenEngine_RefreshRejectsWrongUser(t *testing.T) {
	store := newTokenStore()
	clock := coreid.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := newTestTokenEngine(t, store, clock)

	userID := uuid.New()
	pair, err := engine.Issue(context.Background(), userID, nil)
	require.NoError(t, err)

	_, err = engine.Refresh(context.Background(), uuid.New(), pair.Refresh)
	assert.ErrorIs(t, err, coreerr.ErrSuspiciousToken)
}
