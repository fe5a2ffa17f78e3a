package realm_test

import (
	"context"
	"log/slog"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavente/identity-core/internal/audit"
	"github.com/lavente/identity-core/internal/auth"
	"github.com/lavente/identity-core/internal/coreerr"
	"github.com/lavente/identity-core/internal/coreevents"
	"github.com/lavente/identity-core/internal/coreid"
	"github.com/lavente/identity-core/internal/corestore"
	"github.com/lavente/identity-core/internal/realm"
)

// memStore is a minimal in-memory corestore.Store covering the entity
// families Login/Refresh/Logout/Register actually touch. It embeds a nil
// Store so methods no test here exercises still satisfy the interface.
type memStore struct {
	corestore.Store

	mu       sync.Mutex
	users    map[uuid.UUID]*corestore.User
	tokens   map[uuid.UUID]*corestore.StoredToken
	attempts map[uuid.UUID]int
	locks    map[uuid.UUID]*corestore.AccountLock
	sessions map[uuid.UUID]*corestore.Session
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[uuid.UUID]*corestore.User),
		tokens:   make(map[uuid.UUID]*corestore.StoredToken),
		attempts: make(map[uuid.UUID]int),
		locks:    make(map[uuid.UUID]*corestore.AccountLock),
		sessions: make(map[uuid.UUID]*corestore.Session),
	}
}

func (m *memStore) WithTx(ctx context.Context, fn func(tx corestore.Store) error) error {
	return fn(m)
}

func (m *memStore) CreateUser(ctx context.Context, u *corestore.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memStore) GetUserByID(ctx context.Context, realmName string, id uuid.UUID) (*corestore.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, corestore.ErrNotFound
}

func (m *memStore) GetUserByEmail(ctx context.Context, realmName string, email string) (*corestore.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email != nil && *u.Email == email {
			return u, nil
		}
	}
	return nil, corestore.ErrNotFound
}

func (m *memStore) GetUserByPhone(ctx context.Context, realmName string, phone string) (*corestore.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Phone != nil && *u.Phone == phone {
			return u, nil
		}
	}
	return nil, corestore.ErrNotFound
}

func (m *memStore) InsertToken(ctx context.Context, t *corestore.StoredToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tokens[t.ID] = &cp
	return nil
}

func (m *memStore) GetTokenByHash(ctx context.Context, tokenHash string) (*corestore.StoredToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TokenHash == tokenHash {
			return t, nil
		}
	}
	return nil, corestore.ErrNotFound
}

func (m *memStore) MarkTokenUsed(ctx context.Context, id uuid.UUID, firstUsedAt, lastUsedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return corestore.ErrNotFound
	}
	t.FirstUsedAt = &firstUsedAt
	t.LastUsedAt = &lastUsedAt
	return nil
}

func (m *memStore) RevokeToken(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[id]; ok {
		t.Revoked = true
	}
	return nil
}

func (m *memStore) RevokeAllTokensForUser(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

func (m *memStore) RevokeTokenFamily(ctx context.Context, family uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TokenFamily == family {
			t.Revoked = true
		}
	}
	return nil
}

func (m *memStore) ListTokensInFamily(ctx context.Context, family uuid.UUID) ([]corestore.StoredToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []corestore.StoredToken
	for _, t := range m.tokens {
		if t.TokenFamily == family {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memStore) InsertFailedAttempt(ctx context.Context, a *corestore.FailedAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.UserID != nil {
		m.attempts[*a.UserID]++
	}
	return nil
}

func (m *memStore) CountFailedAttemptsByUser(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[userID], nil
}

func (m *memStore) CountFailedAttemptsByIdentifier(ctx context.Context, identifier string, since time.Time) (int, error) {
	return 0, nil
}

func (m *memStore) DeleteFailedAttemptsOlderThan(ctx context.Context, identifier string, cutoff time.Time) error {
	return nil
}

func (m *memStore) CountFailedAttemptsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	return 0, nil
}

func (m *memStore) ClearFailedAttemptsForUser(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, userID)
	return nil
}

func (m *memStore) ClearFailedAttemptsForIdentifier(ctx context.Context, identifier string) error {
	return nil
}

func (m *memStore) UpsertAccountLock(ctx context.Context, l *corestore.AccountLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.locks[l.UserID] = &cp
	return nil
}

func (m *memStore) GetAccountLock(ctx context.Context, userID uuid.UUID) (*corestore.AccountLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[userID]; ok {
		return l, nil
	}
	return nil, corestore.ErrNotFound
}

func (m *memStore) DeleteAccountLock(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, userID)
	return nil
}

func (m *memStore) CreateSession(ctx context.Context, s *corestore.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) GetSessionByTokenFamily(ctx context.Context, family uuid.UUID) (*corestore.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TokenFamily == family {
			return s, nil
		}
	}
	return nil, corestore.ErrNotFound
}

func (m *memStore) ListActiveSessions(ctx context.Context, userID uuid.UUID) ([]corestore.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []corestore.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status == corestore.SessionActive {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) TouchSession(ctx context.Context, family uuid.UUID, lastActivityAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TokenFamily == family {
			s.LastActivityAt = lastActivityAt
			s.ExpiresAt = expiresAt
			return nil
		}
	}
	return corestore.ErrNotFound
}

func (m *memStore) RevokeSession(ctx context.Context, id uuid.UUID, reason string, revokedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Status = corestore.SessionRevoked
	}
	return nil
}

// fakeHasher stores passwords as plaintext-prefixed strings so tests don't
// pay bcrypt's cost; Verify just compares the stripped hash.
type fakeHasher struct{}

func (fakeHasher) Hash(plaintext string) (string, error) { return "hashed:" + plaintext, nil }
func (fakeHasher) Verify(plaintext, hash string) bool     { return "hashed:"+plaintext == hash }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newTestRealm(t *testing.T, store *memStore) *realm.Realm {
	t.Helper()
	clock := coreid.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	keys, err := auth.NewKeySet("k1", map[string][]byte{"k1": []byte("0123456789abcdef0123456789abcdef")})
	require.NoError(t, err)
	bus := coreevents.NewBus("acme", testLogger())

	tokens := auth.NewTokenEngine(auth.TokenEngineConfig{
		Realm: "acme", Keys: keys, Store: store, Clock: clock, IDs: coreid.GoogleUUIDGen{}, Bus: bus,
		AccessValidity: 15 * time.Minute, RefreshValidity: 24 * time.Hour,
		PersistAccess: true, PersistRefresh: true,
		Rotation: auth.RotationPolicy{Enabled: true, GracePeriod: 10 * time.Second, RevokeFamilyOnReplay: true},
	})
	lockout := auth.NewLockoutEngine("acme", auth.StrictLockoutPolicy(), store, clock, coreid.GoogleUUIDGen{}, bus)
	sess := auth.NewSessionEngine(auth.SessionEngineConfig{
		Realm: "acme", Store: store, Clock: clock, IDs: coreid.GoogleUUIDGen{}, Logger: testLogger(),
		Policy: auth.SessionPolicy{SessionExpiration: 24 * time.Hour, MaxConcurrentSessions: 5},
	})
	pipeline := audit.NewPipeline(audit.Config{
		Realm: "acme", Store: store, Clock: clock, IDs: coreid.GoogleUUIDGen{}, Logger: testLogger(),
		QueueSize: 100, BatchSize: 100, FlushInterval: time.Hour,
	})

	return realm.New(realm.Config{
		Name: "acme", Store: store, Clock: clock, Hasher: fakeHasher{},
		Tokens: tokens, Lockout: lockout, Sessions: sess, Audit: pipeline, Bus: bus,
		Logger: testLogger(),
	})
}

func seedUser(t *testing.T, store *memStore, email, password string) *corestore.User {
	t.Helper()
	hash, err := fakeHasher{}.Hash(password)
	require.NoError(t, err)
	u := &corestore.User{
		ID: uuid.New(), Realm: "acme", Email: &email, PasswordHash: hash,
		Status: corestore.UserActive, Roles: []string{"member"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.CreateUser(context.Background(), u))
	return u
}

func TestRealm_LoginSucceedsAndIssuesTokens(t *testing.T) {
	store := newMemStore()
	r := newTestRealm(t, store)
	seedUser(t, store, "a@example.com", "correct-horse")

	res, err := r.Login(context.Background(), realm.LoginInput{
		Identifier: "a@example.com", Password: "correct-horse", IP: net.ParseIP("10.0.0.1"), UserAgent: "test-agent",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Tokens.Access)
	assert.NotEmpty(t, res.Tokens.Refresh)
}

func TestRealm_LoginFailsWithWrongPassword(t *testing.T) {
	store := newMemStore()
	r := newTestRealm(t, store)
	seedUser(t, store, "a@example.com", "correct-horse")

	_, err := r.Login(context.Background(), realm.LoginInput{Identifier: "a@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, coreerr.ErrInvalidCredentials)
}

func TestRealm_LoginFailsWithUnknownIdentifier(t *testing.T) {
	store := newMemStore()
	r := newTestRealm(t, store)

	_, err := r.Login(context.Background(), realm.LoginInput{Identifier: "nobody@example.com", Password: "x"})
	assert.ErrorIs(t, err, coreerr.ErrInvalidCredentials)
}

func TestRealm_RepeatedFailuresLockTheAccount(t *testing.T) {
	store := newMemStore()
	r := newTestRealm(t, store)
	seedUser(t, store, "a@example.com", "correct-horse")

	var lastErr error
	for i := 0; i < 3; i++ {
		_, lastErr = r.Login(context.Background(), realm.LoginInput{Identifier: "a@example.com", Password: "wrong"})
	}
	assert.ErrorIs(t, lastErr, coreerr.ErrInvalidCredentials)

	_, err := r.Login(context.Background(), realm.LoginInput{Identifier: "a@example.com", Password: "correct-horse"})
	var lockedErr *coreerr.AccountLockedError
	assert.ErrorAs(t, err, &lockedErr)
}

func TestRealm_RefreshRotatesTokens(t *testing.T) {
	store := newMemStore()
	r := newTestRealm(t, store)
	u := seedUser(t, store, "a@example.com", "correct-horse")

	res, err := r.Login(context.Background(), realm.LoginInput{Identifier: "a@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	pair, err := r.Refresh(context.Background(), u.ID, res.Tokens.Refresh)
	require.NoError(t, err)
	assert.NotEqual(t, res.Tokens.Refresh, pair.Refresh)
}

func TestRealm_LogoutRevokesFamily(t *testing.T) {
	store := newMemStore()
	r := newTestRealm(t, store)
	u := seedUser(t, store, "a@example.com", "correct-horse")

	res, err := r.Login(context.Background(), realm.LoginInput{Identifier: "a@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	require.NoError(t, r.Logout(context.Background(), res.Tokens.TokenFamily))

	_, err = r.Refresh(context.Background(), u.ID, res.Tokens.Refresh)
	assert.Error(t, err)
}

func TestRealm_RegisterCreatesUser(t *testing.T) {
	store := newMemStore()
	r := newTestRealm(t, store)

	email := "new@example.com"
	u, err := r.Register(context.Background(), coreid.GoogleUUIDGen{}, realm.RegisterInput{
		Email: &email, Password: "hunter22", Roles: []string{"member"},
	})
	require.NoError(t, err)

	stored, err := store.GetUserByEmail(context.Background(), "acme", email)
	require.NoError(t, err)
	assert.Equal(t, u.ID, stored.ID)
}

func TestRealm_VerifyAccessReturnsPrincipalForValidToken(t *testing.T) {
	store := newMemStore()
	r := newTestRealm(t, store)
	seedUser(t, store, "a@example.com", "correct-horse")

	res, err := r.Login(context.Background(), realm.LoginInput{Identifier: "a@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	p := r.VerifyAccess(context.Background(), res.Tokens.Access)
	require.NotNil(t, p)
	assert.Equal(t, "acme", p.Realm)
}

func TestRealm_VerifyAccessRejectsGarbage(t *testing.T) {
	store := newMemStore()
	r := newTestRealm(t, store)

	p := r.VerifyAccess(context.Background(), "not-a-token")
	assert.Nil(t, p)
}
