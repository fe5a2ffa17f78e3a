// Package realm implements the C11 orchestrator: a single realm-scoped
// struct wiring the token, lockout, MFA, session, and audit engines
// together, the event bus that connects them, and the hook registry
// extensions attach to.
package realm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/lavente/identity-core/internal/audit"
	"github.com/lavente/identity-core/internal/auth"
	"github.com/lavente/identity-core/internal/coreerr"
	"github.com/lavente/identity-core/internal/coreevents"
	"github.com/lavente/identity-core/internal/coreid"
	"github.com/lavente/identity-core/internal/coreratelimit"
	"github.com/lavente/identity-core/internal/corestore"
)

// HookFailureStrategy controls how a realm reacts when a registered hook
// returns an error.
type HookFailureStrategy string

const (
	FailFast HookFailureStrategy = "FAIL_FAST"
	Continue HookFailureStrategy = "CONTINUE"
)

// HookKind names an extension point an operation dispatches to.
type HookKind string

const (
	HookPreLogin  HookKind = "PRE_LOGIN"
	HookPostLogin HookKind = "POST_LOGIN"
)

// Hook is a realm extension collaborator, invoked in registration order.
type Hook func(ctx context.Context, ev coreevents.Event) error

// Config assembles a Realm from its already-constructed engines. Realms
// compose the C1-C10 engines rather than owning their construction, so
// callers control each engine's policy independently.
type Config struct {
	Name   string
	Store  corestore.Store
	Clock  coreid.Clock
	Hasher interface {
		Hash(string) (string, error)
		Verify(string, string) bool
	}
	Tokens        *auth.TokenEngine
	Lockout       *auth.LockoutEngine
	Mfa           *auth.MfaEngine
	Sessions      *auth.SessionEngine
	Audit         *audit.Pipeline
	Bus           *coreevents.Bus
	RateLimiter   coreratelimit.Limiter
	FailStrategy  HookFailureStrategy
	Logger        *slog.Logger
}

// Realm is the single entry point an embedding application talks to: one
// instance per tenant, holding every engine scoped to that tenant's policy.
type Realm struct {
	name    string
	store   corestore.Store
	clock   coreid.Clock
	hasher  Hasher
	tokens  *auth.TokenEngine
	lockout *auth.LockoutEngine
	mfa     *auth.MfaEngine
	sess    *auth.SessionEngine
	audit   *audit.Pipeline
	bus     *coreevents.Bus
	limiter coreratelimit.Limiter
	strategy HookFailureStrategy
	log     *slog.Logger

	mu    sync.Mutex
	hooks map[HookKind][]Hook
}

// Hasher is the subset of corecrypto.Hasher the realm calls directly for
// password verification; kept narrow so tests can stub it.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) bool
}

func New(cfg Config) *Realm {
	if cfg.Clock == nil {
		cfg.Clock = coreid.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FailStrategy == "" {
		cfg.FailStrategy = Continue
	}
	r := &Realm{
		name: cfg.Name, store: cfg.Store, clock: cfg.Clock, hasher: cfg.Hasher,
		tokens: cfg.Tokens, lockout: cfg.Lockout, mfa: cfg.Mfa, sess: cfg.Sessions,
		audit: cfg.Audit, bus: cfg.Bus, limiter: cfg.RateLimiter, strategy: cfg.FailStrategy,
		log: cfg.Logger, hooks: make(map[HookKind][]Hook),
	}
	if r.bus != nil && r.audit != nil {
		r.wireAuditSubscriber()
	}
	return r
}

// RegisterHook appends h to the list run for kind, in registration order.
func (r *Realm) RegisterHook(kind HookKind, h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[kind] = append(r.hooks[kind], h)
}

// runHooks dispatches ev to every hook registered for kind, in registration
// order. FAIL_FAST returns the first error immediately and skips the rest;
// CONTINUE runs every hook and joins whatever errors occurred.
func (r *Realm) runHooks(ctx context.Context, kind HookKind, ev coreevents.Event) error {
	r.mu.Lock()
	hooks := make([]Hook, len(r.hooks[kind]))
	copy(hooks, r.hooks[kind])
	r.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if err := r.runOneHook(ctx, kind, h, ev); err != nil {
			if r.strategy == FailFast {
				return err
			}
			r.log.Error("hook failed", "realm", r.name, "hook", kind, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runOneHook invokes a single hook with panic recovery: a misbehaving
// extension can't crash the login/register flow it's attached to. Panics
// are reported to Sentry the same way the HTTP layer recovers handler
// panics, then surfaced to the caller as an ordinary hook error.
func (r *Realm) runOneHook(ctx context.Context, kind HookKind, h Hook, ev coreevents.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := string(debug.Stack())
			r.log.Error("hook panicked", "realm", r.name, "hook", kind, "panic", rec, "stack", stack)
			sentry.CurrentHub().Recover(rec)
			err = fmt.Errorf("hook %s panicked: %v", kind, rec)
		}
	}()
	return h(ctx, ev)
}

// wireAuditSubscriber maps every core event type to a generic AuditEvent
// and enqueues it, so realms get an audit trail for free without every
// engine having to know about the audit pipeline directly.
func (r *Realm) wireAuditSubscriber() {
	for _, t := range []coreevents.EventType{
		coreevents.TokenIssued, coreevents.TokenRefreshed, coreevents.TokenRevoked,
		coreevents.TokenReplayDetected, coreevents.LoginSuccess, coreevents.LoginFailed,
		coreevents.AccountLocked, coreevents.AccountUnlocked,
		coreevents.UserCreated, coreevents.UserUpdated, coreevents.UserDeleted,
	} {
		r.bus.Subscribe(t, r.auditSubscriber)
	}
}

func (r *Realm) auditSubscriber(ev coreevents.Event) {
	result := corestore.ResultSuccess
	if ev.Type == coreevents.LoginFailed || ev.Type == coreevents.TokenReplayDetected {
		result = corestore.ResultFailure
	}
	actorType := corestore.ActorUser
	if ev.ActorID == nil {
		actorType = corestore.ActorSystem
	}
	r.audit.Enqueue(audit.RecordInput{
		EventType: string(ev.Type),
		ActorID:   ev.ActorID,
		ActorType: actorType,
		Result:    result,
		Metadata:  eventMetadata(ev),
	})
}

func eventMetadata(ev coreevents.Event) map[string]interface{} {
	switch p := ev.Payload.(type) {
	case coreevents.LoginFailedPayload:
		return map[string]interface{}{"identifier": p.Identifier, "reason": p.Reason}
	case coreevents.AccountLockedPayload:
		return map[string]interface{}{"reason": p.Reason}
	case coreevents.TokenReplayDetectedPayload:
		return map[string]interface{}{"token_family": p.TokenFamily.String(), "family_revoked": p.FamilyRevoked}
	default:
		return nil
	}
}

// LoginInput is the shape a caller presents to authenticate with a password.
type LoginInput struct {
	Identifier string // email or phone
	Password   string
	IP         net.IP
	UserAgent  string
}

// LoginResult carries the minted token pair for a successful login.
type LoginResult struct {
	Tokens *auth.TokenPair
	User   *corestore.User
}

// Login runs the C11 authentication flow: lockout pre-check, password
// verification, failure accounting or success cleanup, token issuance,
// session creation (a direct call into the session engine), and event
// emission (which drives the audit trail via its bus subscriber).
func (r *Realm) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	preEvent := coreevents.Event{Realm: r.name, Timestamp: r.clock.Now(),
		Payload: LoginInput{Identifier: in.Identifier, IP: in.IP, UserAgent: in.UserAgent}}
	if err := r.runHooks(ctx, HookPreLogin, preEvent); err != nil {
		return nil, fmt.Errorf("pre-login hook: %w", err)
	}

	user, err := r.lookupUser(ctx, in.Identifier)
	if err != nil {
		return nil, coreerr.ErrInvalidCredentials
	}

	if r.lockout != nil {
		locked, lock, err := r.lockout.IsAccountLocked(ctx, user.ID, r.clock.Now())
		if err != nil {
			return nil, err
		}
		if locked {
			reason := ""
			var until time.Time
			if lock != nil {
				reason = lock.Reason
				if lock.LockedUntil != nil {
					until = *lock.LockedUntil
				}
			}
			return nil, &coreerr.AccountLockedError{LockedUntil: until, Reason: reason}
		}
	}

	if !r.hasher.Verify(in.Password, user.PasswordHash) {
		return nil, r.onLoginFailure(ctx, user, in, "bad_password")
	}

	if r.lockout != nil {
		if err := r.lockout.ClearFailedAttemptsForUser(ctx, user.ID); err != nil {
			r.log.Error("clear failed attempts", "realm", r.name, "user_id", user.ID, "error", err)
		}
		_ = r.lockout.ClearFailedAttemptsForIdentifier(ctx, in.Identifier)
	}

	pair, err := r.tokens.Issue(ctx, user.ID, user.Roles)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	if r.sess != nil {
		var ipStr *string
		if in.IP != nil {
			s := in.IP.String()
			ipStr = &s
		}
		var uaStr *string
		if in.UserAgent != "" {
			uaStr = &in.UserAgent
		}
		if err := r.sess.OnTokenIssued(ctx, coreevents.TokenIssuedPayload{
			UserID: user.ID, TokenFamily: pair.TokenFamily, AccessTokenID: pair.AccessID,
			RefreshTokenID: pair.RefreshID, DeviceFingerprint: "", UserAgent: uaStr, IPAddress: ipStr,
			ExpiresAt: pair.ExpiresAt,
		}, ipStr, uaStr, nil, nil); err != nil {
			r.log.Error("create session on login", "realm", r.name, "user_id", user.ID, "error", err)
		}
	}

	postEvent := coreevents.Event{
		Type: coreevents.LoginSuccess, Realm: r.name, Timestamp: r.clock.Now(), ActorID: &user.ID,
		Payload: coreevents.LoginSuccessPayload{UserID: user.ID, Identifier: in.Identifier},
	}
	if r.bus != nil {
		r.bus.Publish(ctx, postEvent)
	}
	if err := r.runHooks(ctx, HookPostLogin, postEvent); err != nil {
		r.log.Error("post-login hook", "realm", r.name, "user_id", user.ID, "error", err)
	}

	return &LoginResult{Tokens: pair, User: user}, nil
}

func (r *Realm) onLoginFailure(ctx context.Context, user *corestore.User, in LoginInput, reason string) error {
	if r.lockout == nil {
		return coreerr.ErrInvalidCredentials
	}
	var ipStr *string
	if in.IP != nil {
		s := in.IP.String()
		ipStr = &s
	}
	if err := r.lockout.RecordFailedAttempt(ctx, in.Identifier, &user.ID, ipStr, reason); err != nil {
		r.log.Error("record failed attempt", "realm", r.name, "error", err)
	}
	decision, err := r.lockout.ShouldLockAccount(ctx, user.ID)
	if err != nil {
		return err
	}
	if decision.ShouldLock {
		until := r.lockout.LockUntil(r.clock.Now())
		if err := r.lockout.LockAccount(ctx, user.ID, until, "max_failed_attempts"); err != nil {
			r.log.Error("lock account", "realm", r.name, "error", err)
		}
	}
	return coreerr.ErrInvalidCredentials
}

func (r *Realm) lookupUser(ctx context.Context, identifier string) (*corestore.User, error) {
	if user, err := r.store.GetUserByEmail(ctx, r.name, identifier); err == nil {
		return user, nil
	} else if !errors.Is(err, corestore.ErrNotFound) {
		return nil, err
	}
	return r.store.GetUserByPhone(ctx, r.name, identifier)
}

// Refresh rotates a refresh token and slides the backing session forward.
func (r *Realm) Refresh(ctx context.Context, userID uuid.UUID, refreshToken string) (*auth.TokenPair, error) {
	pair, err := r.tokens.Refresh(ctx, userID, refreshToken)
	if err != nil {
		return nil, err
	}
	if r.sess != nil {
		if err := r.sess.OnTokenRefreshed(ctx, coreevents.TokenRefreshedPayload{
			UserID: userID, TokenFamily: pair.TokenFamily, NewAccessToken: pair.AccessID,
			NewRefreshToken: pair.RefreshID, ExpiresAt: pair.ExpiresAt,
		}); err != nil {
			r.log.Error("touch session on refresh", "realm", r.name, "error", err)
		}
	}
	return pair, nil
}

// Logout revokes the refresh token's family and its backing session.
func (r *Realm) Logout(ctx context.Context, tokenFamily uuid.UUID) error {
	if err := r.tokens.RevokeFamily(ctx, tokenFamily); err != nil {
		return err
	}
	if r.sess != nil {
		return r.sess.RevokeByTokenFamily(ctx, tokenFamily, "logout")
	}
	return nil
}

// VerifyAccess validates a bearer access token and returns the caller's
// principal, or nil if the token doesn't check out.
func (r *Realm) VerifyAccess(ctx context.Context, accessToken string) *auth.Principal {
	return r.tokens.Verify(ctx, accessToken, auth.TypeAccess)
}

// RegisterInput is the minimal shape needed to provision a new user.
type RegisterInput struct {
	Email    *string
	Phone    *string
	Password string
	Roles    []string
}

// Register hashes the password, provisions the user row, and emits
// UserCreated.
func (r *Realm) Register(ctx context.Context, ids coreid.UuidGen, in RegisterInput) (*corestore.User, error) {
	hash, err := r.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := r.clock.Now()
	u := &corestore.User{
		ID: ids.New(), Realm: r.name, Email: in.Email, Phone: in.Phone,
		PasswordHash: hash, Status: corestore.UserActive, Roles: in.Roles,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := r.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if r.bus != nil {
		r.bus.Publish(ctx, coreevents.Event{
			Type: coreevents.UserCreated, Realm: r.name, Timestamp: now, ActorID: &u.ID,
			Payload: coreevents.UserCreatedPayload{UserID: u.ID},
		})
	}
	return u, nil
}
