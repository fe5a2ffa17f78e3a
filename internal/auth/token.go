// Package auth implements the token (C6), lockout (C7), MFA (C8), and
// session (C9) engines: the core authentication and session-lifecycle
// components realms compose.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lavente/identity-core/internal/coreerr"
	"github.com/lavente/identity-core/internal/coreevents"
	"github.com/lavente/identity-core/internal/coreid"
	"github.com/lavente/identity-core/internal/corestore"
)

// TokenType distinguishes claim validation paths; mirrors corestore.TokenType
// but spelled lowercase in the wire claim per the token format.
type TokenType string

const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
)

// Claims is the JWT payload. Roles are only populated for access tokens;
// TokenFamily/ParentTokenID only for refresh tokens.
type Claims struct {
	Realm         string    `json:"realm"`
	Type          TokenType `json:"type"`
	Roles         []string  `json:"roles,omitempty"`
	TokenFamily   uuid.UUID `json:"tokenFamily,omitempty"`
	ParentTokenID *uuid.UUID `json:"parentTokenId,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated identity derived from a valid access token.
type Principal struct {
	UserID uuid.UUID
	Realm  string
	Roles  []string
}

// RotationPolicy carries per-realm refresh-rotation behavior.
type RotationPolicy struct {
	Enabled               bool
	GracePeriod           time.Duration
	RevokeFamilyOnReplay  bool
}

// KeySet resolves signing secrets by kid. The active kid signs new tokens;
// verification looks up only the secret named by the token's kid header,
// so a realm rotates its secret by adding a new kid, making it active, and
// keeping the old kid in the map until its tokens have expired.
type KeySet struct {
	active string
	keys   map[string][]byte
}

// NewKeySet builds a key set from a kid-to-secret map. active names the
// signing key and must be present in the map.
func NewKeySet(active string, keys map[string][]byte) (*KeySet, error) {
	if _, ok := keys[active]; !ok {
		return nil, fmt.Errorf("auth: active kid %q not present in key set", active)
	}
	for kid, secret := range keys {
		if len(secret) < 32 {
			return nil, fmt.Errorf("auth: signing secret for kid %q must be at least 32 bytes", kid)
		}
	}
	return &KeySet{active: active, keys: keys}, nil
}

func (ks *KeySet) secretFor(kid string) ([]byte, bool) {
	s, ok := ks.keys[kid]
	return s, ok
}

// TokenEngine implements the C6 contract: signed bearer tokens with
// family-based refresh rotation and replay detection.
type TokenEngine struct {
	realm            string
	keys             *KeySet
	store            corestore.Store
	clock            coreid.Clock
	ids              coreid.UuidGen
	bus              Publisher
	issuer           string
	audience         string
	accessValidity   time.Duration
	refreshValidity  time.Duration
	persistAccess    bool
	persistRefresh   bool
	rotation         RotationPolicy
}

// Publisher is the subset of the event bus the engines depend on.
type Publisher interface {
	Publish(ctx context.Context, evt coreevents.Event)
}

type TokenEngineConfig struct {
	Realm           string
	Keys            *KeySet
	Store           corestore.Store
	Clock           coreid.Clock
	IDs             coreid.UuidGen
	Bus             Publisher
	Issuer          string
	Audience        string
	AccessValidity  time.Duration
	RefreshValidity time.Duration
	PersistAccess   bool
	PersistRefresh  bool
	Rotation        RotationPolicy
}

func NewTokenEngine(cfg TokenEngineConfig) *TokenEngine {
	if cfg.Clock == nil {
		cfg.Clock = coreid.SystemClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = coreid.GoogleUUIDGen{}
	}
	return &TokenEngine{
		realm:           cfg.Realm,
		keys:            cfg.Keys,
		store:           cfg.Store,
		clock:           cfg.Clock,
		ids:             cfg.IDs,
		bus:             cfg.Bus,
		issuer:          cfg.Issuer,
		audience:        cfg.Audience,
		accessValidity:  cfg.AccessValidity,
		refreshValidity: cfg.RefreshValidity,
		persistAccess:   cfg.PersistAccess,
		persistRefresh:  cfg.PersistRefresh,
		rotation:        cfg.Rotation,
	}
}

// TokenPair is the result of Issue/Refresh.
type TokenPair struct {
	Access       string
	Refresh      string
	AccessID     uuid.UUID
	RefreshID    uuid.UUID
	TokenFamily  uuid.UUID
	ExpiresAt    time.Time
}

func hashToken(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (e *TokenEngine) sign(claims Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = e.keys.active
	secret, _ := e.keys.secretFor(e.keys.active)
	return tok.SignedString(secret)
}

// Issue mints a fresh access/refresh pair under a new token family.
func (e *TokenEngine) Issue(ctx context.Context, userID uuid.UUID, roles []string) (*TokenPair, error) {
	now := e.clock.Now()
	family := e.ids.New()
	accessID := e.ids.New()
	refreshID := e.ids.New()

	accessClaims := Claims{
		Realm: e.realm,
		Type:  TypeAccess,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ID:        accessID.String(),
			Issuer:    e.issuer,
			Audience:  jwt.ClaimStrings{e.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(e.accessValidity)),
		},
	}
	refreshClaims := Claims{
		Realm:       e.realm,
		Type:        TypeRefresh,
		TokenFamily: family,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ID:        refreshID.String(),
			Issuer:    e.issuer,
			Audience:  jwt.ClaimStrings{e.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(e.refreshValidity)),
		},
	}

	access, err := e.sign(accessClaims)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := e.sign(refreshClaims)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	if e.persistAccess {
		if err := e.store.InsertToken(ctx, &corestore.StoredToken{
			ID: accessID, UserID: userID, TokenHash: hashToken(access),
			Type: corestore.TokenAccess, CreatedAt: now, ExpiresAt: now.Add(e.accessValidity),
			TokenFamily: family,
		}); err != nil {
			return nil, fmt.Errorf("persist access token: %w", err)
		}
	}
	if e.persistRefresh {
		if err := e.store.InsertToken(ctx, &corestore.StoredToken{
			ID: refreshID, UserID: userID, TokenHash: hashToken(refresh),
			Type: corestore.TokenRefresh, CreatedAt: now, ExpiresAt: now.Add(e.refreshValidity),
			TokenFamily: family,
		}); err != nil {
			return nil, fmt.Errorf("persist refresh token: %w", err)
		}
	}

	if e.bus != nil {
		e.bus.Publish(ctx, coreevents.Event{
			Type: coreevents.TokenIssued, Realm: e.realm, Timestamp: now, ActorID: &userID,
			Payload: coreevents.TokenIssuedPayload{
				UserID: userID, TokenFamily: family, AccessTokenID: accessID,
				RefreshTokenID: refreshID, ExpiresAt: now.Add(e.refreshValidity),
			},
		})
	}

	return &TokenPair{
		Access: access, Refresh: refresh, AccessID: accessID, RefreshID: refreshID,
		TokenFamily: family, ExpiresAt: now.Add(e.refreshValidity),
	}, nil
}

// verifyClaims validates signature, issuer, audience, expiration, and type
// claim only — it does not consult the store. Refresh needs exactly this:
// the presented refresh token's at-rest row is expected to already be
// Revoked once rotated, so a revoked-vs-valid store check can't gate
// whether the token is genuine, only the in-transaction replay algorithm
// (keyed on FirstUsedAt/grace period) can decide that.
func (e *TokenEngine) verifyClaims(tokenString string, expected TokenType) *Principal {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		secret, ok := e.keys.secretFor(kid)
		if !ok {
			return nil, fmt.Errorf("unknown kid: %s", kid)
		}
		return secret, nil
	}, jwt.WithIssuer(e.issuer), jwt.WithAudience(e.audience), jwt.WithTimeFunc(e.clock.Now))
	if err != nil || !tok.Valid {
		return nil
	}
	if claims.Type != expected || claims.Realm != e.realm {
		return nil
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil
	}
	return &Principal{UserID: userID, Realm: claims.Realm, Roles: claims.Roles}
}

// Verify validates signature, issuer, audience, expiration, and type claim,
// then rejects a token whose persisted row is revoked. Returns nil (no
// error) on any mismatch, per the contract's "no exception" requirement —
// callers distinguish "not authenticated" from I/O failure by the returned
// *Principal being nil.
func (e *TokenEngine) Verify(ctx context.Context, tokenString string, expected TokenType) *Principal {
	principal := e.verifyClaims(tokenString, expected)
	if principal == nil {
		return nil
	}

	if expected == TypeAccess && e.persistAccess {
		stored, err := e.store.GetTokenByHash(ctx, hashToken(tokenString))
		if err != nil || stored.Revoked {
			return nil
		}
	}
	if expected == TypeRefresh && e.persistRefresh {
		stored, err := e.store.GetTokenByHash(ctx, hashToken(tokenString))
		if err != nil || stored.Revoked {
			return nil
		}
	}

	return principal
}

// Refresh implements the rotation/replay algorithm in full. Signature/claim
// validation deliberately skips the at-rest revoked check: a refresh token
// is expected to carry Revoked=true once it has been rotated, and it's the
// in-transaction FirstUsedAt/grace-period logic below — not a blanket
// revoked gate — that must decide whether this is an idempotent retry or a
// replay.
func (e *TokenEngine) Refresh(ctx context.Context, userID uuid.UUID, refreshString string) (*TokenPair, error) {
	principal := e.verifyClaims(refreshString, TypeRefresh)
	if principal == nil || principal.UserID != userID {
		return nil, coreerr.ErrSuspiciousToken
	}

	var result *TokenPair
	var replayErr error
	err := e.store.WithTx(ctx, func(tx corestore.Store) error {
		presented, err := tx.GetTokenByHash(ctx, hashToken(refreshString))
		if err != nil {
			if errors.Is(err, corestore.ErrNotFound) {
				return coreerr.ErrSuspiciousToken
			}
			return err
		}
		// Revoked with no prior use means it was killed outright (logout,
		// family revocation) rather than rotated — that's not a replay
		// candidate, just dead. A token revoked because rotation consumed
		// it on first use (FirstUsedAt set) falls through to the
		// replay/grace-period check below, as it must to reach step 4.
		if presented.Revoked && presented.FirstUsedAt == nil {
			return coreerr.ErrSuspiciousToken
		}

		now := e.clock.Now()

		replay := e.rotation.Enabled && presented.FirstUsedAt != nil && now.Sub(*presented.FirstUsedAt) > e.rotation.GracePeriod
		if replay {
			if e.bus != nil {
				e.bus.Publish(ctx, coreevents.Event{
					Type: coreevents.TokenReplayDetected, Realm: e.realm, Timestamp: now, ActorID: &userID,
					Payload: coreevents.TokenReplayDetectedPayload{
						UserID: userID, TokenFamily: presented.TokenFamily, OriginalTokenID: presented.ID,
						FamilyRevoked: e.rotation.RevokeFamilyOnReplay,
					},
				})
			}
			if e.rotation.RevokeFamilyOnReplay {
				if err := tx.RevokeTokenFamily(ctx, presented.TokenFamily); err != nil {
					return err
				}
			}
			// Commit the family revocation; the replay error is returned
			// once the transaction has ended.
			replayErr = &coreerr.TokenReplayDetectedError{TokenFamily: presented.TokenFamily, OriginalTokenID: presented.ID}
			return nil
		}

		if presented.FirstUsedAt == nil {
			if err := tx.MarkTokenUsed(ctx, presented.ID, now, now); err != nil {
				return err
			}
			if e.rotation.Enabled {
				if err := tx.RevokeToken(ctx, presented.ID); err != nil {
					return err
				}
			}
		} else {
			// idempotent retry within grace period: do not revoke again
			if err := tx.MarkTokenUsed(ctx, presented.ID, *presented.FirstUsedAt, now); err != nil {
				return err
			}
		}

		accessID := e.ids.New()
		refreshID := e.ids.New()
		accessClaims := Claims{
			Realm: e.realm, Type: TypeAccess, Roles: principal.Roles,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject: userID.String(), ID: accessID.String(), Issuer: e.issuer,
				Audience: jwt.ClaimStrings{e.audience}, IssuedAt: jwt.NewNumericDate(now),
				NotBefore: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(now.Add(e.accessValidity)),
			},
		}
		refreshClaims := Claims{
			Realm: e.realm, Type: TypeRefresh, TokenFamily: presented.TokenFamily, ParentTokenID: &presented.ID,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject: userID.String(), ID: refreshID.String(), Issuer: e.issuer,
				Audience: jwt.ClaimStrings{e.audience}, IssuedAt: jwt.NewNumericDate(now),
				NotBefore: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(now.Add(e.refreshValidity)),
			},
		}

		access, err := e.sign(accessClaims)
		if err != nil {
			return err
		}
		refresh, err := e.sign(refreshClaims)
		if err != nil {
			return err
		}

		if e.persistAccess {
			if err := tx.InsertToken(ctx, &corestore.StoredToken{
				ID: accessID, UserID: userID, TokenHash: hashToken(access), Type: corestore.TokenAccess,
				CreatedAt: now, ExpiresAt: now.Add(e.accessValidity), TokenFamily: presented.TokenFamily,
			}); err != nil {
				return err
			}
		}
		if err := tx.InsertToken(ctx, &corestore.StoredToken{
			ID: refreshID, UserID: userID, TokenHash: hashToken(refresh), Type: corestore.TokenRefresh,
			CreatedAt: now, ExpiresAt: now.Add(e.refreshValidity), TokenFamily: presented.TokenFamily,
			ParentTokenID: &presented.ID,
		}); err != nil {
			return err
		}

		if e.bus != nil {
			e.bus.Publish(ctx, coreevents.Event{
				Type: coreevents.TokenRefreshed, Realm: e.realm, Timestamp: now, ActorID: &userID,
				Payload: coreevents.TokenRefreshedPayload{
					UserID: userID, TokenFamily: presented.TokenFamily, NewAccessToken: accessID,
					NewRefreshToken: refreshID, ExpiresAt: now.Add(e.refreshValidity),
				},
			})
		}

		result = &TokenPair{
			Access: access, Refresh: refresh, AccessID: accessID, RefreshID: refreshID,
			TokenFamily: presented.TokenFamily, ExpiresAt: now.Add(e.refreshValidity),
		}
		return nil
	})
	if err == nil && replayErr != nil {
		err = replayErr
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *TokenEngine) RevokeToken(ctx context.Context, tokenString string, delete bool) error {
	hash := hashToken(tokenString)
	stored, err := e.store.GetTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, corestore.ErrNotFound) {
			return nil
		}
		return err
	}
	if delete {
		return e.store.DeleteToken(ctx, stored.ID)
	}
	return e.store.RevokeToken(ctx, stored.ID)
}

func (e *TokenEngine) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	if err := e.store.RevokeAllTokensForUser(ctx, userID); err != nil {
		return err
	}
	if e.bus != nil {
		e.bus.Publish(ctx, coreevents.Event{
			Type: coreevents.TokenRevoked, Realm: e.realm, Timestamp: e.clock.Now(), ActorID: &userID,
			Payload: coreevents.TokenRevokedPayload{UserID: userID, Reason: "revoke_all"},
		})
	}
	return nil
}

func (e *TokenEngine) RevokeFamily(ctx context.Context, family uuid.UUID) error {
	return e.store.RevokeTokenFamily(ctx, family)
}
