package auth

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lavente/identity-core/internal/coreevents"
	"github.com/lavente/identity-core/internal/coreid"
	"github.com/lavente/identity-core/internal/corestore"
)

// earthRadiusKm is used for the Haversine great-circle distance in new
// location anomaly detection.
const earthRadiusKm = 6371.0

type SessionPolicy struct {
	SessionExpiration       time.Duration
	MaxConcurrentSessions   int
	CleanupInterval         time.Duration
	SessionHistoryRetention time.Duration
	DetectNewDevice         bool
	DetectNewLocation       bool
	LocationRadiusKm        float64
}

type SessionEngineConfig struct {
	Realm  string
	Policy SessionPolicy
	Store  corestore.Store
	Clock  coreid.Clock
	IDs    coreid.UuidGen
	Logger *slog.Logger
}

// SessionEngine implements the C9 contract: sessions are created and
// maintained as a side effect of token lifecycle events, never directly.
type SessionEngine struct {
	realm  string
	policy SessionPolicy
	store  corestore.Store
	clock  coreid.Clock
	ids    coreid.UuidGen
	log    *slog.Logger
}

func NewSessionEngine(cfg SessionEngineConfig) *SessionEngine {
	if cfg.Clock == nil {
		cfg.Clock = coreid.SystemClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = coreid.GoogleUUIDGen{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SessionEngine{realm: cfg.Realm, policy: cfg.Policy, store: cfg.Store, clock: cfg.Clock, ids: cfg.IDs, log: cfg.Logger}
}

// humanDeviceName extracts a coarse, readable device label from a raw UA
// string. Not exhaustive, just enough for session listings.
func humanDeviceName(ua string) string {
	lower := strings.ToLower(ua)
	var browser, os string
	switch {
	case strings.Contains(lower, "edg/"):
		browser = "Edge"
	case strings.Contains(lower, "chrome/"):
		browser = "Chrome"
	case strings.Contains(lower, "firefox/"):
		browser = "Firefox"
	case strings.Contains(lower, "safari/") && !strings.Contains(lower, "chrome"):
		browser = "Safari"
	default:
		browser = "Unknown browser"
	}
	switch {
	case strings.Contains(lower, "windows"):
		os = "Windows"
	case strings.Contains(lower, "mac os"):
		os = "macOS"
	case strings.Contains(lower, "android"):
		os = "Android"
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ios"):
		os = "iOS"
	case strings.Contains(lower, "linux"):
		os = "Linux"
	default:
		os = "Unknown OS"
	}
	return browser + " on " + os
}

// OnTokenIssued creates a session from a TokenIssued event, evicting the
// oldest active session first if the user is at their concurrency cap.
// Count+evict+create run in one transaction so the cap can't be exceeded by
// concurrent logins racing each other.
func (e *SessionEngine) OnTokenIssued(ctx context.Context, p coreevents.TokenIssuedPayload, ip, userAgent *string, lat, lon *float64) error {
	return e.store.WithTx(ctx, func(tx corestore.Store) error {
		if e.policy.MaxConcurrentSessions > 0 {
			active, err := tx.ListActiveSessions(ctx, p.UserID)
			if err != nil {
				return err
			}
			if len(active) >= e.policy.MaxConcurrentSessions {
				oldest := active[len(active)-1]
				for _, s := range active {
					if s.LastActivityAt.Before(oldest.LastActivityAt) {
						oldest = s
					}
				}
				now := e.clock.Now()
				if err := tx.RevokeSession(ctx, oldest.ID, "max_sessions_exceeded", now); err != nil {
					return err
				}
				if err := e.archive(ctx, tx, &oldest, "max_sessions_exceeded", now); err != nil {
					return err
				}
			}
		}

		var ipStr string
		if ip != nil {
			ipStr = *ip
		}
		var uaStr string
		if userAgent != nil {
			uaStr = *userAgent
		}
		fp := deviceFingerprint(ipStr, uaStr)

		anomalies, err := e.detectAnomalies(ctx, p.UserID, fp, lat, lon)
		if err != nil {
			return err
		}
		for _, a := range anomalies {
			e.log.Warn("session anomaly detected", "realm", e.realm, "user_id", p.UserID, "kind", a)
		}

		now := e.clock.Now()
		var deviceName *string
		if userAgent != nil {
			name := humanDeviceName(*userAgent)
			deviceName = &name
		}
		return tx.CreateSession(ctx, &corestore.Session{
			ID: e.ids.New(), UserID: p.UserID, TokenFamily: p.TokenFamily, DeviceFPrint: fp,
			DeviceName: deviceName, UserAgent: userAgent, IPAddress: ip, Latitude: lat, Longitude: lon,
			CreatedAt: now, LastActivityAt: now, ExpiresAt: now.Add(e.policy.SessionExpiration),
			Status: corestore.SessionActive,
		})
	})
}

// detectAnomalies compares the new session's device fingerprint and
// coordinates against the user's existing active sessions.
func (e *SessionEngine) detectAnomalies(ctx context.Context, userID uuid.UUID, fp string, lat, lon *float64) ([]string, error) {
	var anomalies []string
	if !e.policy.DetectNewDevice && !e.policy.DetectNewLocation {
		return anomalies, nil
	}

	prior, err := e.store.ListActiveSessions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if e.policy.DetectNewDevice {
		seen := false
		for _, s := range prior {
			if s.DeviceFPrint == fp {
				seen = true
				break
			}
		}
		if !seen && len(prior) > 0 {
			anomalies = append(anomalies, "new_device")
		}
	}

	if e.policy.DetectNewLocation && lat != nil && lon != nil {
		minDist := math.Inf(1)
		for _, s := range prior {
			if s.Latitude == nil || s.Longitude == nil {
				continue
			}
			d := haversineKm(*lat, *lon, *s.Latitude, *s.Longitude)
			if d < minDist {
				minDist = d
			}
		}
		if !math.IsInf(minDist, 1) && minDist > e.policy.LocationRadiusKm {
			anomalies = append(anomalies, "new_location")
		}
	}
	return anomalies, nil
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// OnTokenRefreshed slides the session's expiry forward for the row keyed by
// its token family. Access tokens never touch session state by themselves.
func (e *SessionEngine) OnTokenRefreshed(ctx context.Context, p coreevents.TokenRefreshedPayload) error {
	now := e.clock.Now()
	err := e.store.TouchSession(ctx, p.TokenFamily, now, now.Add(e.policy.SessionExpiration))
	if err != nil && err != corestore.ErrNotFound {
		return fmt.Errorf("touch session on refresh: %w", err)
	}
	return nil
}

// RevokeSession marks a session revoked with the given reason.
func (e *SessionEngine) RevokeSession(ctx context.Context, sessionID uuid.UUID, reason string) error {
	return e.store.RevokeSession(ctx, sessionID, reason, e.clock.Now())
}

// RevokeByTokenFamily is used by logout paths that only know the family.
func (e *SessionEngine) RevokeByTokenFamily(ctx context.Context, family uuid.UUID, reason string) error {
	sess, err := e.store.GetSessionByTokenFamily(ctx, family)
	if err != nil {
		if err == corestore.ErrNotFound {
			return nil
		}
		return err
	}
	return e.RevokeSession(ctx, sess.ID, reason)
}

func (e *SessionEngine) ListActiveSessions(ctx context.Context, userID uuid.UUID) ([]corestore.Session, error) {
	return e.store.ListActiveSessions(ctx, userID)
}

func (e *SessionEngine) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]corestore.SessionHistoryEntry, error) {
	return e.store.SessionHistory(ctx, userID, limit, offset)
}

func (e *SessionEngine) archive(ctx context.Context, tx corestore.Store, s *corestore.Session, reason string, now time.Time) error {
	return tx.ArchiveSession(ctx, &corestore.SessionHistoryEntry{
		ID: e.ids.New(), SessionID: s.ID, UserID: s.UserID, TokenFamily: s.TokenFamily,
		DeviceFPrint: s.DeviceFPrint, CreatedAt: s.CreatedAt, TerminatedAt: now,
		FinalStatus: corestore.SessionRevoked, RevokedReason: &reason, ArchivedAt: now,
	})
}

// RunCleanupLoop marks sessions past their expiry REVOKED with reason
// "expired" (the EXPIRED status is never set), archives terminal rows, and prunes
// old history on a fixed interval until ctx is cancelled. One instance per
// realm; idempotent because each sweep only touches rows matching its
// current-state predicate, so a concurrent sweep finds nothing left to do.
func (e *SessionEngine) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(e.policy.CleanupInterval)
	defer ticker.Stop()

	e.runCleanupOnce(ctx)
	for {
		select {
		case <-ticker.C:
			e.runCleanupOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (e *SessionEngine) runCleanupOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("session cleanup sweep panicked", "realm", e.realm, "panic", r)
		}
	}()
	now := e.clock.Now()

	expired, err := e.store.ListExpiredSessions(ctx, now)
	if err != nil {
		e.log.Error("list expired sessions", "realm", e.realm, "error", err)
	} else {
		for _, s := range expired {
			if err := e.store.RevokeSession(ctx, s.ID, "expired", now); err != nil && err != corestore.ErrNotFound {
				e.log.Error("expire session", "realm", e.realm, "session_id", s.ID, "error", err)
			}
		}
	}

	terminal, err := e.store.ListTerminalSessions(ctx)
	if err != nil {
		e.log.Error("list terminal sessions", "realm", e.realm, "error", err)
		return
	}
	for _, s := range terminal {
		if err := e.archive(ctx, e.store, &s, stringOrDefault(s.RevokedReason, "expired"), now); err != nil {
			e.log.Error("archive session", "realm", e.realm, "session_id", s.ID, "error", err)
			continue
		}
		if err := e.store.DeleteSession(ctx, s.ID); err != nil {
			e.log.Error("delete session", "realm", e.realm, "session_id", s.ID, "error", err)
		}
	}

	if err := e.store.DeleteHistoryOlderThan(ctx, now.Add(-e.policy.SessionHistoryRetention)); err != nil {
		e.log.Error("prune session history", "realm", e.realm, "error", err)
	}
}

func stringOrDefault(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
