package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lavente/identity-core/internal/corestore"
)

const sessionColumns = `id, user_id, token_family, device_fingerprint, device_name, user_agent, ip_address,
	latitude, longitude, created_at, last_activity_at, expires_at, status, revoked_reason, revoked_at`

func (s *Store) CreateSession(ctx context.Context, sess *corestore.Session) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_family, device_fingerprint, device_name, user_agent, ip_address,
			latitude, longitude, created_at, last_activity_at, expires_at, status, revoked_reason, revoked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		toUUID(sess.ID), toUUID(sess.UserID), toUUID(sess.TokenFamily), sess.DeviceFPrint,
		toTextPtr(sess.DeviceName), toTextPtr(sess.UserAgent), toTextPtr(sess.IPAddress),
		toFloat8Ptr(sess.Latitude), toFloat8Ptr(sess.Longitude), toTime(sess.CreatedAt),
		toTime(sess.LastActivityAt), toTime(sess.ExpiresAt), string(sess.Status),
		toTextPtr(sess.RevokedReason), toTimePtr(sess.RevokedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (*corestore.Session, error) {
	var sess corestore.Session
	var id, userID, family pgtype.UUID
	var deviceName, userAgent, ipAddress, revokedReason pgtype.Text
	var latitude, longitude pgtype.Float8
	var createdAt, lastActivityAt, expiresAt, revokedAt pgtype.Timestamptz
	var status string

	err := row.Scan(&id, &userID, &family, &sess.DeviceFPrint, &deviceName, &userAgent, &ipAddress,
		&latitude, &longitude, &createdAt, &lastActivityAt, &expiresAt, &status, &revokedReason, &revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, corestore.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.ID = fromUUID(id)
	sess.UserID = fromUUID(userID)
	sess.TokenFamily = fromUUID(family)
	sess.DeviceName = fromTextPtr(deviceName)
	sess.UserAgent = fromTextPtr(userAgent)
	sess.IPAddress = fromTextPtr(ipAddress)
	sess.Latitude = fromFloat8Ptr(latitude)
	sess.Longitude = fromFloat8Ptr(longitude)
	sess.CreatedAt = createdAt.Time.UTC()
	sess.LastActivityAt = lastActivityAt.Time.UTC()
	sess.ExpiresAt = expiresAt.Time.UTC()
	sess.Status = corestore.SessionStatus(status)
	sess.RevokedReason = fromTextPtr(revokedReason)
	sess.RevokedAt = fromTimePtr(revokedAt)
	return &sess, nil
}

func (s *Store) GetSessionByTokenFamily(ctx context.Context, family uuid.UUID) (*corestore.Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token_family=$1`, toUUID(family))
	return scanSession(row)
}

func (s *Store) GetSessionByID(ctx context.Context, id uuid.UUID) (*corestore.Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, toUUID(id))
	return scanSession(row)
}

func (s *Store) ListActiveSessions(ctx context.Context, userID uuid.UUID) ([]corestore.Session, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id=$1 AND status='ACTIVE' ORDER BY last_activity_at DESC`,
		toUUID(userID))
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []corestore.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Store) CountActiveSessions(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM sessions WHERE user_id=$1 AND status='ACTIVE'`, toUUID(userID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

func (s *Store) TouchSession(ctx context.Context, family uuid.UUID, lastActivityAt, expiresAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions SET last_activity_at=$1, expires_at=$2 WHERE token_family=$3 AND status='ACTIVE'`,
		toTime(lastActivityAt), toTime(expiresAt), toUUID(family))
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return corestore.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeSession(ctx context.Context, id uuid.UUID, reason string, revokedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions SET status='REVOKED', revoked_reason=$1, revoked_at=$2 WHERE id=$3 AND status='ACTIVE'`,
		reason, toTime(revokedAt), toUUID(id))
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return corestore.ErrNotFound
	}
	return nil
}

func (s *Store) ListExpiredSessions(ctx context.Context, before time.Time) ([]corestore.Session, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status='ACTIVE' AND expires_at < $1`,
		toTime(before))
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var out []corestore.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Store) ListTerminalSessions(ctx context.Context) ([]corestore.Session, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status IN ('EXPIRED','REVOKED')`)
	if err != nil {
		return nil, fmt.Errorf("list terminal sessions: %w", err)
	}
	defer rows.Close()

	var out []corestore.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id=$1`, toUUID(id))
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) ArchiveSession(ctx context.Context, entry *corestore.SessionHistoryEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_history (id, session_id, user_id, token_family, device_fingerprint,
			created_at, terminated_at, final_status, revoked_reason, archived_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		toUUID(entry.ID), toUUID(entry.SessionID), toUUID(entry.UserID), toUUID(entry.TokenFamily),
		entry.DeviceFPrint, toTime(entry.CreatedAt), toTime(entry.TerminatedAt), string(entry.FinalStatus),
		toTextPtr(entry.RevokedReason), toTime(entry.ArchivedAt))
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

func (s *Store) SessionHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]corestore.SessionHistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, user_id, token_family, device_fingerprint, created_at, terminated_at,
			final_status, revoked_reason, archived_at
		FROM session_history WHERE user_id=$1 ORDER BY archived_at DESC LIMIT $2 OFFSET $3`,
		toUUID(userID), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("session history: %w", err)
	}
	defer rows.Close()

	var out []corestore.SessionHistoryEntry
	for rows.Next() {
		var e corestore.SessionHistoryEntry
		var id, sessionID, uid, family pgtype.UUID
		var revokedReason pgtype.Text
		var createdAt, terminatedAt, archivedAt pgtype.Timestamptz
		var status string

		if err := rows.Scan(&id, &sessionID, &uid, &family, &e.DeviceFPrint, &createdAt, &terminatedAt,
			&status, &revokedReason, &archivedAt); err != nil {
			return nil, err
		}
		e.ID = fromUUID(id)
		e.SessionID = fromUUID(sessionID)
		e.UserID = fromUUID(uid)
		e.TokenFamily = fromUUID(family)
		e.CreatedAt = createdAt.Time.UTC()
		e.TerminatedAt = terminatedAt.Time.UTC()
		e.FinalStatus = corestore.SessionStatus(status)
		e.RevokedReason = fromTextPtr(revokedReason)
		e.ArchivedAt = archivedAt.Time.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteHistoryOlderThan(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.Exec(ctx, `DELETE FROM session_history WHERE archived_at < $1`, toTime(cutoff))
	if err != nil {
		return fmt.Errorf("delete old session history: %w", err)
	}
	return nil
}
