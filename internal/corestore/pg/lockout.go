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

func (s *Store) InsertFailedAttempt(ctx context.Context, a *corestore.FailedAttempt) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO failed_attempts (id, identifier, user_id, ip_address, attempted_at, reason)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		toUUID(a.ID), a.Identifier, toUUIDPtr(a.UserID), toTextPtr(a.IPAddress), toTime(a.AttemptedAt), a.Reason)
	if err != nil {
		return fmt.Errorf("insert failed attempt: %w", err)
	}
	return nil
}

func (s *Store) DeleteFailedAttemptsOlderThan(ctx context.Context, identifier string, cutoff time.Time) error {
	_, err := s.db.Exec(ctx, `DELETE FROM failed_attempts WHERE identifier=$1 AND attempted_at < $2`,
		identifier, toTime(cutoff))
	if err != nil {
		return fmt.Errorf("delete old failed attempts: %w", err)
	}
	return nil
}

func (s *Store) CountFailedAttemptsByIdentifier(ctx context.Context, identifier string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM failed_attempts WHERE identifier=$1 AND attempted_at > $2`,
		identifier, toTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed attempts by identifier: %w", err)
	}
	return n, nil
}

func (s *Store) CountFailedAttemptsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM failed_attempts WHERE ip_address=$1 AND attempted_at > $2`,
		ip, toTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed attempts by ip: %w", err)
	}
	return n, nil
}

func (s *Store) CountFailedAttemptsByUser(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM failed_attempts WHERE user_id=$1 AND attempted_at > $2`,
		toUUID(userID), toTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed attempts by user: %w", err)
	}
	return n, nil
}

func (s *Store) ClearFailedAttemptsForIdentifier(ctx context.Context, identifier string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM failed_attempts WHERE identifier=$1`, identifier)
	if err != nil {
		return fmt.Errorf("clear failed attempts for identifier: %w", err)
	}
	return nil
}

func (s *Store) ClearFailedAttemptsForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM failed_attempts WHERE user_id=$1`, toUUID(userID))
	if err != nil {
		return fmt.Errorf("clear failed attempts for user: %w", err)
	}
	return nil
}

func (s *Store) UpsertAccountLock(ctx context.Context, l *corestore.AccountLock) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO account_locks (user_id, locked_until, reason, locked_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (user_id) DO UPDATE SET locked_until=$2, reason=$3, locked_at=$4`,
		toUUID(l.UserID), toTimePtr(l.LockedUntil), l.Reason, toTime(l.LockedAt))
	if err != nil {
		return fmt.Errorf("upsert account lock: %w", err)
	}
	return nil
}

func (s *Store) GetAccountLock(ctx context.Context, userID uuid.UUID) (*corestore.AccountLock, error) {
	var l corestore.AccountLock
	var uid pgtype.UUID
	var lockedUntil, lockedAt pgtype.Timestamptz

	row := s.db.QueryRow(ctx, `SELECT user_id, locked_until, reason, locked_at FROM account_locks WHERE user_id=$1`, toUUID(userID))
	if err := row.Scan(&uid, &lockedUntil, &l.Reason, &lockedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, corestore.ErrNotFound
		}
		return nil, fmt.Errorf("get account lock: %w", err)
	}
	l.UserID = fromUUID(uid)
	l.LockedUntil = fromTimePtr(lockedUntil)
	l.LockedAt = lockedAt.Time.UTC()
	return &l, nil
}

func (s *Store) DeleteAccountLock(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM account_locks WHERE user_id=$1`, toUUID(userID))
	if err != nil {
		return fmt.Errorf("delete account lock: %w", err)
	}
	return nil
}
