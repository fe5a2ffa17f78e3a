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

func (s *Store) CreateMfaMethod(ctx context.Context, m *corestore.MfaMethod) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mfa_methods (id, user_id, type, secret, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		toUUID(m.ID), toUUID(m.UserID), string(m.Type), m.Secret, string(m.Status), toTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("create mfa method: %w", err)
	}
	return nil
}

func scanMfaMethod(row pgx.Row) (*corestore.MfaMethod, error) {
	var m corestore.MfaMethod
	var id, userID pgtype.UUID
	var typ, status string
	var createdAt pgtype.Timestamptz

	err := row.Scan(&id, &userID, &typ, &m.Secret, &status, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, corestore.ErrNotFound
		}
		return nil, fmt.Errorf("scan mfa method: %w", err)
	}
	m.ID = fromUUID(id)
	m.UserID = fromUUID(userID)
	m.Type = corestore.MfaMethodType(typ)
	m.Status = corestore.MfaMethodStatus(status)
	m.CreatedAt = createdAt.Time.UTC()
	return &m, nil
}

const mfaMethodColumns = `id, user_id, type, secret, status, created_at`

func (s *Store) GetMfaMethod(ctx context.Context, userID, methodID uuid.UUID) (*corestore.MfaMethod, error) {
	row := s.db.QueryRow(ctx, `SELECT `+mfaMethodColumns+` FROM mfa_methods WHERE user_id=$1 AND id=$2`,
		toUUID(userID), toUUID(methodID))
	return scanMfaMethod(row)
}

func (s *Store) GetMfaMethodByType(ctx context.Context, userID uuid.UUID, t corestore.MfaMethodType) (*corestore.MfaMethod, error) {
	row := s.db.QueryRow(ctx, `SELECT `+mfaMethodColumns+` FROM mfa_methods WHERE user_id=$1 AND type=$2`,
		toUUID(userID), string(t))
	return scanMfaMethod(row)
}

func (s *Store) UpdateMfaMethodStatus(ctx context.Context, methodID uuid.UUID, status corestore.MfaMethodStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE mfa_methods SET status=$1 WHERE id=$2`, string(status), toUUID(methodID))
	if err != nil {
		return fmt.Errorf("update mfa method status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return corestore.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteMfaMethod(ctx context.Context, methodID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM mfa_methods WHERE id=$1`, toUUID(methodID))
	if err != nil {
		return fmt.Errorf("delete mfa method: %w", err)
	}
	return nil
}

func (s *Store) ListMfaMethods(ctx context.Context, userID uuid.UUID) ([]corestore.MfaMethod, error) {
	rows, err := s.db.Query(ctx, `SELECT `+mfaMethodColumns+` FROM mfa_methods WHERE user_id=$1 ORDER BY created_at`, toUUID(userID))
	if err != nil {
		return nil, fmt.Errorf("list mfa methods: %w", err)
	}
	defer rows.Close()

	var out []corestore.MfaMethod
	for rows.Next() {
		m, err := scanMfaMethod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *Store) CreateMfaChallenge(ctx context.Context, c *corestore.MfaChallenge) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mfa_challenges (id, user_id, method_id, code_hash, created_at, expires_at, consumed_at, for_enroll)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		toUUID(c.ID), toUUID(c.UserID), toUUID(c.MethodID), c.CodeHash, toTime(c.CreatedAt),
		toTime(c.ExpiresAt), toTimePtr(c.ConsumedAt), c.ForEnroll)
	if err != nil {
		return fmt.Errorf("create mfa challenge: %w", err)
	}
	return nil
}

func (s *Store) GetMfaChallenge(ctx context.Context, id uuid.UUID) (*corestore.MfaChallenge, error) {
	var c corestore.MfaChallenge
	var cid, userID, methodID pgtype.UUID
	var createdAt, expiresAt, consumedAt pgtype.Timestamptz

	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, method_id, code_hash, created_at, expires_at, consumed_at, for_enroll
		FROM mfa_challenges WHERE id=$1`, toUUID(id))
	err := row.Scan(&cid, &userID, &methodID, &c.CodeHash, &createdAt, &expiresAt, &consumedAt, &c.ForEnroll)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, corestore.ErrNotFound
		}
		return nil, fmt.Errorf("get mfa challenge: %w", err)
	}
	c.ID = fromUUID(cid)
	c.UserID = fromUUID(userID)
	c.MethodID = fromUUID(methodID)
	c.CreatedAt = createdAt.Time.UTC()
	c.ExpiresAt = expiresAt.Time.UTC()
	c.ConsumedAt = fromTimePtr(consumedAt)
	return &c, nil
}

func (s *Store) ConsumeMfaChallenge(ctx context.Context, id uuid.UUID, consumedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE mfa_challenges SET consumed_at=$1 WHERE id=$2 AND consumed_at IS NULL`,
		toTime(consumedAt), toUUID(id))
	if err != nil {
		return fmt.Errorf("consume mfa challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return corestore.ErrNotFound
	}
	return nil
}

func (s *Store) CountRecentChallenges(ctx context.Context, userID, methodID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM mfa_challenges WHERE user_id=$1 AND method_id=$2 AND created_at > $3`,
		toUUID(userID), toUUID(methodID), toTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent mfa challenges: %w", err)
	}
	return n, nil
}

func (s *Store) LastChallengeSentAt(ctx context.Context, userID, methodID uuid.UUID) (*time.Time, error) {
	var createdAt pgtype.Timestamptz
	row := s.db.QueryRow(ctx, `
		SELECT created_at FROM mfa_challenges WHERE user_id=$1 AND method_id=$2
		ORDER BY created_at DESC LIMIT 1`, toUUID(userID), toUUID(methodID))
	if err := row.Scan(&createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last mfa challenge sent at: %w", err)
	}
	return fromTimePtr(createdAt), nil
}

func (s *Store) CreateTrustedDevice(ctx context.Context, d *corestore.MfaTrustedDevice) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mfa_trusted_devices (id, user_id, device_fingerprint, device_name, trusted_at, last_used_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		toUUID(d.ID), toUUID(d.UserID), d.DeviceFingerprint, toTextPtr(d.DeviceName),
		toTime(d.TrustedAt), toTimePtr(d.LastUsedAt), toTimePtr(d.ExpiresAt))
	if err != nil {
		return fmt.Errorf("create trusted device: %w", err)
	}
	return nil
}

func scanTrustedDevice(row pgx.Row) (*corestore.MfaTrustedDevice, error) {
	var d corestore.MfaTrustedDevice
	var id, userID pgtype.UUID
	var deviceName pgtype.Text
	var trustedAt, lastUsedAt, expiresAt pgtype.Timestamptz

	err := row.Scan(&id, &userID, &d.DeviceFingerprint, &deviceName, &trustedAt, &lastUsedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, corestore.ErrNotFound
		}
		return nil, fmt.Errorf("scan trusted device: %w", err)
	}
	d.ID = fromUUID(id)
	d.UserID = fromUUID(userID)
	d.DeviceName = fromTextPtr(deviceName)
	d.TrustedAt = trustedAt.Time.UTC()
	d.LastUsedAt = fromTimePtr(lastUsedAt)
	d.ExpiresAt = fromTimePtr(expiresAt)
	return &d, nil
}

const trustedDeviceColumns = `id, user_id, device_fingerprint, device_name, trusted_at, last_used_at, expires_at`

func (s *Store) GetTrustedDevice(ctx context.Context, userID uuid.UUID, fingerprint string) (*corestore.MfaTrustedDevice, error) {
	row := s.db.QueryRow(ctx, `SELECT `+trustedDeviceColumns+` FROM mfa_trusted_devices WHERE user_id=$1 AND device_fingerprint=$2`,
		toUUID(userID), fingerprint)
	return scanTrustedDevice(row)
}

func (s *Store) TouchTrustedDevice(ctx context.Context, id uuid.UUID, lastUsedAt time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE mfa_trusted_devices SET last_used_at=$1 WHERE id=$2`, toTime(lastUsedAt), toUUID(id))
	if err != nil {
		return fmt.Errorf("touch trusted device: %w", err)
	}
	return nil
}

func (s *Store) ListTrustedDevices(ctx context.Context, userID uuid.UUID) ([]corestore.MfaTrustedDevice, error) {
	rows, err := s.db.Query(ctx, `SELECT `+trustedDeviceColumns+` FROM mfa_trusted_devices WHERE user_id=$1 ORDER BY trusted_at DESC`,
		toUUID(userID))
	if err != nil {
		return nil, fmt.Errorf("list trusted devices: %w", err)
	}
	defer rows.Close()

	var out []corestore.MfaTrustedDevice
	for rows.Next() {
		d, err := scanTrustedDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTrustedDevice(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM mfa_trusted_devices WHERE id=$1`, toUUID(id))
	if err != nil {
		return fmt.Errorf("delete trusted device: %w", err)
	}
	return nil
}

func (s *Store) DeleteAllTrustedDevices(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM mfa_trusted_devices WHERE user_id=$1`, toUUID(userID))
	if err != nil {
		return fmt.Errorf("delete all trusted devices: %w", err)
	}
	return nil
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, codes []corestore.MfaBackupCode) error {
	_, err := s.db.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id=$1`, toUUID(userID))
	if err != nil {
		return fmt.Errorf("clear backup codes: %w", err)
	}
	for _, c := range codes {
		_, err := s.db.Exec(ctx, `
			INSERT INTO mfa_backup_codes (user_id, index, code_hash, used_at) VALUES ($1,$2,$3,$4)`,
			toUUID(userID), c.Index, c.CodeHash, toTimePtr(c.UsedAt))
		if err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}
	return nil
}

func (s *Store) GetBackupCodeByHash(ctx context.Context, userID uuid.UUID, codeHash string) (*corestore.MfaBackupCode, error) {
	var c corestore.MfaBackupCode
	var uid pgtype.UUID
	var usedAt pgtype.Timestamptz

	row := s.db.QueryRow(ctx, `SELECT user_id, index, code_hash, used_at FROM mfa_backup_codes WHERE user_id=$1 AND code_hash=$2`,
		toUUID(userID), codeHash)
	if err := row.Scan(&uid, &c.Index, &c.CodeHash, &usedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, corestore.ErrNotFound
		}
		return nil, fmt.Errorf("get backup code: %w", err)
	}
	c.UserID = fromUUID(uid)
	c.UsedAt = fromTimePtr(usedAt)
	return &c, nil
}

func (s *Store) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, index int, usedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE mfa_backup_codes SET used_at=$1 WHERE user_id=$2 AND index=$3 AND used_at IS NULL`,
		toTime(usedAt), toUUID(userID), index)
	if err != nil {
		return fmt.Errorf("consume backup code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return corestore.ErrNotFound
	}
	return nil
}

func (s *Store) CountUnusedBackupCodes(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM mfa_backup_codes WHERE user_id=$1 AND used_at IS NULL`,
		toUUID(userID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unused backup codes: %w", err)
	}
	return n, nil
}

// RecordTotpStep inserts a fence row for (userID, methodID, step). A unique
// constraint on those three columns makes the second insert for the same
// step a conflict, which we treat as "already seen" rather than an error.
func (s *Store) RecordTotpStep(ctx context.Context, userID, methodID uuid.UUID, step int64, seenAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO mfa_totp_steps (user_id, method_id, step, seen_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (user_id, method_id, step) DO NOTHING`,
		toUUID(userID), toUUID(methodID), step, toTime(seenAt))
	if err != nil {
		return false, fmt.Errorf("record totp step: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
