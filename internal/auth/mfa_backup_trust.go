package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lavente/identity-core/internal/coreerr"
	"github.com/lavente/identity-core/internal/corestore"
)

const backupCodeCount = 10

// backupCodeCharset excludes I, O, 0, 1 so printed/read-aloud codes aren't
// ambiguous.
const backupCodeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateBackupCodes replaces the user's backup code set and returns the
// plaintext codes; only their hashes are persisted.
func (e *MfaEngine) GenerateBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	codes := make([]string, backupCodeCount)
	stored := make([]corestore.MfaBackupCode, backupCodeCount)

	for i := 0; i < backupCodeCount; i++ {
		code, err := randomBackupCode()
		if err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes[i] = code
		stored[i] = corestore.MfaBackupCode{UserID: userID, Index: i, CodeHash: hashCode(code)}
	}

	if err := e.store.ReplaceBackupCodes(ctx, userID, stored); err != nil {
		return nil, fmt.Errorf("store backup codes: %w", err)
	}
	return codes, nil
}

func randomBackupCode() (string, error) {
	out := make([]byte, 8)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupCodeCharset))))
		if err != nil {
			return "", err
		}
		out[i] = backupCodeCharset[n.Int64()]
	}
	return string(out[:4]) + "-" + string(out[4:]), nil
}

// VerifyBackupCode consumes exactly one unused code.
func (e *MfaEngine) VerifyBackupCode(ctx context.Context, userID uuid.UUID, code string) error {
	hashed := hashCode(code)
	return e.store.WithTx(ctx, func(tx corestore.Store) error {
		found, err := tx.GetBackupCodeByHash(ctx, userID, hashed)
		if err != nil {
			if err == corestore.ErrNotFound {
				return coreerr.ErrBackupCodeInvalid
			}
			return err
		}
		if found.UsedAt != nil {
			return coreerr.ErrBackupCodeInvalid
		}
		return tx.ConsumeBackupCode(ctx, userID, found.Index, e.clock.Now())
	})
}

var uaVersionPattern = regexp.MustCompile(`/[\d.]+`)

// normalizeUA strips version numbers so the same browser/OS on a patched
// point release still fingerprints to the same device.
func normalizeUA(ua string) string {
	return strings.TrimSpace(uaVersionPattern.ReplaceAllString(ua, ""))
}

// deviceFingerprint = SHA256(ip || normalize(userAgent)).
func deviceFingerprint(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + normalizeUA(userAgent)))
	return hex.EncodeToString(sum[:])
}

// TrustDevice records a trusted device fingerprint for userID, optionally
// expiring after trustDays (0 means no expiry).
func (e *MfaEngine) TrustDevice(ctx context.Context, userID uuid.UUID, ip, userAgent string, name *string, trustDays int) (uuid.UUID, error) {
	fp := deviceFingerprint(ip, userAgent)
	now := e.clock.Now()

	var expiresAt *time.Time
	if trustDays > 0 {
		t := now.AddDate(0, 0, trustDays)
		expiresAt = &t
	}

	id := e.ids.New()
	if err := e.store.CreateTrustedDevice(ctx, &corestore.MfaTrustedDevice{
		ID: id, UserID: userID, DeviceFingerprint: fp, DeviceName: name,
		TrustedAt: now, ExpiresAt: expiresAt,
	}); err != nil {
		return uuid.Nil, fmt.Errorf("trust device: %w", err)
	}
	return id, nil
}

// IsDeviceTrusted reports whether the (ip, userAgent) fingerprint matches an
// unexpired trusted device, touching last_used_at when it does.
func (e *MfaEngine) IsDeviceTrusted(ctx context.Context, userID uuid.UUID, ip, userAgent string) (bool, error) {
	fp := deviceFingerprint(ip, userAgent)
	device, err := e.store.GetTrustedDevice(ctx, userID, fp)
	if err != nil {
		if err == corestore.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	now := e.clock.Now()
	if device.ExpiresAt != nil && now.After(*device.ExpiresAt) {
		return false, nil
	}
	_ = e.store.TouchTrustedDevice(ctx, device.ID, now)
	return true, nil
}
