package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/lavente/identity-core/internal/coreerr"
	"github.com/lavente/identity-core/internal/coreid"
	"github.com/lavente/identity-core/internal/corecrypto"
	"github.com/lavente/identity-core/internal/corestore"
)

const (
	mfaVerifyRateLimit   = 5
	mfaVerifyWindow      = 15 * time.Minute
	mfaChallengeCooldown = 60 * time.Second
	mfaChallengeBurst    = 5
	mfaChallengeWindow   = 15 * time.Minute
	mfaChallengeTTL      = 10 * time.Minute
)

// Sender delivers out-of-band one-time codes. A narrow interface so realms
// can plug in whatever transport they have (SMTP, SMS gateway, dev logger)
// without the engine depending on a concrete provider.
type Sender interface {
	SendCode(ctx context.Context, contact string, code string) error
}

type MfaEngineConfig struct {
	Realm       string
	Issuer      string
	Store       corestore.Store
	Clock       coreid.Clock
	IDs         coreid.UuidGen
	Bus         Publisher
	Secrets     *corecrypto.SecretBox
	EmailSender Sender
	SmsSender   Sender
}

// MfaEngine implements the C8 contract: the TOTP/email/SMS enrollment and
// verification state machine, backup codes, and trusted devices.
type MfaEngine struct {
	realm       string
	issuer      string
	store       corestore.Store
	clock       coreid.Clock
	ids         coreid.UuidGen
	bus         Publisher
	secrets     *corecrypto.SecretBox
	emailSender Sender
	smsSender   Sender
}

func NewMfaEngine(cfg MfaEngineConfig) *MfaEngine {
	if cfg.Clock == nil {
		cfg.Clock = coreid.SystemClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = coreid.GoogleUUIDGen{}
	}
	return &MfaEngine{
		realm: cfg.Realm, issuer: cfg.Issuer, store: cfg.Store, clock: cfg.Clock, ids: cfg.IDs,
		bus: cfg.Bus, secrets: cfg.Secrets, emailSender: cfg.EmailSender, smsSender: cfg.SmsSender,
	}
}

type EnrollTotpResult struct {
	MethodID   uuid.UUID
	Secret     string
	OtpauthURL string
}

// EnrollTotp creates a PENDING TOTP method with a fresh base32 secret,
// persisted encrypted at rest.
func (e *MfaEngine) EnrollTotp(ctx context.Context, userID uuid.UUID, label string) (*EnrollTotpResult, error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: e.issuer, AccountName: label})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}

	enc, err := e.secrets.Encrypt([]byte(key.Secret()))
	if err != nil {
		return nil, fmt.Errorf("encrypt totp secret: %w", err)
	}

	methodID := e.ids.New()
	if err := e.store.CreateMfaMethod(ctx, &corestore.MfaMethod{
		ID: methodID, UserID: userID, Type: corestore.MfaTOTP, Secret: enc,
		Status: corestore.MfaPending, CreatedAt: e.clock.Now(),
	}); err != nil {
		return nil, fmt.Errorf("create totp method: %w", err)
	}

	return &EnrollTotpResult{MethodID: methodID, Secret: key.Secret(), OtpauthURL: key.URL()}, nil
}

func (e *MfaEngine) decryptSecret(method *corestore.MfaMethod) (string, error) {
	raw, err := e.secrets.Decrypt(method.Secret)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// VerifyTotpEnrollment validates the initial code and flips PENDING->ACTIVE.
func (e *MfaEngine) VerifyTotpEnrollment(ctx context.Context, userID, methodID uuid.UUID, code string) error {
	method, err := e.store.GetMfaMethod(ctx, userID, methodID)
	if err != nil {
		return coreerr.ErrMfaNotEnrolled
	}
	secret, err := e.decryptSecret(method)
	if err != nil {
		return fmt.Errorf("decrypt totp secret: %w", err)
	}
	ok, err := totp.ValidateCustom(code, secret, e.clock.Now(), totp.ValidateOpts{Period: 30, Skew: 1, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1})
	if err != nil || !ok {
		return coreerr.ErrInvalidMfaCode
	}
	return e.store.UpdateMfaMethodStatus(ctx, methodID, corestore.MfaActive)
}

func randomDigits(n int) (string, error) {
	const digits = "0123456789"
	out := make([]byte, n)
	for i := range out {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", err
		}
		out[i] = digits[num.Int64()]
	}
	return string(out), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// EnrollEmail/EnrollSms create a PENDING contact method and send the first
// one-time code, returning the challenge id for VerifyChallenge.
func (e *MfaEngine) EnrollEmail(ctx context.Context, userID uuid.UUID, contact string) (uuid.UUID, error) {
	return e.enrollContact(ctx, userID, corestore.MfaEmail, contact, e.emailSender)
}

func (e *MfaEngine) EnrollSms(ctx context.Context, userID uuid.UUID, contact string) (uuid.UUID, error) {
	return e.enrollContact(ctx, userID, corestore.MfaSMS, contact, e.smsSender)
}

func (e *MfaEngine) enrollContact(ctx context.Context, userID uuid.UUID, typ corestore.MfaMethodType, contact string, sender Sender) (uuid.UUID, error) {
	methodID := e.ids.New()
	now := e.clock.Now()
	if err := e.store.CreateMfaMethod(ctx, &corestore.MfaMethod{
		ID: methodID, UserID: userID, Type: typ, Secret: contact, Status: corestore.MfaPending, CreatedAt: now,
	}); err != nil {
		return uuid.Nil, fmt.Errorf("create contact method: %w", err)
	}
	challengeID, err := e.sendChallenge(ctx, userID, methodID, contact, sender, true)
	if err != nil {
		return uuid.Nil, err
	}
	return challengeID, nil
}

func (e *MfaEngine) sendChallenge(ctx context.Context, userID, methodID uuid.UUID, contact string, sender Sender, forEnroll bool) (uuid.UUID, error) {
	code, err := randomDigits(6)
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate challenge code: %w", err)
	}
	now := e.clock.Now()
	challengeID := e.ids.New()
	if err := e.store.CreateMfaChallenge(ctx, &corestore.MfaChallenge{
		ID: challengeID, UserID: userID, MethodID: methodID, CodeHash: hashCode(code),
		CreatedAt: now, ExpiresAt: now.Add(mfaChallengeTTL), ForEnroll: forEnroll,
	}); err != nil {
		return uuid.Nil, fmt.Errorf("create mfa challenge: %w", err)
	}
	if sender != nil {
		if err := sender.SendCode(ctx, contact, code); err != nil {
			return uuid.Nil, fmt.Errorf("send mfa code: %w", err)
		}
	}
	return challengeID, nil
}

// ChallengeResult mirrors the contract's tagged-union return for
// ChallengeEmail/Sms.
type ChallengeResult struct {
	Success     bool
	ChallengeID uuid.UUID
	RateLimited bool
	Cooldown    bool
	Failed      bool
	FailReason  string
}

func (e *MfaEngine) ChallengeEmail(ctx context.Context, userID, methodID uuid.UUID) (ChallengeResult, error) {
	return e.challenge(ctx, userID, methodID, e.emailSender)
}

func (e *MfaEngine) ChallengeSms(ctx context.Context, userID, methodID uuid.UUID) (ChallengeResult, error) {
	return e.challenge(ctx, userID, methodID, e.smsSender)
}

func (e *MfaEngine) challenge(ctx context.Context, userID, methodID uuid.UUID, sender Sender) (ChallengeResult, error) {
	method, err := e.store.GetMfaMethod(ctx, userID, methodID)
	if err != nil {
		return ChallengeResult{Failed: true, FailReason: "method not found"}, nil
	}

	now := e.clock.Now()
	lastSent, err := e.store.LastChallengeSentAt(ctx, userID, methodID)
	if err != nil {
		return ChallengeResult{}, err
	}
	if lastSent != nil && now.Sub(*lastSent) < mfaChallengeCooldown {
		return ChallengeResult{Cooldown: true}, nil
	}

	count, err := e.store.CountRecentChallenges(ctx, userID, methodID, now.Add(-mfaChallengeWindow))
	if err != nil {
		return ChallengeResult{}, err
	}
	if count >= mfaChallengeBurst {
		return ChallengeResult{RateLimited: true}, nil
	}

	challengeID, err := e.sendChallenge(ctx, userID, methodID, method.Secret, sender, false)
	if err != nil {
		return ChallengeResult{Failed: true, FailReason: err.Error()}, nil
	}
	return ChallengeResult{Success: true, ChallengeID: challengeID}, nil
}

// DeviceInfo is the optional context passed alongside verification so a
// successful check can also register a trusted device.
type DeviceInfo struct {
	IP        string
	UserAgent string
	Name      *string
	TrustDays int
}

// VerifyChallenge constant-time compares H(code) against the stored hash,
// consumes the challenge, and activates the method on first successful
// enrollment verification.
func (e *MfaEngine) VerifyChallenge(ctx context.Context, userID, challengeID uuid.UUID, code string, device *DeviceInfo) error {
	challenge, err := e.store.GetMfaChallenge(ctx, challengeID)
	if err != nil || challenge.UserID != userID {
		return coreerr.ErrChallengeExpired
	}
	now := e.clock.Now()
	if challenge.ConsumedAt != nil || now.After(challenge.ExpiresAt) {
		return coreerr.ErrChallengeExpired
	}

	if err := e.checkVerifyRateLimit(ctx, userID, challenge.MethodID); err != nil {
		return err
	}

	if !corecrypto.ConstantTimeEqual(hashCode(code), challenge.CodeHash) {
		return coreerr.ErrInvalidMfaCode
	}
	if err := e.store.WithTx(ctx, func(tx corestore.Store) error {
		if err := tx.ConsumeMfaChallenge(ctx, challengeID, now); err != nil {
			return err
		}
		if challenge.ForEnroll {
			return tx.UpdateMfaMethodStatus(ctx, challenge.MethodID, corestore.MfaActive)
		}
		return nil
	}); err != nil {
		return err
	}
	if device != nil {
		if _, err := e.TrustDevice(ctx, userID, device.IP, device.UserAgent, device.Name, device.TrustDays); err != nil {
			return err
		}
	}
	return nil
}

// VerifyTotp validates a live TOTP code with ±1 step skew and fences replay
// of the (userID, methodID, step) tuple within the window.
func (e *MfaEngine) VerifyTotp(ctx context.Context, userID, methodID uuid.UUID, code string, device *DeviceInfo) error {
	method, err := e.store.GetMfaMethod(ctx, userID, methodID)
	if err != nil {
		return coreerr.ErrMfaNotEnrolled
	}
	if err := e.checkVerifyRateLimit(ctx, userID, methodID); err != nil {
		return err
	}

	secret, err := e.decryptSecret(method)
	if err != nil {
		return fmt.Errorf("decrypt totp secret: %w", err)
	}

	now := e.clock.Now()
	const period = 30
	for _, skew := range []int64{0, -1, 1} {
		step := now.Unix()/period + skew
		candidate, err := totp.GenerateCodeCustom(secret, time.Unix(step*period, 0), totp.ValidateOpts{
			Period: period, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			continue
		}
		if !corecrypto.ConstantTimeEqual(candidate, code) {
			continue
		}
		fresh, err := e.store.RecordTotpStep(ctx, userID, methodID, step, now)
		if err != nil {
			return fmt.Errorf("record totp step: %w", err)
		}
		if !fresh {
			return coreerr.ErrInvalidMfaCode
		}
		if device != nil {
			if _, err := e.TrustDevice(ctx, userID, device.IP, device.UserAgent, device.Name, device.TrustDays); err != nil {
				return err
			}
		}
		return nil
	}
	return coreerr.ErrInvalidMfaCode
}

func (e *MfaEngine) checkVerifyRateLimit(ctx context.Context, userID, methodID uuid.UUID) error {
	count, err := e.store.CountRecentChallenges(ctx, userID, methodID, e.clock.Now().Add(-mfaVerifyWindow))
	if err != nil {
		return err
	}
	if count >= mfaVerifyRateLimit {
		return coreerr.ErrMfaRateLimited
	}
	return nil
}

// ForceRemoveMethod, DisableMfaForUser, and ListUserMethods are admin
// operations: callerRoles must include "ADMIN" or the call fails with
// InsufficientPermissions.
func (e *MfaEngine) ForceRemoveMethod(ctx context.Context, callerRoles []string, methodID uuid.UUID) error {
	if !hasRole(callerRoles, "ADMIN") {
		return coreerr.ErrInsufficientPerms
	}
	return e.store.DeleteMfaMethod(ctx, methodID)
}

func (e *MfaEngine) DisableMfaForUser(ctx context.Context, callerRoles []string, userID uuid.UUID) error {
	if !hasRole(callerRoles, "ADMIN") {
		return coreerr.ErrInsufficientPerms
	}
	methods, err := e.store.ListMfaMethods(ctx, userID)
	if err != nil {
		return err
	}
	for _, m := range methods {
		if err := e.store.DeleteMfaMethod(ctx, m.ID); err != nil {
			return err
		}
	}
	return e.store.DeleteAllTrustedDevices(ctx, userID)
}

func (e *MfaEngine) ListUserMethods(ctx context.Context, callerRoles []string, userID uuid.UUID) ([]corestore.MfaMethod, error) {
	if !hasRole(callerRoles, "ADMIN") {
		return nil, coreerr.ErrInsufficientPerms
	}
	return e.store.ListMfaMethods(ctx, userID)
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}
