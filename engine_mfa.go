package kestrel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/eventlog"
	"github.com/kestrelsec/kestrel/internal"
	"github.com/kestrelsec/kestrel/internal/mfastore"
)

const backupSaltBytes = 16

// EnableMFA starts enrollment: it generates a fresh secret and backup
// codes, persists them disabled, and returns the provisioning material.
// The plaintext backup codes in the result are the only copy that will
// ever exist.
func (e *Engine) EnableMFA(ctx context.Context, principalID string) (*MFAEnrollment, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	if _, err := e.principals.GetPrincipalByID(ctx, principalID); err != nil {
		return nil, ErrPrincipalNotFound
	}

	existing, err := e.mfa.Get(ctx, principalID)
	switch {
	case err == nil && existing.Enabled:
		return nil, ErrMFAAlreadyEnabled
	case err != nil && !errors.Is(err, mfastore.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}

	rawSecret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	encrypted, err := e.secrets.Seal(principalID, rawSecret)
	if err != nil {
		return nil, err
	}
	salt, err := internal.NewSalt(backupSaltBytes)
	if err != nil {
		return nil, err
	}

	codes := make([]string, 0, e.config.MFA.BackupCodeCount)
	hashes := make([]string, 0, e.config.MFA.BackupCodeCount)
	for i := 0; i < e.config.MFA.BackupCodeCount; i++ {
		code, err := internal.NewBackupCode(e.config.MFA.BackupCodeLength)
		if err != nil {
			return nil, err
		}
		codes = append(codes, formatBackupCode(code))
		hashes = append(hashes, backupCodeHash(salt, principalID, code))
	}

	rec := &mfastore.Settings{
		PrincipalID:     principalID,
		EncryptedSecret: encrypted,
		BackupSalt:      salt,
		Enabled:         false,
		CreatedAt:       time.Now().Unix(),
	}
	// Re-enrollment keeps the failure counter: abandoned setups must not
	// launder a principal's way out of an approaching lockout.
	if existing != nil {
		rec.FailedAttempts = existing.FailedAttempts
	}

	if err := e.mfa.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	if err := e.mfa.ReplaceBackupCodes(ctx, principalID, hashes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}

	e.metricInc(MetricMFAEnrollment)
	e.emit(ctx, eventlog.New(eventlog.TypeMFAEnrollment, principalID))

	uri := e.totp.ProvisionURI(secretBase32, principalID)
	return &MFAEnrollment{
		SecretBase32: secretBase32,
		ProvisionURI: uri,
		QRCodeURL:    e.totp.QRCodeURL(uri),
		BackupCodes:  codes,
	}, nil
}

// VerifyAndEnable completes enrollment by checking a first token against
// the pending secret. A wrong token increments the shared failure counter
// and returns false without an error; a success enables MFA and resets the
// counter.
func (e *Engine) VerifyAndEnable(ctx context.Context, principalID, token string) (bool, error) {
	if e == nil {
		return false, ErrEngineNotReady
	}

	rec, err := e.mfa.Get(ctx, principalID)
	if err != nil {
		if errors.Is(err, mfastore.ErrNotFound) {
			return false, ErrMFANotEnrolled
		}
		return false, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	if rec.Enabled {
		return false, ErrMFAAlreadyEnabled
	}

	if rec.FailedAttempts >= e.config.MFA.MaxFailedAttempts {
		e.emitLocked(ctx, principalID)
		return false, nil
	}

	ok, err := e.checkTOTP(rec, token)
	if err != nil {
		return false, err
	}
	if !ok {
		if _, err := e.recordMFAFailure(ctx, principalID); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := e.mfa.SetEnabled(ctx, principalID, true); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	if err := e.mfa.MarkVerified(ctx, principalID, time.Now().Unix()); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}

	e.metricInc(MetricMFAVerifySuccess)
	e.emit(ctx, eventlog.New(eventlog.TypeMFAEnabled, principalID))
	return true, nil
}

// VerifyToken checks a TOTP code or backup code for an enabled principal.
// The fifth consecutive failure locks the account; a locked account rejects
// every token until [Engine.ResetMFALockout].
func (e *Engine) VerifyToken(ctx context.Context, principalID, token string) (MFAVerifyResult, error) {
	if e == nil {
		return MFAVerifyResult{}, ErrEngineNotReady
	}

	rec, err := e.mfa.Get(ctx, principalID)
	if err != nil {
		if errors.Is(err, mfastore.ErrNotFound) {
			return MFAVerifyResult{}, nil
		}
		return MFAVerifyResult{}, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	if !rec.Enabled {
		return MFAVerifyResult{}, nil
	}

	max := e.config.MFA.MaxFailedAttempts
	if rec.FailedAttempts >= max {
		e.emitLocked(ctx, principalID)
		return MFAVerifyResult{Valid: false, AttemptsRemaining: 0}, nil
	}

	ok, err := e.checkTOTP(rec, token)
	if err != nil {
		return MFAVerifyResult{}, err
	}
	if ok {
		if err := e.mfa.MarkVerified(ctx, principalID, time.Now().Unix()); err != nil {
			return MFAVerifyResult{}, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
		}
		e.metricInc(MetricMFAVerifySuccess)
		e.emit(ctx, eventlog.New(eventlog.TypeMFAVerified, principalID).WithMeta("method", "totp"))
		return MFAVerifyResult{Valid: true, AttemptsRemaining: max, Method: "totp"}, nil
	}

	// Fall back to backup codes. Consumption is atomic, so a matched code
	// is gone before this function returns.
	hash := backupCodeHash(rec.BackupSalt, principalID, canonicalizeBackupCode(token))
	consumed, err := e.mfa.ConsumeBackupCode(ctx, principalID, hash)
	if err != nil {
		return MFAVerifyResult{}, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	if consumed {
		if err := e.mfa.MarkVerified(ctx, principalID, time.Now().Unix()); err != nil {
			return MFAVerifyResult{}, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
		}
		e.metricInc(MetricBackupCodeUsed)
		e.emit(ctx, eventlog.New(eventlog.TypeBackupCodeUsed, principalID))
		return MFAVerifyResult{Valid: true, AttemptsRemaining: max, Method: "backup_code"}, nil
	}

	failed, err := e.recordMFAFailure(ctx, principalID)
	if err != nil {
		return MFAVerifyResult{}, err
	}

	remaining := max - failed
	if remaining < 0 {
		remaining = 0
	}
	return MFAVerifyResult{Valid: false, AttemptsRemaining: remaining}, nil
}

// DisableMFA turns MFA off. It refuses to disable blind: the caller must
// present a currently valid token first.
func (e *Engine) DisableMFA(ctx context.Context, principalID, token string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	if err := e.checkMFAGate(ctx, principalID); err != nil {
		return err
	}

	res, err := e.VerifyToken(ctx, principalID, token)
	if err != nil {
		return err
	}
	if !res.Valid {
		return ErrMFAVerificationRequired
	}

	if err := e.mfa.SetEnabled(ctx, principalID, false); err != nil {
		return fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	e.emit(ctx, eventlog.New(eventlog.TypeMFADisabled, principalID))
	return nil
}

// RegenerateBackupCodes replaces the whole backup-code set, gated on a
// successful token check. A fresh salt is drawn with the fresh codes.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, principalID, token string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	if err := e.checkMFAGate(ctx, principalID); err != nil {
		return nil, err
	}

	res, err := e.VerifyToken(ctx, principalID, token)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, ErrMFAVerificationRequired
	}

	rec, err := e.mfa.Get(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}

	salt, err := internal.NewSalt(backupSaltBytes)
	if err != nil {
		return nil, err
	}

	codes := make([]string, 0, e.config.MFA.BackupCodeCount)
	hashes := make([]string, 0, e.config.MFA.BackupCodeCount)
	for i := 0; i < e.config.MFA.BackupCodeCount; i++ {
		code, err := internal.NewBackupCode(e.config.MFA.BackupCodeLength)
		if err != nil {
			return nil, err
		}
		codes = append(codes, formatBackupCode(code))
		hashes = append(hashes, backupCodeHash(salt, principalID, code))
	}

	rec.BackupSalt = salt
	if err := e.mfa.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	if err := e.mfa.ReplaceBackupCodes(ctx, principalID, hashes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}

	e.emit(ctx, eventlog.New(eventlog.TypeMFAEnrollment, principalID).WithMeta("action", "backup_codes_regenerated"))
	return codes, nil
}

// ResetMFALockout clears the failure counter. This is the out-of-band
// administrative exit from the locked state; nothing inside the control
// plane calls it on its own.
func (e *Engine) ResetMFALockout(ctx context.Context, principalID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.mfa.ResetFailed(ctx, principalID); err != nil {
		return fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	e.emit(ctx, eventlog.New(eventlog.TypeMFAEnrollment, principalID).WithMeta("action", "lockout_reset"))
	return nil
}

// checkMFAGate rejects token-gated operations up front: they require an
// enrolled, unlocked record before the presented token is even considered.
func (e *Engine) checkMFAGate(ctx context.Context, principalID string) error {
	rec, err := e.mfa.Get(ctx, principalID)
	if err != nil {
		if errors.Is(err, mfastore.ErrNotFound) {
			return ErrMFANotEnrolled
		}
		return fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	if rec.FailedAttempts >= e.config.MFA.MaxFailedAttempts {
		return ErrMFALocked
	}
	return nil
}

// MFAEnabled reports whether the principal currently has MFA enabled.
func (e *Engine) MFAEnabled(ctx context.Context, principalID string) (bool, error) {
	if e == nil {
		return false, ErrEngineNotReady
	}
	rec, err := e.mfa.Get(ctx, principalID)
	if err != nil {
		if errors.Is(err, mfastore.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	return rec.Enabled, nil
}

func (e *Engine) checkTOTP(rec *mfastore.Settings, token string) (bool, error) {
	secret, err := e.secrets.Open(rec.PrincipalID, rec.EncryptedSecret)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	return e.totp.VerifyCode(secret, token, time.Now())
}

func (e *Engine) recordMFAFailure(ctx context.Context, principalID string) (int, error) {
	failed, err := e.mfa.IncrementFailed(ctx, principalID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}

	e.metricInc(MetricMFAVerifyFailure)
	e.emit(ctx, eventlog.New(eventlog.TypeMFAFailed, principalID).
		WithMeta("failed_attempts", strconv.Itoa(failed)))

	if failed >= e.config.MFA.MaxFailedAttempts {
		e.emitLocked(ctx, principalID)
	}
	return failed, nil
}

func (e *Engine) emitLocked(ctx context.Context, principalID string) {
	e.metricInc(MetricMFALockout)
	e.emit(ctx, eventlog.New(eventlog.TypeMFALocked, principalID))
}

// backupCodeHash mixes the per-principal salt into the digest so equal
// codes issued to different principals never collide at rest.
func backupCodeHash(salt []byte, principalID, canonicalCode string) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte{0})
	h.Write([]byte(principalID))
	h.Write([]byte{0})
	h.Write([]byte(canonicalCode))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalizeBackupCode strips display formatting so users can paste
// codes with or without the dash.
func canonicalizeBackupCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}

// formatBackupCode renders a code in two dash-joined halves.
func formatBackupCode(code string) string {
	if len(code)%2 != 0 {
		return code
	}
	half := len(code) / 2
	return code[:half] + "-" + code[half:]
}
