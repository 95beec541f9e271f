package kestrel

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func enrollAndEnable(t *testing.T, engine *Engine, principalID string) *MFAEnrollment {
	t.Helper()
	ctx := context.Background()

	enrollment, err := engine.EnableMFA(ctx, principalID)
	if err != nil {
		t.Fatalf("EnableMFA failed: %v", err)
	}
	ok, err := engine.VerifyAndEnable(ctx, principalID, totpFor(t, enrollment.SecretBase32, time.Now()))
	if err != nil {
		t.Fatalf("VerifyAndEnable failed: %v", err)
	}
	if !ok {
		t.Fatal("enrollment confirmation with a valid code must succeed")
	}
	return enrollment
}

func TestEnableMFAEnrollmentMaterial(t *testing.T) {
	_, rdb := newTestRedis(t)
	engine := newTestEngine(t, rdb, testConfig(t))
	ctx := context.Background()

	enrollment, err := engine.EnableMFA(ctx, "p1")
	if err != nil {
		t.Fatalf("EnableMFA failed: %v", err)
	}
	if len(enrollment.BackupCodes) != 8 {
		t.Fatalf("expected 8 backup codes, got %d", len(enrollment.BackupCodes))
	}
	for _, code := range enrollment.BackupCodes {
		if !strings.Contains(code, "-") {
			t.Fatalf("backup code missing display separator: %q", code)
		}
	}
	if !strings.HasPrefix(enrollment.ProvisionURI, "otpauth://totp/") {
		t.Fatalf("bad provisioning URI: %q", enrollment.ProvisionURI)
	}
	if enrollment.SecretBase32 == "" || enrollment.QRCodeURL == "" {
		t.Fatal("enrollment material incomplete")
	}

	// Not yet confirmed: runtime verification must refuse.
	res, err := engine.VerifyToken(ctx, "p1", totpFor(t, enrollment.SecretBase32, time.Now()))
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if res.Valid {
		t.Fatal("unconfirmed enrollment must not verify")
	}

	if enabled, _ := engine.MFAEnabled(ctx, "p1"); enabled {
		t.Fatal("MFA must not be enabled before confirmation")
	}
}

func TestEnableMFAAlreadyEnabled(t *testing.T) {
	_, rdb := newTestRedis(t)
	engine := newTestEngine(t, rdb, testConfig(t))

	enrollAndEnable(t, engine, "p1")
	if _, err := engine.EnableMFA(context.Background(), "p1"); err != ErrMFAAlreadyEnabled {
		t.Fatalf("expected ErrMFAAlreadyEnabled, got %v", err)
	}
}

func TestVerifyTokenCounterResetsOnSuccess(t *testing.T) {
	_, rdb := newTestRedis(t)
	engine := newTestEngine(t, rdb, testConfig(t))
	ctx := context.Background()

	enrollment := enrollAndEnable(t, engine, "p1")

	for i, want := range []int{4, 3, 2} {
		res, err := engine.VerifyToken(ctx, "p1", wrongCodeFor(t, enrollment.SecretBase32, time.Now()))
		if err != nil {
			t.Fatalf("VerifyToken %d failed: %v", i, err)
		}
		if res.Valid {
			t.Fatalf("wrong code %d must not verify", i)
		}
		if res.AttemptsRemaining != want {
			t.Fatalf("attempt %d: remaining=%d want %d", i, res.AttemptsRemaining, want)
		}
	}

	res, err := engine.VerifyToken(ctx, "p1", totpFor(t, enrollment.SecretBase32, time.Now()))
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if !res.Valid || res.Method != "totp" {
		t.Fatalf("valid code must verify: %+v", res)
	}

	// The counter is back at zero: one more failure leaves four attempts.
	res, err = engine.VerifyToken(ctx, "p1", wrongCodeFor(t, enrollment.SecretBase32, time.Now()))
	if err != nil {
		t.Fatalf("VerifyToken after reset failed: %v", err)
	}
	if res.AttemptsRemaining != 4 {
		t.Fatalf("counter did not reset: remaining=%d", res.AttemptsRemaining)
	}
}

func TestVerifyTokenLockout(t *testing.T) {
	_, rdb := newTestRedis(t)
	engine := newTestEngine(t, rdb, testConfig(t))
	ctx := context.Background()

	enrollment := enrollAndEnable(t, engine, "p1")

	for i := 0; i < 5; i++ {
		if _, err := engine.VerifyToken(ctx, "p1", wrongCodeFor(t, enrollment.SecretBase32, time.Now())); err != nil {
			t.Fatalf("VerifyToken %d failed: %v", i, err)
		}
	}

	// Locked: even the correct code is rejected.
	res, err := engine.VerifyToken(ctx, "p1", totpFor(t, enrollment.SecretBase32, time.Now()))
	if err != nil {
		t.Fatalf("VerifyToken while locked failed: %v", err)
	}
	if res.Valid || res.AttemptsRemaining != 0 {
		t.Fatalf("locked account must reject everything: %+v", res)
	}

	// Administrative reset is the only exit.
	if err := engine.ResetMFALockout(ctx, "p1"); err != nil {
		t.Fatalf("ResetMFALockout failed: %v", err)
	}
	res, err = engine.VerifyToken(ctx, "p1", totpFor(t, enrollment.SecretBase32, time.Now()))
	if err != nil {
		t.Fatalf("VerifyToken after reset failed: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected verification after lockout reset: %+v", res)
	}
}

func TestBackupCodeSingleUse(t *testing.T) {
	_, rdb := newTestRedis(t)
	engine := newTestEngine(t, rdb, testConfig(t))
	ctx := context.Background()

	enrollment := enrollAndEnable(t, engine, "p1")
	code := enrollment.BackupCodes[0]

	// Paste tolerance: uppercase with surrounding whitespace still matches.
	res, err := engine.VerifyToken(ctx, "p1", "  "+strings.ToUpper(code)+" ")
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if !res.Valid || res.Method != "backup_code" {
		t.Fatalf("backup code must verify: %+v", res)
	}

	res, err = engine.VerifyToken(ctx, "p1", code)
	if err != nil {
		t.Fatalf("VerifyToken reuse failed: %v", err)
	}
	if res.Valid {
		t.Fatal("backup codes are single-use")
	}

	// The rest of the set is still live.
	res, err = engine.VerifyToken(ctx, "p1", enrollment.BackupCodes[1])
	if err != nil {
		t.Fatalf("VerifyToken second code failed: %v", err)
	}
	if !res.Valid {
		t.Fatal("unused backup code must still verify")
	}
}

func TestVerifyTokenWithoutEnrollment(t *testing.T) {
	_, rdb := newTestRedis(t)
	engine := newTestEngine(t, rdb, testConfig(t))

	res, err := engine.VerifyToken(context.Background(), "p1", "123456")
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if res.Valid {
		t.Fatal("absent MFA record must never verify")
	}
}

func TestDisableMFARequiresProof(t *testing.T) {
	_, rdb := newTestRedis(t)
	engine := newTestEngine(t, rdb, testConfig(t))
	ctx := context.Background()

	enrollment := enrollAndEnable(t, engine, "p1")

	if err := engine.DisableMFA(ctx, "p1", wrongCodeFor(t, enrollment.SecretBase32, time.Now())); err != ErrMFAVerificationRequired {
		t.Fatalf("expected ErrMFAVerificationRequired, got %v", err)
	}
	if err := engine.DisableMFA(ctx, "p1", totpFor(t, enrollment.SecretBase32, time.Now())); err != nil {
		t.Fatalf("DisableMFA failed: %v", err)
	}
	if enabled, _ := engine.MFAEnabled(ctx, "p1"); enabled {
		t.Fatal("MFA should be disabled")
	}
}

func TestRegenerateBackupCodesInvalidatesOldSet(t *testing.T) {
	_, rdb := newTestRedis(t)
	engine := newTestEngine(t, rdb, testConfig(t))
	ctx := context.Background()

	enrollment := enrollAndEnable(t, engine, "p1")
	oldCode := enrollment.BackupCodes[2]

	fresh, err := engine.RegenerateBackupCodes(ctx, "p1", totpFor(t, enrollment.SecretBase32, time.Now()))
	if err != nil {
		t.Fatalf("RegenerateBackupCodes failed: %v", err)
	}
	if len(fresh) != 8 {
		t.Fatalf("expected 8 fresh codes, got %d", len(fresh))
	}

	res, err := engine.VerifyToken(ctx, "p1", oldCode)
	if err != nil {
		t.Fatalf("VerifyToken old code failed: %v", err)
	}
	if res.Valid {
		t.Fatal("regeneration must invalidate the old set")
	}

	res, err = engine.VerifyToken(ctx, "p1", fresh[0])
	if err != nil {
		t.Fatalf("VerifyToken fresh code failed: %v", err)
	}
	if !res.Valid {
		t.Fatal("fresh backup code must verify")
	}
}

func TestReEnrollmentKeepsFailureCounter(t *testing.T) {
	_, rdb := newTestRedis(t)
	engine := newTestEngine(t, rdb, testConfig(t))
	ctx := context.Background()

	first, err := engine.EnableMFA(ctx, "p1")
	if err != nil {
		t.Fatalf("EnableMFA failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		ok, err := engine.VerifyAndEnable(ctx, "p1", wrongCodeFor(t, first.SecretBase32, time.Now()))
		if err != nil || ok {
			t.Fatalf("wrong confirmation %d: ok=%v err=%v", i, ok, err)
		}
	}

	// Starting a new enrollment must not launder the three failures away.
	second, err := engine.EnableMFA(ctx, "p1")
	if err != nil {
		t.Fatalf("re-enrollment failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := engine.VerifyAndEnable(ctx, "p1", wrongCodeFor(t, second.SecretBase32, time.Now())); err != nil {
			t.Fatalf("wrong confirmation %d failed: %v", i, err)
		}
	}

	// Five cumulative failures: locked, even with the right code.
	ok, err := engine.VerifyAndEnable(ctx, "p1", totpFor(t, second.SecretBase32, time.Now()))
	if err != nil {
		t.Fatalf("VerifyAndEnable while locked failed: %v", err)
	}
	if ok {
		t.Fatal("re-enrollment must not bypass the lockout counter")
	}
}

func TestGatedOperationsRejectLockedAndUnenrolled(t *testing.T) {
	_, rdb := newTestRedis(t)
	engine := newTestEngine(t, rdb, testConfig(t))
	ctx := context.Background()

	if err := engine.DisableMFA(ctx, "p1", "000000"); !errors.Is(err, ErrMFANotEnrolled) {
		t.Fatalf("unenrolled principal: want ErrMFANotEnrolled, got %v", err)
	}

	enrollment := enrollAndEnable(t, engine, "p1")
	for i := 0; i < 5; i++ {
		if _, err := engine.VerifyToken(ctx, "p1", wrongCodeFor(t, enrollment.SecretBase32, time.Now())); err != nil {
			t.Fatalf("wrong token %d failed: %v", i, err)
		}
	}

	if err := engine.DisableMFA(ctx, "p1", totpFor(t, enrollment.SecretBase32, time.Now())); !errors.Is(err, ErrMFALocked) {
		t.Fatalf("locked principal: want ErrMFALocked, got %v", err)
	}
	if _, err := engine.RegenerateBackupCodes(ctx, "p1", totpFor(t, enrollment.SecretBase32, time.Now())); !errors.Is(err, ErrMFALocked) {
		t.Fatalf("locked principal: want ErrMFALocked, got %v", err)
	}
}
