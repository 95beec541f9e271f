package kestrel

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func validatableConfig() Config {
	cfg := DefaultConfig()
	cfg.MFA.MasterKey = bytes.Repeat([]byte{0x11}, 32)
	return cfg
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := validatableConfig().Validate(); err != nil {
		t.Fatalf("defaults must validate once a master key is set: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"zero session ttl", func(c *Config) { c.Session.TTL = 0 }, "session ttl"},
		{"zero ceiling", func(c *Config) { c.Session.MaxPerPrincipal = 0 }, "ceiling"},
		{"nocturnal hour out of range", func(c *Config) { c.Session.NocturnalStartHour = 24 }, "nocturnal"},
		{"negative nocturnal hour", func(c *Config) { c.Session.NocturnalEndHour = -1 }, "nocturnal"},
		{"totp digits too few", func(c *Config) { c.MFA.Digits = 4 }, "digits"},
		{"totp digits too many", func(c *Config) { c.MFA.Digits = 9 }, "digits"},
		{"zero totp period", func(c *Config) { c.MFA.Period = 0 }, "period"},
		{"excessive skew", func(c *Config) { c.MFA.Skew = 3 }, "skew"},
		{"no backup codes", func(c *Config) { c.MFA.BackupCodeCount = 0 }, "backup code"},
		{"short backup codes", func(c *Config) { c.MFA.BackupCodeLength = 6 }, "backup code"},
		{"zero lockout threshold", func(c *Config) { c.MFA.MaxFailedAttempts = 0 }, "lockout"},
		{"short master key", func(c *Config) { c.MFA.MasterKey = c.MFA.MasterKey[:16] }, "master key"},
		{"zero reauth threshold", func(c *Config) { c.Risk.ReauthThreshold = 0 }, "reauth"},
		{"reauth threshold over 100", func(c *Config) { c.Risk.ReauthThreshold = 101 }, "reauth"},
		{"zero suspicious window", func(c *Config) { c.Risk.SuspiciousWindow = 0 }, "suspicious window"},
		{"zero-limit rate budget", func(c *Config) {
			c.RateLimit.Budgets["auth"] = RouteClassBudget{Limit: 0, Window: time.Minute}
		}, "rate budget"},
		{"zero-window rate budget", func(c *Config) {
			c.RateLimit.Budgets["auth"] = RouteClassBudget{Limit: 10}
		}, "rate budget"},
		{"zero monitor interval", func(c *Config) { c.Monitor.CheckInterval = 0 }, "monitor"},
		{"zero access ttl", func(c *Config) { c.Token.AccessTTL = 0 }, "access token"},
		{"unknown signing method", func(c *Config) { c.Token.SigningMethod = "rs256" }, "signing method"},
	}

	for _, tc := range cases {
		cfg := validatableConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: Validate should reject", tc.name)
		}
		if !strings.Contains(err.Error(), tc.wantMsg) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.wantMsg)
		}
	}
}

func TestValidateIgnoresBudgetsWhenRateLimitDisabled(t *testing.T) {
	cfg := validatableConfig()
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.Budgets["auth"] = RouteClassBudget{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled rate limiting must skip budget validation: %v", err)
	}
}
