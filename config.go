package kestrel

import (
	"errors"
	"time"
)

// Config carries every tunable of the control plane. Build one with
// [DefaultConfig], adjust, and pass it to [NewEngine]; the engine treats it
// as immutable afterward.
type Config struct {
	Session   SessionConfig
	MFA       MFAConfig
	Risk      RiskConfig
	RateLimit RateLimitConfig
	Pipeline  PipelineConfig
	Monitor   MonitorConfig
	Audit     AuditConfig
	Geo       GeoConfig
	Token     TokenConfig
	Metrics   MetricsConfig
}

// SessionConfig controls session lifetime and the per-principal ceiling.
type SessionConfig struct {
	RedisPrefix          string
	TTL                  time.Duration
	MaxPerPrincipal      int
	NocturnalStartHour   int
	NocturnalEndHour     int
	SweepInterval        time.Duration
	FingerprintHexLength int
}

// MFAConfig controls TOTP parameters, backup codes, and lockout.
type MFAConfig struct {
	Issuer            string
	Digits            int
	Period            int
	Skew              int
	Algorithm         string // SHA1 (default), SHA256, SHA512
	BackupCodeCount   int
	BackupCodeLength  int
	MaxFailedAttempts int
	// MasterKey is the root key for MFA secret encryption. Per-principal
	// keys are derived from it with HKDF; it must be at least 32 bytes.
	MasterKey []byte
}

// RiskConfig holds the additive weights and the re-authentication threshold
// of the risk scoring engine. These are deployment policy, not constants.
type RiskConfig struct {
	DeviceMismatchWeight     int
	LocationChangeWeight     int
	SuspiciousActivityWeight int
	UnusualHoursWeight       int
	ReauthThreshold          int
	SuspiciousEventThreshold int
	SuspiciousWindow         time.Duration
}

// RouteClassBudget is a fixed-window request budget for one route class.
type RouteClassBudget struct {
	Limit  int
	Window time.Duration
}

// RateLimitConfig assigns independent budgets per route class.
type RateLimitConfig struct {
	Enabled bool
	Budgets map[string]RouteClassBudget
}

// PipelineConfig declares path policy for the security pipeline.
type PipelineConfig struct {
	// ExemptPaths skip every stage (health, metrics, static assets).
	ExemptPaths []string
	// PublicPaths skip the authentication-required stage.
	PublicPaths []string
	// AdminPaths additionally require the admin role.
	AdminPaths []string
	// MFARoles lists roles for which MFA must be enabled before admission.
	MFARoles []string
	// RouteClasses maps path prefixes to rate-limit classes. Unmatched
	// paths fall into the "generic" class.
	RouteClasses map[string]string
	// MaxBodyBytes bounds JSON bodies accepted by the validation stage.
	MaxBodyBytes int64
}

// MonitorConfig controls threat monitoring cadence and alert thresholds.
type MonitorConfig struct {
	CheckInterval             time.Duration
	AlertWindow               time.Duration
	DashboardWindow           time.Duration
	FailedLoginAlertThreshold int
	RateLimitAlertThreshold   int
	HotIPThreshold            int
	LockTTL                   time.Duration
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// GeoConfig controls the best-effort geolocation lookup.
type GeoConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// TokenConfig configures the bearer-token layer used by the pipeline's
// authentication stage.
type TokenConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
}

// MetricsConfig enables the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns the documented defaults: 24h sessions capped at 5
// per principal, 5-attempt MFA lockout, a 50-point re-auth threshold, and
// 5-minute sweep and alert cadences.
func DefaultConfig() Config {
	return Config{
		Session: SessionConfig{
			RedisPrefix:          "ks",
			TTL:                  24 * time.Hour,
			MaxPerPrincipal:      5,
			NocturnalStartHour:   2,
			NocturnalEndHour:     6,
			SweepInterval:        5 * time.Minute,
			FingerprintHexLength: 32,
		},
		MFA: MFAConfig{
			Issuer:            "kestrel",
			Digits:            6,
			Period:            30,
			Skew:              1,
			Algorithm:         "SHA1",
			BackupCodeCount:   8,
			BackupCodeLength:  10,
			MaxFailedAttempts: 5,
		},
		Risk: RiskConfig{
			DeviceMismatchWeight:     30,
			LocationChangeWeight:     20,
			SuspiciousActivityWeight: 40,
			UnusualHoursWeight:       10,
			ReauthThreshold:          50,
			SuspiciousEventThreshold: 3,
			SuspiciousWindow:         5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Budgets: map[string]RouteClassBudget{
				"auth":    {Limit: 10, Window: time.Minute},
				"search":  {Limit: 60, Window: time.Minute},
				"ai":      {Limit: 20, Window: time.Minute},
				"payment": {Limit: 10, Window: time.Minute},
				"upload":  {Limit: 15, Window: time.Minute},
				"generic": {Limit: 120, Window: time.Minute},
			},
		},
		Pipeline: PipelineConfig{
			ExemptPaths:  []string{"/healthz", "/metrics", "/static/"},
			PublicPaths:  []string{"/api/auth/login", "/api/auth/register"},
			AdminPaths:   []string{"/api/admin/"},
			MFARoles: []string{RoleAdmin},
			RouteClasses: map[string]string{
				"/api/auth/":    "auth",
				"/api/search":   "search",
				"/api/ai/":      "ai",
				"/api/payment/": "payment",
				"/api/upload":   "upload",
			},
			MaxBodyBytes: 1 << 20,
		},
		Monitor: MonitorConfig{
			CheckInterval:             5 * time.Minute,
			AlertWindow:               5 * time.Minute,
			DashboardWindow:           24 * time.Hour,
			FailedLoginAlertThreshold: 50,
			RateLimitAlertThreshold:   100,
			HotIPThreshold:            20,
			LockTTL:                   time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Geo: GeoConfig{
			Timeout: 2 * time.Second,
		},
		Token: TokenConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "ed25519",
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Validate rejects configurations that would silently weaken the control
// plane's invariants.
func (c Config) Validate() error {
	if c.Session.TTL <= 0 {
		return errors.New("session ttl must be positive")
	}
	if c.Session.MaxPerPrincipal < 1 {
		return errors.New("session ceiling must be at least 1")
	}
	if c.Session.NocturnalStartHour < 0 || c.Session.NocturnalStartHour > 23 ||
		c.Session.NocturnalEndHour < 0 || c.Session.NocturnalEndHour > 23 {
		return errors.New("nocturnal window hours must be within 0-23")
	}
	if c.MFA.Digits < 6 || c.MFA.Digits > 8 {
		return errors.New("totp digits must be 6-8")
	}
	if c.MFA.Period <= 0 {
		return errors.New("totp period must be positive")
	}
	if c.MFA.Skew < 0 || c.MFA.Skew > 2 {
		return errors.New("totp skew must be 0-2")
	}
	if c.MFA.BackupCodeCount <= 0 || c.MFA.BackupCodeLength < 8 {
		return errors.New("invalid backup code configuration")
	}
	if c.MFA.MaxFailedAttempts < 1 {
		return errors.New("mfa lockout threshold must be at least 1")
	}
	if len(c.MFA.MasterKey) < 32 {
		return errors.New("mfa master key must be at least 32 bytes")
	}
	if c.Risk.ReauthThreshold <= 0 || c.Risk.ReauthThreshold > 100 {
		return errors.New("reauth threshold must be within 1-100")
	}
	if c.Risk.SuspiciousWindow <= 0 {
		return errors.New("suspicious window must be positive")
	}
	if c.RateLimit.Enabled {
		for class, b := range c.RateLimit.Budgets {
			if b.Limit <= 0 || b.Window <= 0 {
				return errors.New("invalid rate budget for class " + class)
			}
		}
	}
	if c.Monitor.CheckInterval <= 0 || c.Monitor.AlertWindow <= 0 {
		return errors.New("monitor intervals must be positive")
	}
	if c.Token.AccessTTL <= 0 {
		return errors.New("access token ttl must be positive")
	}
	switch c.Token.SigningMethod {
	case "ed25519", "hs256":
	default:
		return errors.New("unsupported token signing method")
	}
	return nil
}
