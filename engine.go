package kestrel

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kestrelsec/kestrel/eventlog"
	"github.com/kestrelsec/kestrel/internal/geo"
	"github.com/kestrelsec/kestrel/internal/mfastore"
	"github.com/kestrelsec/kestrel/internal/rate"
	"github.com/kestrelsec/kestrel/internal/secretbox"
	"github.com/kestrelsec/kestrel/jwt"
	"github.com/kestrelsec/kestrel/session"
)

// Dependencies are the external collaborators an Engine is built from.
// There is no ambient global state: every service the engine touches is
// passed here at construction.
type Dependencies struct {
	Redis      redis.UniversalClient
	Principals PrincipalProvider
	// Geo is optional; nil disables location resolution entirely.
	Geo geo.Provider
	// Sink is optional; nil selects the durable event-log sink.
	Sink   AuditSink
	Logger zerolog.Logger
}

// Engine is the session and access-risk control plane. Construct one with
// [NewEngine] and treat it as immutable afterward; all methods are safe for
// concurrent use.
type Engine struct {
	config     Config
	logger     zerolog.Logger
	principals PrincipalProvider

	sessions *session.Store
	events   *eventlog.Store
	mfa      *mfastore.Store
	secrets  *secretbox.Box

	totp    *totpManager
	risk    *riskScorer
	limiter *rate.Limiter
	tokens  *jwt.Manager
	geo     geo.Provider

	audit   *auditDispatcher
	metrics *Metrics
}

// NewEngine validates cfg, wires the stores, and starts the audit
// dispatcher.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if deps.Principals == nil {
		return nil, errors.New("principal provider is required")
	}

	secrets, err := secretbox.New(cfg.MFA.MasterKey)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:     cfg,
		logger:     deps.Logger.With().Str("component", "engine").Logger(),
		principals: deps.Principals,
		sessions:   session.NewStore(deps.Redis, cfg.Session.RedisPrefix, time.Hour),
		events:     eventlog.NewStore(deps.Redis, cfg.Session.RedisPrefix+":log"),
		mfa:        mfastore.NewStore(deps.Redis, cfg.Session.RedisPrefix),
		secrets:    secrets,
		totp:       newTOTPManager(cfg.MFA),
		risk:       newRiskScorer(cfg.Risk, cfg.Session.NocturnalStartHour, cfg.Session.NocturnalEndHour),
		geo:        deps.Geo,
		metrics:    NewMetrics(cfg.Metrics),
	}

	if e.geo == nil {
		e.geo = geo.NoopProvider{}
	}

	if cfg.RateLimit.Enabled {
		budgets := make(map[string]rate.Budget, len(cfg.RateLimit.Budgets))
		for class, b := range cfg.RateLimit.Budgets {
			budgets[class] = rate.Budget{Limit: b.Limit, Window: b.Window}
		}
		e.limiter = rate.New(deps.Redis, cfg.Session.RedisPrefix+":rl", budgets)
	}

	if len(cfg.Token.PrivateKey) > 0 {
		manager, err := jwt.NewManager(jwt.Config{
			AccessTTL:     cfg.Token.AccessTTL,
			SigningMethod: jwt.SigningMethod(cfg.Token.SigningMethod),
			PrivateKey:    cfg.Token.PrivateKey,
			PublicKey:     cfg.Token.PublicKey,
			Issuer:        cfg.Token.Issuer,
		})
		if err != nil {
			return nil, err
		}
		e.tokens = manager
	}

	sink := deps.Sink
	if sink == nil {
		sink = NewStoreSink(e.events, e.logger)
	}
	e.audit = newAuditDispatcher(cfg.Audit, sink)

	return e, nil
}

// Close flushes the audit dispatcher. The engine must not be used after.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// Ping reports backing-store reachability and round-trip latency. Health
// endpoints can call this without going through the security pipeline.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	return e.sessions.Ping(ctx)
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return e.config
}

// Metrics exposes the in-process counters.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// Events exposes the durable event log for aggregation consumers.
func (e *Engine) Events() *eventlog.Store {
	if e == nil {
		return nil
	}
	return e.events
}

// Limiter exposes the route-class rate limiter, or nil when disabled.
func (e *Engine) Limiter() *rate.Limiter {
	if e == nil {
		return nil
	}
	return e.limiter
}

// MFAEnabledCount returns the number of principals with MFA enabled.
func (e *Engine) MFAEnabledCount(ctx context.Context) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	return e.mfa.CountEnabled(ctx)
}

// PrincipalCount proxies the identity store's principal count.
func (e *Engine) PrincipalCount(ctx context.Context) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	return e.principals.CountPrincipals(ctx)
}

// Principal looks up a principal through the configured provider.
func (e *Engine) Principal(ctx context.Context, id string) (Principal, error) {
	if e == nil {
		return Principal{}, ErrEngineNotReady
	}
	p, err := e.principals.GetPrincipalByID(ctx, id)
	if err != nil {
		return Principal{}, ErrPrincipalNotFound
	}
	return p, nil
}

// IssueAccessToken signs a bearer token binding a principal to a session.
func (e *Engine) IssueAccessToken(principalID, sessionID, role string) (string, error) {
	if e == nil || e.tokens == nil {
		return "", ErrEngineNotReady
	}
	return e.tokens.Sign(principalID, sessionID, role, time.Now())
}

// ParseAccessToken verifies a bearer token and returns its claims.
func (e *Engine) ParseAccessToken(token string) (*jwt.AccessClaims, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	claims, err := e.tokens.Parse(token)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// AuditDropped reports how many audit events were dropped under
// back-pressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// RecordEvent submits an event to the audit dispatcher on behalf of an
// outer layer such as the policy pipeline.
func (e *Engine) RecordEvent(ctx context.Context, event eventlog.Event) {
	e.emit(ctx, event)
}

func (e *Engine) emit(ctx context.Context, event eventlog.Event) {
	if e == nil || e.audit == nil {
		return
	}
	e.audit.Emit(ctx, event)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil {
		return
	}
	e.metrics.Inc(id)
}

// lookupLocation resolves a best-effort location under the configured
// timeout. Failures degrade to unknown; they never propagate.
func (e *Engine) lookupLocation(ctx context.Context, ip string) *session.Location {
	timeout := e.config.Geo.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	loc, err := e.geo.Lookup(lctx, ip)
	if err != nil {
		e.logger.Debug().Err(err).Str("ip", ip).Msg("geolocation lookup failed")
		return nil
	}
	if loc == nil {
		return nil
	}
	return &session.Location{
		Country:  loc.Country,
		Region:   loc.Region,
		City:     loc.City,
		Timezone: loc.Timezone,
	}
}
