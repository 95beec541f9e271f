package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	kestrel "github.com/kestrelsec/kestrel"
	"github.com/kestrelsec/kestrel/eventlog"
)

// Dashboard is a trailing-window aggregate of the event log plus fleet
// adoption numbers.
type Dashboard struct {
	Window           time.Duration  `json:"window"`
	FailedLogins     int            `json:"failed_logins"`
	RateLimitHits    int            `json:"rate_limit_hits"`
	SuspiciousEvents int            `json:"suspicious_events"`
	MFAFailures      int            `json:"mfa_failures"`
	HotIPs           map[string]int `json:"hot_ips"`
	LoginSuccessRate float64        `json:"login_success_rate"`
	NewRegistrations int            `json:"new_registrations"`
	MFAAdoptionRate  float64        `json:"mfa_adoption_rate"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// ThreatAssessment is fleet-wide risk derived from a Dashboard. Its
// weighting is independent of the per-session risk scorer.
type ThreatAssessment struct {
	Score       int      `json:"score"`
	Level       string   `json:"level"`
	Threats     []string `json:"threats,omitempty"`
	Mitigations []string `json:"mitigations,omitempty"`
}

// Monitor reads the event log and maintains alerts. It shares the engine's
// Redis deployment but owns its own keys.
type Monitor struct {
	engine *kestrel.Engine
	alerts *alertStore
	config kestrel.MonitorConfig
	logger zerolog.Logger
}

// New creates a Monitor bound to an engine. The alert keys live under the
// engine's session prefix with an ":mon" suffix.
func New(engine *kestrel.Engine, client redis.UniversalClient, logger zerolog.Logger) *Monitor {
	cfg := engine.Config()
	return &Monitor{
		engine: engine,
		alerts: newAlertStore(client, cfg.Session.RedisPrefix+":mon"),
		config: cfg.Monitor,
		logger: logger.With().Str("component", "monitor").Logger(),
	}
}

// DashboardSnapshot aggregates the trailing window. A zero window selects
// the configured dashboard window.
func (m *Monitor) DashboardSnapshot(ctx context.Context, window time.Duration) (*Dashboard, error) {
	if window <= 0 {
		window = m.config.DashboardWindow
	}
	now := time.Now().UTC()
	since := now.Add(-window)
	events := m.engine.Events()

	d := &Dashboard{Window: window, GeneratedAt: now, HotIPs: make(map[string]int)}

	var err error
	if d.FailedLogins, err = events.CountByType(ctx, eventlog.TypeFailedLogin, since); err != nil {
		return nil, err
	}
	if d.RateLimitHits, err = events.CountByType(ctx, eventlog.TypeRateLimitHit, since); err != nil {
		return nil, err
	}
	if d.SuspiciousEvents, err = events.CountByTypes(ctx, []string{
		eventlog.TypeSuspiciousActivity,
		eventlog.TypeSuspiciousPattern,
	}, "", since); err != nil {
		return nil, err
	}
	if d.MFAFailures, err = events.CountByType(ctx, eventlog.TypeMFAFailed, since); err != nil {
		return nil, err
	}
	if d.NewRegistrations, err = events.CountByType(ctx, eventlog.TypeRegistration, since); err != nil {
		return nil, err
	}

	successes, err := events.CountByType(ctx, eventlog.TypeLoginSuccess, since)
	if err != nil {
		return nil, err
	}
	if total := successes + d.FailedLogins; total > 0 {
		d.LoginSuccessRate = float64(successes) / float64(total)
	}

	ipCounts, err := events.IPCounts(ctx, []string{
		eventlog.TypeFailedLogin,
		eventlog.TypeRateLimitHit,
		eventlog.TypeSuspiciousActivity,
	}, since)
	if err != nil {
		return nil, err
	}
	for ip, n := range ipCounts {
		if n >= m.config.HotIPThreshold {
			d.HotIPs[ip] = n
		}
	}

	enabled, err := m.engine.MFAEnabledCount(ctx)
	if err != nil {
		return nil, err
	}
	principals, err := m.engine.PrincipalCount(ctx)
	if err != nil {
		return nil, err
	}
	if principals > 0 {
		d.MFAAdoptionRate = float64(enabled) / float64(principals)
	}

	return d, nil
}

// AnalyzeThreat maps a fresh dashboard to a 0-100 fleet risk score and a
// four-level band. The weights here describe fleet health, not any single
// session, so they are deliberately not shared with the per-session scorer.
func (m *Monitor) AnalyzeThreat(ctx context.Context) (*ThreatAssessment, error) {
	d, err := m.DashboardSnapshot(ctx, m.config.AlertWindow)
	if err != nil {
		return nil, err
	}

	a := &ThreatAssessment{}

	if d.FailedLogins > m.config.FailedLoginAlertThreshold {
		a.Score += 30
		a.Threats = append(a.Threats, fmt.Sprintf("%d failed logins in the last %s", d.FailedLogins, d.Window))
		a.Mitigations = append(a.Mitigations, "tighten the auth route-class budget or block offending IPs")
	}
	if d.RateLimitHits > m.config.RateLimitAlertThreshold {
		a.Score += 20
		a.Threats = append(a.Threats, fmt.Sprintf("%d rate-limit rejections in the last %s", d.RateLimitHits, d.Window))
		a.Mitigations = append(a.Mitigations, "review hot route classes for scraping or abuse")
	}
	if d.SuspiciousEvents > 0 {
		a.Score += 20
		a.Threats = append(a.Threats, fmt.Sprintf("%d suspicious-activity events", d.SuspiciousEvents))
		a.Mitigations = append(a.Mitigations, "inspect flagged sessions and force re-authentication where warranted")
	}
	if len(d.HotIPs) > 0 {
		a.Score += 15
		a.Threats = append(a.Threats, fmt.Sprintf("%d hot IPs above the event threshold", len(d.HotIPs)))
		a.Mitigations = append(a.Mitigations, "consider network-level blocks for the hottest sources")
	}
	if d.MFAFailures > m.config.FailedLoginAlertThreshold/2 {
		a.Score += 15
		a.Threats = append(a.Threats, fmt.Sprintf("%d MFA failures in the last %s", d.MFAFailures, d.Window))
		a.Mitigations = append(a.Mitigations, "check for MFA brute-force attempts against specific principals")
	}
	if a.Score > 100 {
		a.Score = 100
	}

	switch {
	case a.Score < 25:
		a.Level = SeverityLow
	case a.Score < 50:
		a.Level = SeverityMedium
	case a.Score < 75:
		a.Level = SeverityHigh
	default:
		a.Level = SeverityCritical
	}
	return a, nil
}

// CheckAlertThresholds runs the fixed-threshold sweep over the alert window
// and returns the alerts it actually created. Conditions already covered by
// an unresolved alert with the same (type, target) are suppressed.
func (m *Monitor) CheckAlertThresholds(ctx context.Context) ([]*Alert, error) {
	since := time.Now().UTC().Add(-m.config.AlertWindow)
	events := m.engine.Events()

	var candidates []*Alert

	failed, err := events.CountByType(ctx, eventlog.TypeFailedLogin, since)
	if err != nil {
		return nil, err
	}
	if failed > m.config.FailedLoginAlertThreshold {
		candidates = append(candidates, &Alert{
			Type:           AlertFailedLoginSpike,
			Severity:       SeverityHigh,
			Message:        fmt.Sprintf("%d failed logins in the last %s", failed, m.config.AlertWindow),
			ActionRequired: true,
		})
	}

	hits, err := events.CountByType(ctx, eventlog.TypeRateLimitHit, since)
	if err != nil {
		return nil, err
	}
	if hits > m.config.RateLimitAlertThreshold {
		candidates = append(candidates, &Alert{
			Type:           AlertRateLimitSpike,
			Severity:       SeverityMedium,
			Message:        fmt.Sprintf("%d rate-limit rejections in the last %s", hits, m.config.AlertWindow),
			ActionRequired: true,
		})
	}

	// Event classes where any single occurrence warrants operator eyes.
	perPrincipal := []struct {
		eventType string
		alertType string
		severity  string
		action    bool
		message   string
	}{
		{eventlog.TypeMFABypassPattern, AlertMFABypassPattern, SeverityCritical, true, "MFA bypass pattern detected for principal %s"},
		{eventlog.TypeAdminLogin, AlertAdminLogin, SeverityLow, false, "administrator login for principal %s"},
		{eventlog.TypeMFALocked, AlertAccountLockout, SeverityMedium, true, "MFA lockout for principal %s"},
	}
	for _, pc := range perPrincipal {
		evs, err := events.Query(ctx, eventlog.Filter{Type: pc.eventType, From: since})
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool)
		for _, ev := range evs {
			if seen[ev.PrincipalID] {
				continue
			}
			seen[ev.PrincipalID] = true
			candidates = append(candidates, &Alert{
				Type:           pc.alertType,
				Severity:       pc.severity,
				Message:        fmt.Sprintf(pc.message, ev.PrincipalID),
				Target:         ev.PrincipalID,
				ActionRequired: pc.action,
			})
		}
	}

	ipCounts, err := events.IPCounts(ctx, []string{
		eventlog.TypeFailedLogin,
		eventlog.TypeRateLimitHit,
	}, since)
	if err != nil {
		return nil, err
	}
	for ip, n := range ipCounts {
		if n >= m.config.HotIPThreshold {
			candidates = append(candidates, &Alert{
				Type:           AlertHotIP,
				Severity:       SeverityHigh,
				Message:        fmt.Sprintf("IP %s produced %d abuse events in the last %s", ip, n, m.config.AlertWindow),
				Target:         ip,
				ActionRequired: true,
			})
		}
	}

	created := make([]*Alert, 0, len(candidates))
	for _, a := range candidates {
		ok, err := m.alerts.create(ctx, a)
		if err != nil {
			return created, err
		}
		if !ok {
			m.engine.Metrics().Inc(kestrel.MetricAlertSuppressed)
			continue
		}
		m.engine.Metrics().Inc(kestrel.MetricAlertCreated)
		m.logger.Warn().
			Str("alert_id", a.ID).
			Str("type", a.Type).
			Str("severity", a.Severity).
			Str("target", a.Target).
			Msg(a.Message)
		created = append(created, a)
	}
	return created, nil
}

// Alerts lists alerts newest first.
func (m *Monitor) Alerts(ctx context.Context, unresolvedOnly bool, limit int) ([]*Alert, error) {
	return m.alerts.list(ctx, unresolvedOnly, limit)
}

// Alert fetches one alert by ID.
func (m *Monitor) Alert(ctx context.Context, id string) (*Alert, error) {
	return m.alerts.get(ctx, id)
}

// ResolveAlert marks an alert resolved. Resolution is one-way; resolving a
// resolved alert returns [ErrAlertResolved].
func (m *Monitor) ResolveAlert(ctx context.Context, id, resolver, notes string) (*Alert, error) {
	a, err := m.alerts.resolve(ctx, id, resolver, notes)
	if err != nil {
		return nil, err
	}
	m.engine.Metrics().Inc(kestrel.MetricAlertResolved)
	return a, nil
}
