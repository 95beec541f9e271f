// Package monitor watches the event log for fleet-level threats. It runs
// off the request path: dashboards and threat analysis read the log,
// threshold checks turn sustained abuse into alerts, and a timer runner
// keeps both going across service instances.
package monitor

import "time"

// Alert severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert types produced by the threshold checker.
const (
	AlertFailedLoginSpike = "failed_login_spike"
	AlertRateLimitSpike   = "rate_limit_spike"
	AlertMFABypassPattern = "mfa_bypass_pattern"
	AlertAdminLogin       = "admin_login"
	AlertAccountLockout   = "account_lockout"
	AlertHotIP            = "hot_ip"
)

// Alert is one operator-facing finding. Target identifies what the alert is
// about (a principal ID, an IP, or "" for fleet-wide conditions); an
// unresolved alert suppresses further alerts of the same (type, target).
type Alert struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Severity       string            `json:"severity"`
	Message        string            `json:"message"`
	Target         string            `json:"target,omitempty"`
	ActionRequired bool              `json:"action_required"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`

	Resolved   bool      `json:"resolved"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	Notes      string    `json:"notes,omitempty"`
}
