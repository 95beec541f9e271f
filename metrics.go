package kestrel

import "sync/atomic"

// MetricID identifies one counter in the in-process metrics system.
type MetricID uint8

const (
	MetricSessionCreated MetricID = iota
	MetricSessionEvicted
	MetricSessionInvalidated
	MetricSessionExpired
	MetricValidateSuccess
	MetricValidateFailure
	MetricReauthRequired
	MetricMFAEnrollment
	MetricMFAVerifySuccess
	MetricMFAVerifyFailure
	MetricMFALockout
	MetricBackupCodeUsed
	MetricRateLimitHit
	MetricRequestDenied
	MetricRequestAdmitted
	MetricAlertCreated
	MetricAlertSuppressed
	MetricAlertResolved

	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricSessionCreated:     "sessions_created",
	MetricSessionEvicted:     "sessions_evicted",
	MetricSessionInvalidated: "sessions_invalidated",
	MetricSessionExpired:     "sessions_expired",
	MetricValidateSuccess:    "validate_success",
	MetricValidateFailure:    "validate_failure",
	MetricReauthRequired:     "reauth_required",
	MetricMFAEnrollment:      "mfa_enrollments",
	MetricMFAVerifySuccess:   "mfa_verify_success",
	MetricMFAVerifyFailure:   "mfa_verify_failure",
	MetricMFALockout:         "mfa_lockouts",
	MetricBackupCodeUsed:     "backup_codes_used",
	MetricRateLimitHit:       "rate_limit_hits",
	MetricRequestDenied:      "requests_denied",
	MetricRequestAdmitted:    "requests_admitted",
	MetricAlertCreated:       "alerts_created",
	MetricAlertSuppressed:    "alerts_suppressed",
	MetricAlertResolved:      "alerts_resolved",
}

// Name returns the stable exported name of the counter.
func (id MetricID) Name() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

// Metrics holds lock-free counters. A disabled Metrics is all no-ops so
// call sites never branch.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]atomic.Uint64
}

// NewMetrics creates a Metrics instance.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

// Inc increments one counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	m.counters[id].Add(1)
}

// Get returns one counter's current value.
func (m *Metrics) Get(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].Load()
}

// Snapshot is a point-in-time copy of all counters, keyed by metric name.
type Snapshot map[string]uint64

// Snapshot copies every counter.
func (m *Metrics) Snapshot() Snapshot {
	out := make(Snapshot, int(metricIDCount))
	if m == nil {
		return out
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		out[id.Name()] = m.counters[id].Load()
	}
	return out
}
