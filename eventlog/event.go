package eventlog

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types appended by the control plane. Components append freely;
// events are never mutated, only aggregated and eventually purged.
const (
	TypeSessionCreated      = "created"
	TypeSessionUpdated      = "updated"
	TypeSessionExpired      = "expired"
	TypeSessionInvalidated  = "invalidated"
	TypeSessionsInvalidated = "sessions_invalidated"
	TypeDeviceChange        = "device_change"
	TypeLocationChange      = "location_change"
	TypeSuspiciousActivity  = "suspicious_activity"
	TypeSuspiciousPattern   = "suspicious_pattern"
	TypeMFAEnrollment       = "mfa_enrollment_started"
	TypeMFAEnabled          = "mfa_enabled"
	TypeMFAVerified         = "mfa_verified"
	TypeMFADisabled         = "mfa_disabled"
	TypeMFAFailed           = "mfa_failed"
	TypeMFALocked           = "mfa_locked"
	TypeMFABypassPattern    = "mfa_bypass_pattern"
	TypeBackupCodeUsed      = "backup_code_used"
	TypeFailedLogin         = "failed_login"
	TypeLoginSuccess        = "login_success"
	TypeAdminLogin          = "admin_login"
	TypeRegistration        = "registration"
	TypeRateLimitHit        = "rate_limit_hit"
	TypePolicyDecision      = "policy_decision"
)

// Event is an immutable audit record. PrincipalID is empty for
// system-triggered events. Seq is assigned by the store at append time and
// breaks timestamp ties.
type Event struct {
	ID          string            `json:"id"`
	PrincipalID string            `json:"principal_id,omitempty"`
	Type        string            `json:"type"`
	IP          string            `json:"ip,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Seq         int64             `json:"seq,omitempty"`
}

// New creates an event with a fresh ID and the current UTC timestamp.
func New(eventType, principalID string) Event {
	return Event{
		ID:          uuid.New().String(),
		PrincipalID: principalID,
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
	}
}

// WithConn attaches connection metadata.
func (e Event) WithConn(ip, userAgent string) Event {
	e.IP = ip
	e.UserAgent = userAgent
	return e
}

// WithMeta attaches one metadata key/value, allocating the map lazily.
func (e Event) WithMeta(key, value string) Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string, 2)
	}
	e.Metadata[key] = value
	return e
}

func (e Event) marshal() ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
