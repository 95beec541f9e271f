package kestrel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kestrelsec/kestrel/eventlog"
	"github.com/kestrelsec/kestrel/internal"
	"github.com/kestrelsec/kestrel/session"
)

// maxStoredUserAgent bounds the user-agent copy persisted with a session.
// In-app browsers routinely send agents past 255 bytes; the fingerprint is
// computed over the full header, so truncation only affects the stored
// display copy.
const maxStoredUserAgent = 1024

func boundedUserAgent(ua string) string {
	if len(ua) > maxStoredUserAgent {
		return ua[:maxStoredUserAgent]
	}
	return ua
}

// CreateSession binds a freshly authenticated principal to a new session.
// The per-principal ceiling is enforced atomically in the store: when the
// principal is at the limit the oldest session is evicted in the same step
// that inserts the new one, so concurrent logins can never exceed the
// ceiling.
func (e *Engine) CreateSession(ctx context.Context, principalID string, conn ConnectionInfo) (*session.Session, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	principal, err := e.principals.GetPrincipalByID(ctx, principalID)
	if err != nil {
		return nil, ErrPrincipalNotFound
	}
	if principal.Deleted {
		return nil, ErrPrincipalDeleted
	}

	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionCreationFailed, err)
	}

	now := time.Now()
	sess := &session.Session{
		SessionID:    sid.String(),
		PrincipalID:  principalID,
		Fingerprint:  internal.Fingerprint(conn.UserAgent, conn.Headers, e.config.Session.FingerprintHexLength),
		IP:           conn.IP,
		UserAgent:    boundedUserAgent(conn.UserAgent),
		Location:     e.lookupLocation(ctx, conn.IP),
		Active:       true,
		CreatedAt:    now.Unix(),
		LastActivity: now.Unix(),
		ExpiresAt:    now.Add(e.config.Session.TTL).Unix(),
	}
	sess.Flags.UnusualHours = e.risk.window.contains(now.Hour())

	evicted, err := e.sessions.Create(ctx, sess, e.config.Session.MaxPerPrincipal)
	if err != nil {
		e.logger.Error().Err(err).Str("principal", principalID).Msg("session persistence failed")
		return nil, fmt.Errorf("%w: %v", ErrSessionCreationFailed, err)
	}

	if evicted != "" {
		sess.Flags.ConcurrentSessions = true
		if err := e.sessions.Update(ctx, sess); err != nil {
			e.logger.Warn().Err(err).Str("session", sess.SessionID).Msg("flag update after eviction failed")
		}

		e.metricInc(MetricSessionEvicted)
		e.emit(ctx, eventlog.New(eventlog.TypeSessionInvalidated, principalID).
			WithConn(conn.IP, conn.UserAgent).
			WithMeta("session_id", evicted).
			WithMeta("reason", "eviction"))
	}

	e.metricInc(MetricSessionCreated)
	ev := eventlog.New(eventlog.TypeSessionCreated, principalID).
		WithConn(conn.IP, conn.UserAgent).
		WithMeta("session_id", sess.SessionID).
		WithMeta("fingerprint", sess.Fingerprint)
	if sess.Location != nil {
		ev = ev.WithMeta("country", sess.Location.Country)
	}
	if principal.Role == RoleAdmin {
		e.emit(ctx, eventlog.New(eventlog.TypeAdminLogin, principalID).WithConn(conn.IP, conn.UserAgent))
	}
	e.emit(ctx, ev)

	return sess, nil
}

// ValidateSession decides whether an inbound request may ride an existing
// session. Device or location drift never deletes the session; it only
// flags it and, past the risk threshold, demands re-authentication without
// advancing the activity timestamp.
func (e *Engine) ValidateSession(ctx context.Context, sessionID string, conn ConnectionInfo) (*ValidationResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			e.metricInc(MetricValidateFailure)
			return &ValidationResult{
				Valid:          false,
				RequiresReauth: true,
				Flags:          []string{"session_not_found"},
				RiskScore:      100,
			}, nil
		}
		// Store down on an authentication-critical path: fail closed.
		return nil, err
	}

	now := time.Now()
	if sess.Expired(now.Unix()) {
		if _, err := e.sessions.Delete(ctx, sess.PrincipalID, sessionID); err != nil {
			return nil, err
		}
		e.metricInc(MetricSessionExpired)
		e.metricInc(MetricValidateFailure)
		e.emit(ctx, eventlog.New(eventlog.TypeSessionExpired, sess.PrincipalID).
			WithMeta("session_id", sessionID))
		return &ValidationResult{
			Valid:          false,
			RequiresReauth: true,
			Flags:          []string{"session_expired"},
			RiskScore:      0,
		}, nil
	}

	currentFingerprint := internal.Fingerprint(conn.UserAgent, conn.Headers, e.config.Session.FingerprintHexLength)

	var currentLocation *session.Location
	if conn.IP != "" && conn.IP != sess.IP {
		currentLocation = e.lookupLocation(ctx, conn.IP)
	}

	// Best-effort flagging path: an unreadable event log must not block
	// an otherwise valid request.
	suspicious, err := e.events.CountByTypes(ctx, []string{
		eventlog.TypeFailedLogin,
		eventlog.TypeRateLimitHit,
		eventlog.TypeSuspiciousPattern,
	}, sess.PrincipalID, now.Add(-e.config.Risk.SuspiciousWindow))
	if err != nil {
		e.logger.Warn().Err(err).Msg("suspicious-activity count unavailable")
		suspicious = 0
	}

	assessment := e.risk.Assess(RiskInput{
		StoredFingerprint:    sess.Fingerprint,
		StoredIP:             sess.IP,
		StoredLocation:       sess.Location,
		CurrentFingerprint:   currentFingerprint,
		CurrentIP:            conn.IP,
		CurrentLocation:      currentLocation,
		SuspiciousEventCount: suspicious,
		Now:                  now,
	})

	if assessment.Flags.DeviceChange && !sess.Flags.DeviceChange {
		e.emit(ctx, eventlog.New(eventlog.TypeDeviceChange, sess.PrincipalID).
			WithConn(conn.IP, conn.UserAgent).
			WithMeta("session_id", sessionID))
	}
	if assessment.Flags.LocationChange && !sess.Flags.LocationChange {
		e.emit(ctx, eventlog.New(eventlog.TypeLocationChange, sess.PrincipalID).
			WithConn(conn.IP, conn.UserAgent).
			WithMeta("session_id", sessionID))
	}

	result := &ValidationResult{
		Session:   sess,
		Flags:     assessment.Flags.List(),
		RiskScore: assessment.Score,
	}

	if assessment.RequiresReauth {
		e.metricInc(MetricReauthRequired)
		e.emit(ctx, eventlog.New(eventlog.TypeSuspiciousActivity, sess.PrincipalID).
			WithConn(conn.IP, conn.UserAgent).
			WithMeta("session_id", sessionID).
			WithMeta("risk_score", strconv.Itoa(assessment.Score)))
		result.Valid = false
		result.RequiresReauth = true
		return result, nil
	}

	sess.Flags.Merge(assessment.Flags)
	sess.LastActivity = now.Unix()
	sess.IP = conn.IP
	sess.UserAgent = boundedUserAgent(conn.UserAgent)
	if currentLocation != nil {
		sess.Location = currentLocation
	}
	if err := e.sessions.Update(ctx, sess); err != nil {
		return nil, err
	}

	e.metricInc(MetricValidateSuccess)
	e.emit(ctx, eventlog.New(eventlog.TypeSessionUpdated, sess.PrincipalID).
		WithConn(conn.IP, conn.UserAgent).
		WithMeta("session_id", sessionID))

	result.Valid = true
	return result, nil
}

// InvalidateSession deactivates one session. Deactivating a session that is
// already gone is a successful no-op.
func (e *Engine) InvalidateSession(ctx context.Context, sessionID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrSessionInvalidationFailed, err)
	}

	existed, err := e.sessions.Delete(ctx, sess.PrincipalID, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionInvalidationFailed, err)
	}
	if existed {
		e.metricInc(MetricSessionInvalidated)
		e.emit(ctx, eventlog.New(eventlog.TypeSessionInvalidated, sess.PrincipalID).
			WithMeta("session_id", sessionID).
			WithMeta("reason", "manual_invalidation"))
	}
	return nil
}

// InvalidateAllSessions deactivates every session of a principal. The bulk
// path emits a single summary event rather than one per session, trading
// audit granularity for bounded write amplification.
func (e *Engine) InvalidateAllSessions(ctx context.Context, principalID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	removed, err := e.sessions.DeleteAllForPrincipal(ctx, principalID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionInvalidationFailed, err)
	}
	if removed > 0 {
		e.metricInc(MetricSessionInvalidated)
		e.emit(ctx, eventlog.New(eventlog.TypeSessionsInvalidated, principalID).
			WithMeta("count", strconv.Itoa(removed)))
	}
	return nil
}

// CleanupExpiredSessions deactivates every session whose expiry has passed
// and returns how many it touched. The per-session delete reports whether
// the session still existed, so concurrent sweeps on other instances never
// double-count or double-emit.
func (e *Engine) CleanupExpiredSessions(ctx context.Context) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}

	ids, err := e.sessions.ExpiredSessionIDs(ctx, time.Now(), 1000)
	if err != nil {
		return 0, err
	}

	var cleaned int
	for _, id := range ids {
		sess, err := e.sessions.Get(ctx, id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				// Blob already reaped by retention; drop the index entry.
				if err := e.sessions.RemoveExpiryIndex(ctx, id); err != nil {
					return cleaned, err
				}
				continue
			}
			return cleaned, err
		}

		existed, err := e.sessions.Delete(ctx, sess.PrincipalID, id)
		if err != nil {
			return cleaned, err
		}
		if existed {
			cleaned++
			e.metricInc(MetricSessionExpired)
			e.emit(ctx, eventlog.New(eventlog.TypeSessionExpired, sess.PrincipalID).
				WithMeta("session_id", id).
				WithMeta("actor", "system"))
		}
	}
	return cleaned, nil
}

// Session fetches one session by ID without validating or touching it.
func (e *Engine) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if sess.Expired(time.Now().Unix()) {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// ActiveSessions lists a principal's live sessions, oldest first.
func (e *Engine) ActiveSessions(ctx context.Context, principalID string) ([]*session.Session, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return e.sessions.ActiveSessions(ctx, principalID)
}

// ActiveSessionCount returns how many sessions a principal currently holds.
func (e *Engine) ActiveSessionCount(ctx context.Context, principalID string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	return e.sessions.CountActive(ctx, principalID)
}
