package kestrel

import (
	"context"
	"fmt"

	"github.com/kestrelsec/kestrel/eventlog"
	"github.com/kestrelsec/kestrel/session"
)

// PrincipalSessionAnalytics aggregates a single principal's active sessions
// into flag and country counts.
func (e *Engine) PrincipalSessionAnalytics(ctx context.Context, principalID string) (*SessionAnalytics, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	sessions, err := e.sessions.ActiveSessions(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return aggregateSessions(sessions), nil
}

// FleetSessionAnalytics aggregates every active session in the store. This
// walks the whole expiry index and is meant for admin dashboards, not
// request paths.
func (e *Engine) FleetSessionAnalytics(ctx context.Context) (*SessionAnalytics, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	ids, err := e.sessions.AllSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := e.sessions.SessionsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return aggregateSessions(sessions), nil
}

func aggregateSessions(sessions []*session.Session) *SessionAnalytics {
	out := &SessionAnalytics{
		ActiveSessions: len(sessions),
		FlagCounts:     make(map[string]int),
		ByCountry:      make(map[string]int),
	}
	for _, sess := range sessions {
		for _, flag := range sess.Flags.List() {
			out.FlagCounts[flag]++
		}
		country := "unknown"
		if sess.Location != nil && sess.Location.Country != "" {
			country = sess.Location.Country
		}
		out.ByCountry[country]++
	}
	return out
}

// ForceInvalidatePrincipal is the admin counterpart of
// [Engine.InvalidateAllSessions]: same effect, but the audit trail records
// which administrator pulled the trigger.
func (e *Engine) ForceInvalidatePrincipal(ctx context.Context, adminID, principalID string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}

	admin, err := e.principals.GetPrincipalByID(ctx, adminID)
	if err != nil {
		return 0, ErrPrincipalNotFound
	}
	if admin.Role != RoleAdmin {
		return 0, ErrPermissionDenied
	}

	removed, err := e.sessions.DeleteAllForPrincipal(ctx, principalID)
	if err != nil {
		return removed, fmt.Errorf("%w: %v", ErrSessionInvalidationFailed, err)
	}

	e.metricInc(MetricSessionInvalidated)
	e.emit(ctx, eventlog.New(eventlog.TypeSessionsInvalidated, principalID).
		WithMeta("count", fmt.Sprintf("%d", removed)).
		WithMeta("actor", adminID).
		WithMeta("reason", "admin_forced"))
	return removed, nil
}
