package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	kestrel "github.com/kestrelsec/kestrel"
	"github.com/kestrelsec/kestrel/eventlog"
	"github.com/kestrelsec/kestrel/middleware"
	"github.com/kestrelsec/kestrel/monitor"
)

type apiServer struct {
	engine  *kestrel.Engine
	monitor *monitor.Monitor
}

func (s *apiServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/me", s.handleWhoami)

	mux.HandleFunc("POST /api/mfa/enroll", s.handleMFAEnroll)
	mux.HandleFunc("POST /api/mfa/confirm", s.handleMFAConfirm)
	mux.HandleFunc("POST /api/mfa/verify", s.handleMFAVerify)

	mux.HandleFunc("GET /api/admin/alerts", s.handleAlertList)
	mux.HandleFunc("GET /api/admin/alerts/{id}", s.handleAlertGet)
	mux.HandleFunc("POST /api/admin/alerts/{id}/resolve", s.handleAlertResolve)
	mux.HandleFunc("GET /api/admin/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /api/admin/threat", s.handleThreat)
	mux.HandleFunc("GET /api/admin/analytics", s.handleAnalytics)
	mux.HandleFunc("GET /api/admin/principals/{id}/analytics", s.handlePrincipalAnalytics)
	mux.HandleFunc("POST /api/admin/principals/{id}/invalidate", s.handleForceInvalidate)
	mux.HandleFunc("POST /api/admin/principals/{id}/mfa/reset", s.handleMFAReset)
}

// handleLogin exchanges a principal ID for a session and bearer token.
// Primary credential verification happens upstream of this subsystem; the
// daemon trusts the caller's identity assertion for demonstration purposes.
func (s *apiServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrincipalID string `json:"principal_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PrincipalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "principal_id required"})
		return
	}

	conn := connInfo(r)
	sess, err := s.engine.CreateSession(r.Context(), req.PrincipalID, conn)
	if err != nil {
		if errors.Is(err, kestrel.ErrPrincipalNotFound) || errors.Is(err, kestrel.ErrPrincipalDeleted) {
			s.engine.RecordEvent(r.Context(), eventlog.New(eventlog.TypeFailedLogin, req.PrincipalID).
				WithConn(conn.IP, conn.UserAgent))
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}

	principal, err := s.engine.Principal(r.Context(), req.PrincipalID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}

	token, err := s.engine.IssueAccessToken(sess.PrincipalID, sess.SessionID, principal.Role)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}

	s.engine.RecordEvent(r.Context(), eventlog.New(eventlog.TypeLoginSuccess, sess.PrincipalID).
		WithConn(conn.IP, conn.UserAgent))

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"session_id": sess.SessionID,
		"expires_at": time.Unix(sess.ExpiresAt, 0).UTC(),
	})
}

func (s *apiServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	sc, ok := middleware.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	if err := s.engine.InvalidateSession(r.Context(), sc.SessionID); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *apiServer) handleWhoami(w http.ResponseWriter, r *http.Request) {
	sc, ok := middleware.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	body := map[string]any{
		"principal_id": sc.PrincipalID,
		"session_id":   sc.SessionID,
		"role":         sc.Role,
		"risk_score":   sc.RiskScore,
		"flags":        sc.Flags,
	}
	if sess, err := s.engine.Session(r.Context(), sc.SessionID); err == nil {
		body["created_at"] = time.Unix(sess.CreatedAt, 0).UTC()
		body["expires_at"] = time.Unix(sess.ExpiresAt, 0).UTC()
		if sess.Location != nil {
			body["country"] = sess.Location.Country
		}
	} else if !errors.Is(err, kestrel.ErrSessionNotFound) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *apiServer) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	sc, ok := middleware.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	enrollment, err := s.engine.EnableMFA(r.Context(), sc.PrincipalID)
	if err != nil {
		if errors.Is(err, kestrel.ErrMFAAlreadyEnabled) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "mfa_already_enabled"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

func (s *apiServer) handleMFAConfirm(w http.ResponseWriter, r *http.Request) {
	sc, ok := middleware.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_body"})
		return
	}
	ok, err := s.engine.VerifyAndEnable(r.Context(), sc.PrincipalID, req.Token)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": ok})
}

func (s *apiServer) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	sc, ok := middleware.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_body"})
		return
	}
	res, err := s.engine.VerifyToken(r.Context(), sc.PrincipalID, req.Token)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) handleAlertList(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("all") == ""
	alerts, err := s.monitor.Alerts(r.Context(), unresolvedOnly, 100)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *apiServer) handleAlertGet(w http.ResponseWriter, r *http.Request) {
	alert, err := s.monitor.Alert(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, monitor.ErrAlertNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "alert_not_found"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *apiServer) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	sc, _ := middleware.FromContext(r.Context())
	var req struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_body"})
		return
	}

	resolver := "operator"
	if sc != nil {
		resolver = sc.PrincipalID
	}
	alert, err := s.monitor.ResolveAlert(r.Context(), r.PathValue("id"), resolver, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, monitor.ErrAlertNotFound):
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "alert_not_found"})
		case errors.Is(err, monitor.ErrAlertResolved):
			writeJSON(w, http.StatusConflict, map[string]any{"error": "alert_already_resolved"})
		default:
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		}
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *apiServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.monitor.DashboardSnapshot(r.Context(), 0)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *apiServer) handleThreat(w http.ResponseWriter, r *http.Request) {
	a, err := s.monitor.AnalyzeThreat(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *apiServer) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := s.engine.FleetSessionAnalytics(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (s *apiServer) handlePrincipalAnalytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := s.engine.PrincipalSessionAnalytics(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (s *apiServer) handleForceInvalidate(w http.ResponseWriter, r *http.Request) {
	sc, ok := middleware.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	removed, err := s.engine.ForceInvalidatePrincipal(r.Context(), sc.PrincipalID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, kestrel.ErrPermissionDenied) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": removed})
}

func (s *apiServer) handleMFAReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResetMFALockout(r.Context(), r.PathValue("id")); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func connInfo(r *http.Request) kestrel.ConnectionInfo {
	return kestrel.ConnectionInfo{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Headers:   r.Header,
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
