package middleware

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	kestrel "github.com/kestrelsec/kestrel"
	"github.com/kestrelsec/kestrel/eventlog"
)

// Pipeline is the security pipeline. Build one with [NewPipeline] and wrap
// the application handler with [Pipeline.Handler].
type Pipeline struct {
	engine *kestrel.Engine
	config kestrel.PipelineConfig
	logger zerolog.Logger
}

// NewPipeline creates a Pipeline bound to an engine. The path policy comes
// from the engine's configuration.
func NewPipeline(engine *kestrel.Engine, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		engine: engine,
		config: engine.Config().Pipeline,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Handler wraps next with the full stage sequence. A request either reaches
// next with a [SecurityContext] attached, or is terminated here with a
// JSON error body.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer p.recover(w, r)

		if p.engine == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", nil)
			return
		}

		setHardeningHeaders(w.Header())

		// Exempt paths skip the policy stages but keep the baseline headers.
		path := r.URL.Path
		if matchPath(p.config.ExemptPaths, path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		conn := kestrel.ConnectionInfo{
			IP:        ip,
			UserAgent: r.UserAgent(),
			Headers:   r.Header,
		}
		metrics := p.engine.Metrics()

		// Stage: per-class rate limiting, keyed by client IP.
		if limiter := p.engine.Limiter(); limiter != nil {
			class := p.routeClass(path)
			res, err := limiter.Check(r.Context(), class, ip)
			if err != nil {
				// Limiter backend down: deny rather than open the budget.
				p.logger.Error().Err(err).Str("class", class).Msg("rate limiter unavailable")
				writeError(w, http.StatusServiceUnavailable, "unavailable", nil)
				return
			}
			if res.Limit >= 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			}
			if !res.Allowed {
				metrics.Inc(kestrel.MetricRateLimitHit)
				p.engine.RecordEvent(r.Context(), eventlog.New(eventlog.TypeRateLimitHit, "").
					WithConn(ip, conn.UserAgent).
					WithMeta("class", class).
					WithMeta("path", path))
				w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
				writeError(w, http.StatusTooManyRequests, "rate_limited", nil)
				return
			}
		}

		// Stage: bounded JSON validation and string sanitation.
		scrubbed, err := validateBody(r, p.config.MaxBodyBytes)
		if err != nil {
			status := http.StatusBadRequest
			code := "invalid_body"
			if errors.Is(err, errBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
				code = "body_too_large"
			}
			p.deny(r, conn, "", code)
			writeError(w, status, code, nil)
			return
		}
		if len(scrubbed) > 0 {
			p.engine.RecordEvent(r.Context(), eventlog.New(eventlog.TypeSuspiciousPattern, "").
				WithConn(ip, conn.UserAgent).
				WithMeta("path", path).
				WithMeta("reason", "body_sanitized").
				WithMeta("fields", strings.Join(scrubbed, ",")))
		}

		if matchPath(p.config.PublicPaths, path) {
			p.engine.RecordEvent(r.Context(), eventlog.New(eventlog.TypePolicyDecision, "").
				WithConn(ip, conn.UserAgent).
				WithMeta("path", path).
				WithMeta("decision", "admitted_public"))
			metrics.Inc(kestrel.MetricRequestAdmitted)
			next.ServeHTTP(w, r)
			return
		}

		// Stage: bearer-token authentication.
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			p.deny(r, conn, "", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		claims, err := p.engine.ParseAccessToken(token)
		if err != nil {
			p.deny(r, conn, "", "invalid_token")
			writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		// Stage: role check for the admin surface.
		if matchPath(p.config.AdminPaths, path) && claims.Role != kestrel.RoleAdmin {
			p.deny(r, conn, claims.PID, "admin_required")
			writeError(w, http.StatusForbidden, "forbidden", nil)
			return
		}

		// Stage: MFA gate for roles that must have it enabled.
		if p.roleRequiresMFA(claims.Role) {
			enabled, err := p.engine.MFAEnabled(r.Context(), claims.PID)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "unavailable", nil)
				return
			}
			if !enabled {
				p.deny(r, conn, claims.PID, "mfa_required")
				writeError(w, http.StatusForbidden, "mfa_required", nil)
				return
			}
		}

		// Stage: session validation with risk scoring.
		res, err := p.engine.ValidateSession(r.Context(), claims.SID, conn)
		if err != nil {
			p.logger.Error().Err(err).Msg("session validation unavailable")
			writeError(w, http.StatusServiceUnavailable, "unavailable", nil)
			return
		}
		if !res.Valid {
			if res.Session == nil {
				p.deny(r, conn, claims.PID, "session_invalid")
				writeError(w, http.StatusUnauthorized, "unauthorized", nil)
				return
			}
			p.deny(r, conn, claims.PID, "reauth_required")
			writeError(w, http.StatusForbidden, "reauth_required", map[string]any{
				"risk_score": res.RiskScore,
				"flags":      res.Flags,
			})
			return
		}

		p.engine.RecordEvent(r.Context(), eventlog.New(eventlog.TypePolicyDecision, claims.PID).
			WithConn(ip, conn.UserAgent).
			WithMeta("path", path).
			WithMeta("decision", "admitted").
			WithMeta("risk_score", strconv.Itoa(res.RiskScore)))
		metrics.Inc(kestrel.MetricRequestAdmitted)

		// Non-sensitive security summary for downstream consumers.
		w.Header().Set("X-Authenticated", "true")
		w.Header().Set("X-Risk-Score", strconv.Itoa(res.RiskScore))
		if len(res.Flags) > 0 {
			w.Header().Set("X-Security-Flags", strings.Join(res.Flags, ","))
		}
		w.Header().Set("X-MFA-Required", strconv.FormatBool(p.roleRequiresMFA(claims.Role)))

		next.ServeHTTP(w, r.WithContext(withSecurityContext(r.Context(), claims, res)))
	})
}

func (p *Pipeline) deny(r *http.Request, conn kestrel.ConnectionInfo, principalID, reason string) {
	p.engine.Metrics().Inc(kestrel.MetricRequestDenied)
	p.engine.RecordEvent(r.Context(), eventlog.New(eventlog.TypePolicyDecision, principalID).
		WithConn(conn.IP, conn.UserAgent).
		WithMeta("path", r.URL.Path).
		WithMeta("decision", "denied").
		WithMeta("reason", reason))
}

func (p *Pipeline) recover(w http.ResponseWriter, r *http.Request) {
	rec := recover()
	if rec == nil {
		return
	}
	p.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
	writeError(w, http.StatusInternalServerError, "internal_error", nil)
}

// routeClass resolves overlapping prefixes longest-first so map iteration
// order never decides the class.
func (p *Pipeline) routeClass(path string) string {
	class, best := "generic", -1
	for prefix, c := range p.config.RouteClasses {
		if len(prefix) > best && strings.HasPrefix(path, prefix) {
			class, best = c, len(prefix)
		}
	}
	return class
}

func (p *Pipeline) roleRequiresMFA(role string) bool {
	for _, r := range p.config.MFARoles {
		if r == role {
			return true
		}
	}
	return false
}

// matchPath treats entries ending in "/" as prefixes and everything else as
// exact paths.
func matchPath(patterns []string, path string) bool {
	for _, pat := range patterns {
		if strings.HasSuffix(pat, "/") {
			if strings.HasPrefix(path, pat) {
				return true
			}
			continue
		}
		if path == pat {
			return true
		}
	}
	return false
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}
	token := value[len(bearer):]
	if token == "" {
		return "", false
	}
	return token, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, code string, extra map[string]any) {
	body := map[string]any{"error": code}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
