// Package middleware provides the HTTP security pipeline that fronts an
// application protected by a kestrel Engine. Every request passes through a
// fixed stage order: path exemption, rate limiting, input validation,
// authentication, authorization, the MFA gate, session validation, audit,
// and hardening headers.
package middleware

import (
	"context"

	kestrel "github.com/kestrelsec/kestrel"
	"github.com/kestrelsec/kestrel/jwt"
)

// SecurityContext is what the pipeline attaches to admitted requests.
// Downstream handlers read it with [FromContext] instead of re-parsing the
// token or re-validating the session.
type SecurityContext struct {
	PrincipalID string
	SessionID   string
	Role        string
	RiskScore   int
	Flags       []string
}

type securityContextKey struct{}

// FromContext returns the security context attached by the pipeline, if any.
func FromContext(ctx context.Context) (*SecurityContext, bool) {
	sc, ok := ctx.Value(securityContextKey{}).(*SecurityContext)
	return sc, ok
}

func withSecurityContext(ctx context.Context, claims *jwt.AccessClaims, res *kestrel.ValidationResult) context.Context {
	sc := &SecurityContext{
		PrincipalID: claims.PID,
		SessionID:   claims.SID,
		Role:        claims.Role,
	}
	if res != nil {
		sc.RiskScore = res.RiskScore
		sc.Flags = res.Flags
	}
	return context.WithValue(ctx, securityContextKey{}, sc)
}
