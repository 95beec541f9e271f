package kestrel

import (
	"context"
	"net/http"
	"time"

	"github.com/kestrelsec/kestrel/session"
)

// Role names understood by the policy pipeline.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// ConnectionInfo carries the connection metadata the control plane derives
// fingerprints and locations from. Headers may be nil; only the accept-*
// headers are consulted.
type ConnectionInfo struct {
	IP        string
	UserAgent string
	Headers   http.Header
}

// Principal is the account record the control plane needs from the caller's
// identity database. It deliberately excludes credentials; primary
// authentication happens outside this subsystem.
type Principal struct {
	ID        string
	Role      string
	Deleted   bool
	CreatedAt time.Time
}

// PrincipalProvider is the interface callers implement to integrate their
// user database. Kestrel only reads through it.
type PrincipalProvider interface {
	GetPrincipalByID(ctx context.Context, id string) (Principal, error)
	CountPrincipals(ctx context.Context) (int, error)
}

// ValidationResult is returned by [Engine.ValidateSession].
type ValidationResult struct {
	Valid          bool
	Session        *session.Session
	RequiresReauth bool
	Flags          []string
	RiskScore      int
}

// MFAEnrollment is returned once by [Engine.EnableMFA]. BackupCodes are the
// only plaintext copy ever produced; the engine stores salted hashes.
type MFAEnrollment struct {
	SecretBase32 string
	ProvisionURI string
	QRCodeURL    string
	BackupCodes  []string
}

// MFAVerifyResult is returned by [Engine.VerifyToken].
type MFAVerifyResult struct {
	Valid             bool
	AttemptsRemaining int
	Method            string // "totp" or "backup_code", empty on failure
}

// SessionAnalytics is an operator-facing aggregate over a principal's or the
// fleet's active sessions.
type SessionAnalytics struct {
	ActiveSessions int
	FlagCounts     map[string]int
	ByCountry      map[string]int
}
