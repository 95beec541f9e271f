// Package kestrel is a session and access-risk control plane: Redis-backed
// session lifecycle with an atomically enforced per-principal ceiling, TOTP
// and backup-code MFA with lockout, additive per-session risk scoring, and
// an append-only security event log.
//
// The package is designed for stateless horizontal scale: every Engine
// method is safe for concurrent use, and all shared state lives in Redis.
// Construct an [Engine] with [NewEngine]; there are no package-level
// globals and no init-time side effects.
//
// # Architecture boundaries
//
// kestrel is the public surface. It exposes [Engine], [Config], and value
// types (ValidationResult, MFAEnrollment, SessionAnalytics). Storage
// encodings, the rate limiter, secret encryption, and fingerprinting live
// under internal/ and are never exported. The HTTP pipeline (middleware),
// threat monitoring (monitor), and metrics export are separate packages
// layered on top of the Engine.
//
// # What this package must NOT do
//
//   - Verify primary credentials. Password or federated login happens
//     upstream; kestrel starts where an identity assertion ends.
//   - Expose Redis clients or key layouts in its public API.
//   - Block a request on best-effort work: geolocation, audit emission,
//     and suspicious-event counting all degrade rather than fail the call.
package kestrel
