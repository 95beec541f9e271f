package kestrel

import "errors"

var (
	// ErrEngineNotReady is returned when the engine has not been initialized.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrPrincipalNotFound is returned when the referenced principal does not exist.
	ErrPrincipalNotFound = errors.New("principal not found")
	// ErrPrincipalDeleted is returned when the referenced principal has been deleted.
	ErrPrincipalDeleted = errors.New("principal deleted")
	// ErrSessionNotFound is returned when a session lookup misses.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCreationFailed is returned when the session could not be persisted.
	ErrSessionCreationFailed = errors.New("session creation failed")
	// ErrSessionInvalidationFailed is returned when session deactivation fails at the store.
	ErrSessionInvalidationFailed = errors.New("session invalidation failed")
	// ErrMFAAlreadyEnabled is returned by EnableMFA when an enabled record already exists.
	ErrMFAAlreadyEnabled = errors.New("mfa already enabled")
	// ErrMFANotEnrolled is returned when no MFA settings record exists for the principal.
	ErrMFANotEnrolled = errors.New("mfa not enrolled")
	// ErrMFALocked is returned when the failed-attempt counter has reached the lockout threshold.
	ErrMFALocked = errors.New("mfa locked")
	// ErrMFAVerificationRequired is returned when an operation gated on a successful
	// token check was attempted with an invalid or missing token.
	ErrMFAVerificationRequired = errors.New("mfa verification required")
	// ErrMFAUnavailable wraps MFA store failures.
	ErrMFAUnavailable = errors.New("mfa backend unavailable")
	// ErrUnauthorized is returned when authentication is required and absent or invalid.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPermissionDenied is returned when the principal's role does not allow the route.
	ErrPermissionDenied = errors.New("permission denied")
)
