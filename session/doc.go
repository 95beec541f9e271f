// Package session implements the durable session model: a versioned binary
// codec and a Redis-backed store whose create path enforces the
// per-principal concurrency ceiling atomically.
package session
