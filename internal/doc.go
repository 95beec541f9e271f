// Package internal holds identifier generation and fingerprint helpers
// shared across the engine. Nothing here is part of the public API.
package internal
