// Package eventlog is the append-only security event store. Every component
// of the control plane appends here; threat monitoring reads it back for
// aggregation, and a retention purge is the only deletion path.
package eventlog
