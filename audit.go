package kestrel

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/kestrelsec/kestrel/eventlog"
	"github.com/rs/zerolog"
)

// AuditSink receives security events from the engine's dispatcher.
type AuditSink interface {
	Emit(ctx context.Context, event eventlog.Event)
}

// NoOpSink silently discards all events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, eventlog.Event) {}

// StoreSink appends events to the durable event log. This is the default
// sink; append failures are logged and dropped rather than propagated,
// since audit emission must never fail the emitting operation.
type StoreSink struct {
	store  *eventlog.Store
	logger zerolog.Logger
}

// NewStoreSink wraps an event log store as a sink.
func NewStoreSink(store *eventlog.Store, logger zerolog.Logger) *StoreSink {
	return &StoreSink{store: store, logger: logger}
}

func (s *StoreSink) Emit(ctx context.Context, event eventlog.Event) {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Append(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("event_type", event.Type).Msg("audit append failed")
	}
}

// ChannelSink is a buffered channel-based sink, mainly for tests and
// integrations that fan events out elsewhere.
type ChannelSink struct {
	events chan eventlog.Event
}

// NewChannelSink creates a ChannelSink with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan eventlog.Event, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event eventlog.Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events exposes the sink's channel for consumption.
func (s *ChannelSink) Events() <-chan eventlog.Event {
	return s.events
}

// JSONWriterSink writes JSON-encoded events, one per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink creates a JSONWriterSink that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event eventlog.Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
