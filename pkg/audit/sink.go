package audit

import (
	"context"
	"time"
)

// Sink accepts security events
type Sink interface {
	Emit(ctx context.Context, event *SecurityEvent) error
}

// AdminLogger records admin actions
type AdminLogger interface {
	LogAdminAction(ctx context.Context, action *AdminAction) error
}

// Store is a queryable event sink
type Store interface {
	Sink
	AdminLogger

	// LatestByIP returns the newest event of eventType for ip, or nil when
	// there is none.
	LatestByIP(ctx context.Context, ip string, eventType EventType) (*SecurityEvent, error)
	List(ctx context.Context, filter Filter) ([]*SecurityEvent, error)
	ListAdminActions(ctx context.Context, limit int) ([]*AdminAction, error)
}

// MultiSink emits to several sinks in order. Every sink is attempted; the
// first error is returned.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink, skipping nil entries
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Emit sends event to every sink
func (m *MultiSink) Emit(ctx context.Context, event *SecurityEvent) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NoopSink discards events
type NoopSink struct{}

// Emit implements Sink
func (NoopSink) Emit(context.Context, *SecurityEvent) error { return nil }

// LogAdminAction implements AdminLogger
func (NoopSink) LogAdminAction(context.Context, *AdminAction) error { return nil }

func stamp(event *SecurityEvent, now time.Time) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now.UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
}
