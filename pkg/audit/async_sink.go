package audit

import (
	"context"
	"time"

	"github.com/honestinvoice/gatekeeper/pkg/async"
	"github.com/honestinvoice/gatekeeper/pkg/contextkeys"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
)

// AsyncSink hands events to a worker pool so emission never adds latency to
// the decision path. Events are dropped, logged and counted when the queue
// is full.
type AsyncSink struct {
	next    Sink
	pool    *async.WorkerPool
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewAsyncSink wraps next with pool
func NewAsyncSink(next Sink, pool *async.WorkerPool, logger *observability.Logger, metrics *observability.Metrics) *AsyncSink {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &AsyncSink{next: next, pool: pool, logger: logger, metrics: metrics}
}

// Emit queues the event and returns immediately
func (s *AsyncSink) Emit(ctx context.Context, event *SecurityEvent) error {
	// The pool's context carries no request values, so capture them now.
	stamp(event, time.Now())
	if event.RequestID == "" {
		event.RequestID = contextkeys.GetRequestID(ctx)
	}

	queued := s.pool.TrySubmit(func(taskCtx context.Context) error {
		err := s.next.Emit(taskCtx, event)
		if err != nil {
			s.countError("delivery")
		}
		return err
	})
	if !queued {
		s.countError("queue_full")
		s.logger.WithContext(ctx).WithField("event_type", string(event.EventType)).
			Warn("security event dropped: queue full")
		return nil
	}
	if s.metrics != nil {
		s.metrics.SecurityEventsTotal.WithLabelValues(string(event.EventType), string(event.Severity)).Inc()
	}
	return nil
}

func (s *AsyncSink) countError(sink string) {
	if s.metrics != nil {
		s.metrics.SecurityEventErrors.WithLabelValues(sink).Inc()
	}
}
