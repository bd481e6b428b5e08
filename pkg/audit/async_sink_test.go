package audit

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honestinvoice/gatekeeper/pkg/async"
	"github.com/honestinvoice/gatekeeper/pkg/contextkeys"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
)

// blockingSink holds every Emit until released
type blockingSink struct {
	memoryStore
	release chan struct{}
}

func (b *blockingSink) Emit(ctx context.Context, event *SecurityEvent) error {
	<-b.release
	return b.memoryStore.Emit(ctx, event)
}

func TestAsyncSink_Delivers(t *testing.T) {
	store := &memoryStore{}
	pool := async.NewWorkerPool(context.Background(), 1, 4, "events", time.Second, nil)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sink := NewAsyncSink(store, pool, nil, metrics)

	ctx := contextkeys.WithRequestID(context.Background(), "req-9")
	require.NoError(t, sink.Emit(ctx, &SecurityEvent{EventType: EventPotentialAbuse, Severity: SeverityWarning}))
	require.NoError(t, pool.Shutdown(time.Second))

	require.Len(t, store.events, 1)
	assert.Equal(t, "req-9", store.events[0].RequestID)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SecurityEventsTotal.WithLabelValues("potential_abuse", "warning")))
}

func TestAsyncSink_DropsWhenQueueFull(t *testing.T) {
	blocked := &blockingSink{release: make(chan struct{})}
	pool := async.NewWorkerPool(context.Background(), 1, 0, "events", time.Second, nil)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sink := NewAsyncSink(blocked, pool, nil, metrics)

	// an unbuffered queue accepts only when the worker is idle
	require.Eventually(t, func() bool {
		before := testutil.ToFloat64(metrics.SecurityEventsTotal.WithLabelValues("ip_blocked", "critical"))
		_ = sink.Emit(context.Background(), &SecurityEvent{EventType: EventIPBlocked, Severity: SeverityCritical})
		return testutil.ToFloat64(metrics.SecurityEventsTotal.WithLabelValues("ip_blocked", "critical")) > before
	}, time.Second, 5*time.Millisecond)

	dropped := testutil.ToFloat64(metrics.SecurityEventErrors.WithLabelValues("queue_full"))
	assert.NoError(t, sink.Emit(context.Background(), &SecurityEvent{EventType: EventIPBlocked, Severity: SeverityCritical}))
	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.SecurityEventErrors.WithLabelValues("queue_full")))

	close(blocked.release)
	require.NoError(t, pool.Shutdown(time.Second))
	assert.Len(t, blocked.events, 1)
}
