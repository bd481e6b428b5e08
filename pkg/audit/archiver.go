package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/honestinvoice/gatekeeper/pkg/observability"
)

// ObjectPutter uploads an object; satisfied by postgres.S3Client
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, content io.Reader, contentType string) error
}

// ArchiveSource lists and marks events for archiving; satisfied by DBStore
type ArchiveSource interface {
	Unarchived(ctx context.Context, before time.Time, limit int) ([]*SecurityEvent, error)
	MarkArchived(ctx context.Context, ids []int64, at time.Time) error
}

// Archiver copies old security events to object storage in batches
type Archiver struct {
	source    ArchiveSource
	putter    ObjectPutter
	prefix    string
	after     time.Duration
	batchSize int
	clock     clockwork.Clock
	logger    *observability.Logger
}

// NewArchiver archives events older than after under prefix
func NewArchiver(source ArchiveSource, putter ObjectPutter, prefix string, after time.Duration, logger *observability.Logger) *Archiver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Archiver{
		source:    source,
		putter:    putter,
		prefix:    prefix,
		after:     after,
		batchSize: 5000,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
	}
}

// WithClock overrides the clock
func (a *Archiver) WithClock(clock clockwork.Clock) *Archiver {
	a.clock = clock
	return a
}

// WithBatchSize overrides how many events go into one object
func (a *Archiver) WithBatchSize(n int) *Archiver {
	if n > 0 {
		a.batchSize = n
	}
	return a
}

// objectKey is <prefix>/YYYY/MM/DD/<first id>-<last id>.ndjson, dated by
// the first event in the batch.
func (a *Archiver) objectKey(events []*SecurityEvent) string {
	first, last := events[0], events[len(events)-1]
	return path.Join(a.prefix, first.CreatedAt.UTC().Format("2006/01/02"),
		fmt.Sprintf("%d-%d.ndjson", first.ID, last.ID))
}

// Run archives every eligible event and returns how many were archived. A
// batch is only marked after its object was uploaded, so a failed run is
// safe to repeat.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	cutoff := a.clock.Now().Add(-a.after)
	total := 0

	for {
		events, err := a.source.Unarchived(ctx, cutoff, a.batchSize)
		if err != nil {
			return total, err
		}
		if len(events) == 0 {
			break
		}

		body, err := exportNDJSON(events)
		if err != nil {
			return total, err
		}
		key := a.objectKey(events)
		if err := a.putter.PutObject(ctx, key, bytes.NewReader(body), "application/x-ndjson"); err != nil {
			return total, err
		}

		ids := make([]int64, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		if err := a.source.MarkArchived(ctx, ids, a.clock.Now()); err != nil {
			return total, err
		}

		total += len(events)
		a.logger.WithFields(map[string]interface{}{
			"key":    key,
			"events": len(events),
		}).Info("archived security events")

		if len(events) < a.batchSize {
			break
		}
	}
	return total, nil
}
