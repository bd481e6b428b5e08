package jobs

import (
	"context"
	"time"

	"github.com/honestinvoice/gatekeeper/pkg/observability"
)

// WindowPruner deletes rate windows older than retention; satisfied by
// *ratelimit.Limiter
type WindowPruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// EventArchiver moves old security events to object storage; satisfied by
// *audit.Archiver
type EventArchiver interface {
	Run(ctx context.Context) (int, error)
}

// PruneWindows removes rate limit windows older than retention
func PruneWindows(schedule string, pruner WindowPruner, retention time.Duration, logger *observability.Logger) Job {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return Job{
		Name:     "prune_rate_windows",
		Schedule: schedule,
		Timeout:  5 * time.Minute,
		Run: func(ctx context.Context) error {
			n, err := pruner.Prune(ctx, retention)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.WithContext(ctx).WithField("deleted", n).Info("pruned rate limit windows")
			}
			return nil
		},
	}
}

// ArchiveEvents copies old security events to object storage
func ArchiveEvents(schedule string, archiver EventArchiver, logger *observability.Logger) Job {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return Job{
		Name:     "archive_security_events",
		Schedule: schedule,
		Timeout:  30 * time.Minute,
		Run: func(ctx context.Context) error {
			n, err := archiver.Run(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.WithContext(ctx).WithField("archived", n).Info("archived security events")
			}
			return nil
		},
	}
}
