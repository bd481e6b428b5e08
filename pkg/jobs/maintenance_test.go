package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	retention time.Duration
	deleted   int64
	err       error
}

func (f *fakePruner) Prune(_ context.Context, retention time.Duration) (int64, error) {
	f.retention = retention
	return f.deleted, f.err
}

type fakeArchiver struct {
	runs int
	err  error
}

func (f *fakeArchiver) Run(context.Context) (int, error) {
	f.runs++
	return 12, f.err
}

func TestPruneWindows(t *testing.T) {
	pruner := &fakePruner{deleted: 40}
	job := PruneWindows("@every 15m", pruner, 48*time.Hour, nil)

	assert.Equal(t, "prune_rate_windows", job.Name)
	assert.Equal(t, "@every 15m", job.Schedule)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 48*time.Hour, pruner.retention)

	pruner.err = errors.New("db down")
	assert.Error(t, job.Run(context.Background()))
}

func TestArchiveEvents(t *testing.T) {
	archiver := &fakeArchiver{}
	s := NewScheduler(quietLogrus(), nil)
	require.NoError(t, s.Add(ArchiveEvents("0 3 * * *", archiver, nil)))

	require.NoError(t, s.RunNow(context.Background(), "archive_security_events"))
	assert.Equal(t, 1, archiver.runs)

	archiver.err = errors.New("s3 unavailable")
	assert.Error(t, s.RunNow(context.Background(), "archive_security_events"))
}
