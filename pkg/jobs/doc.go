// Package jobs runs periodic maintenance on a cron schedule.
//
// Two jobs exist: pruning old rate limit windows and archiving old security
// events to object storage. Each job runs once at startup and then on its
// schedule; overlapping runs of the same job are skipped.
//
//	s := jobs.NewScheduler(log, logger)
//	s.Add(jobs.PruneWindows("@every 15m", limiter, 48*time.Hour))
//	s.Start(ctx)
//	defer s.Stop(ctx)
package jobs
