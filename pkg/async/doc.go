// Package async provides panic-safe background execution.
//
// SafeGo runs a single fire-and-forget task with a timeout. WorkerPool runs
// tasks on a fixed set of goroutines behind a bounded queue; TrySubmit sheds
// work rather than blocking when the queue is full, which keeps best-effort
// side effects such as security event delivery off the request latency path.
//
//	pool := async.NewWorkerPool(ctx, 4, 1024, "security events", 5*time.Second, logger)
//	defer pool.Shutdown(5 * time.Second)
//	if !pool.TrySubmit(task) {
//		// dropped
//	}
package async
