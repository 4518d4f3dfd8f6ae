// Package async provides goroutine helpers with panic recovery, per-task
// timeouts and error collection.
//
// SafeGo runs a fire-and-forget background task. WorkerPool bounds
// concurrency for a stream of tasks, and Batch fans a slice of items out over
// a pool and returns the collected errors:
//
//	errs := async.Batch(ctx, ids, 4, "close tenants", 10*time.Second, closeOne)
//	if err := errors.Join(errs...); err != nil {
//	    return err
//	}
//
// The tenant registry uses Batch to tear down every handle on shutdown and to
// ping initialized tenants during health checks.
package async
