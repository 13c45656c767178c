// Package worker provides a generic bounded worker pool.
//
// The watcher runs bus introspection for newly appeared services on a Pool so
// that a burst of name-owner changes (a desktop session starting, a system
// boot) is processed by a fixed number of goroutines:
//
//	pool := worker.NewPool(4, 256, func(ctx context.Context, job discoveryJob) error {
//	    return w.discover(ctx, job)
//	}, worker.WithMetrics[discoveryJob](registrar, "watcher"))
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Submit never blocks and returns ErrQueueFull when the queue is at capacity.
// SubmitWait blocks until there is room or its context ends. Work still queued
// when the Start context is cancelled is discarded; Stop closes the queue and
// lets workers drain what remains.
package worker
