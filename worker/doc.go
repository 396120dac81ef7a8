// Package worker runs extension calls on a fixed set of OS-thread-bound
// workers.
//
// Each worker locks its goroutine to an OS thread and owns one instance for
// its whole life. Work is routed by caller thread id, so every call from one
// caller thread runs on the same worker, one at a time:
//
//	pool, _ := worker.New(ctx, newInstance, &worker.Config{Size: 4})
//	err := pool.Do(ctx, thread, func(inst *extension.Instance) error {
//	    _, err := inst.Call(ctx, s, inv)
//	    return err
//	})
//
// Teardown that calls back into an instance must go through Do with the same
// thread id as the calls that created the resources being torn down.
package worker
