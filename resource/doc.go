// Package resource provides the per-call registry of native resource handles.
//
// Resources are opaque values owned by extension code (open files, parsed
// documents, cursors) that the host must release deterministically when the
// call that created them ends. Each registry belongs to exactly one call scope.
//
// # Reference Counting
//
// Every entry starts with one reference:
//
//	reg := resource.NewRegistry()
//
//	// Insert a value, get a handle
//	h, err := reg.Insert(typeID, value, func(h resource.Handle, v any) error {
//	    return v.(*os.File).Close()
//	})
//
//	reg.AddRef(h)  // refs = 2
//	reg.Release(h) // refs = 1
//	reg.Release(h) // refs = 0, destructor runs, entry removed
//
// The destructor runs exactly once, synchronously, before the entry is
// removed. Values implementing Dropper are dropped when no destructor is given.
//
// # Teardown
//
// Close force-releases every remaining entry regardless of its count, newest
// first. A failing or panicking destructor is recorded and the rest still run;
// the combined error is returned. Release after Close is a no-op.
//
// # Misuse
//
// Releasing an unknown handle or releasing twice is a programming error in the
// caller. Release builds return an *errors.Error (KindNotFound or
// KindDoubleRelease) and change nothing; builds tagged exthostdebug panic.
//
// # Observers
//
// Register observers to track resource lifecycle events:
//
//	stop := reg.Subscribe(resource.ObserverFunc(func(e resource.Event) {
//	    if e.Type == resource.EventDestroyed && e.Forced {
//	        log.Printf("resource %d leaked until scope end", e.Handle)
//	    }
//	}))
//	defer stop()
package resource
