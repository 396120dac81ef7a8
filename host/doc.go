// Package host serves calls into one extension.
//
// A Host composes the pieces a call passes through:
//
//	transport -> Process -> Recover -> Track -> Log -> serve -> worker -> instance
//
// Track keeps the lifetime controller's in-flight counter balanced on every
// path, including panics. Each caller thread is served by one worker, and
// its scope is always torn down on that worker, so guest destructors run on
// the instance that registered the resources.
package host
