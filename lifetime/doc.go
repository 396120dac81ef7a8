// Package lifetime decides when the host process may exit.
//
// A Controller tracks two things: how many calls are executing right now and
// how long it has been since any call was processed. WaitForIdleOrShutdown
// blocks until one of two exit conditions holds:
//
//   - idle: no call was processed for the configured idle timeout and none is
//     in flight
//   - shutdown: RequestShutdown was called and the process is quiescent (no
//     active calls and no live call scopes)
//
// Shutdown never aborts in-flight work; it only waits for it.
//
// # Poll Cadence
//
// The wait polls on a timer. The cadence is a two-state machine:
//
//	PhaseNormal        polls every NormalInterval (1m)
//	PhaseShuttingDown  polls every ShutdownInterval (15s)
//
// The transition happens once, when the shutdown signal is observed.
//
// # Pairing
//
// EnterCall and ExitCall must be paired on every path. Use the dispatch
// package's Track interceptor rather than calling them by hand.
package lifetime
