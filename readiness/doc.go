// Package readiness tells the process that launched the host whether it
// came up.
//
// The launcher passes a token naming where to write:
//
//	""        no launcher is waiting; signalling is a no-op
//	fd:N      an inherited file descriptor
//	<path>    a FIFO (opened without blocking) or a regular file
//
// The host writes "ready\n" once its channel is bound, or
// "failed: <message>\n" when startup fails. A token is signalled at most
// once. Signalling is best effort: a launcher that has gone away must not
// keep the host from starting or exiting.
package readiness
