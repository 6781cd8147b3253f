// Package supervisor owns the lifetime of one child host process: spawn,
// readiness handshake, ordered message relay, crash handling, and
// termination.
//
// Messages submitted before the child completes its handshake are buffered
// and flushed in submission order, exactly once, the moment the child turns
// ready. A supervisor is single-use: after the child exits, a fresh
// supervisor is created to restart the host.
package supervisor
