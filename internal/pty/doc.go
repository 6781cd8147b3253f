// Package pty implements the host-side terminal engine: shell sessions on
// pseudo-terminals, replay buffers, auto replies, and the serialize/revive
// surface the coordinator drives over RPC.
package pty
