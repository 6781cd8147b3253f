// Package server assembles the coordinator daemon: it supervises the pty
// host child process, exposes the gin control API and /metrics, streams
// terminal events to frontends over WebSocket, and drives session
// persistence and revival around host restarts.
package server
