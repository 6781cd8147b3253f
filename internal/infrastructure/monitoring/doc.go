// Package monitoring provides Prometheus metrics for the coordinator:
// control API request counters, child host lifecycle counters (crashes,
// restarts, handshake timing), pty host RPC latencies, and terminal session
// gauges. Metrics are exposed on /metrics by the server package.
package monitoring
