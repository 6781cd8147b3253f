// Package health observes pty host liveness signals and surfaces degraded
// states to the user. Unresponsiveness is not an error: the host may be
// busy. The user gets a persistent warning with a restart action, dismissed
// automatically once the host answers again.
package health

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/infrastructure/monitoring"
	"github.com/lumenide/backend/internal/notify"
)

// Restarter restarts the pty host on user request.
type Restarter interface {
	RestartHost()
}

// Monitor tracks the responsive/unresponsive cycle of the pty host.
type Monitor struct {
	logger    *logging.Logger
	notifier  notify.Notifier
	restarter Restarter
	metrics   *monitoring.Metrics

	mu           sync.Mutex
	unresponsive bool
	warning      notify.Handle
}

// NewMonitor creates a monitor. restarter may be nil when user-triggered
// restart is unavailable (tests).
func NewMonitor(logger *logging.Logger, notifier notify.Notifier, restarter Restarter, metrics *monitoring.Metrics) *Monitor {
	return &Monitor{
		logger:    logger.Named("health"),
		notifier:  notifier,
		restarter: restarter,
		metrics:   metrics,
	}
}

// HandleUnresponsive records that the host stopped answering. Repeated
// signals while already unresponsive keep the existing warning.
func (m *Monitor) HandleUnresponsive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unresponsive {
		return
	}
	m.unresponsive = true
	if m.metrics != nil {
		m.metrics.HostUnresponsive.Inc()
	}
	m.logger.Warn("pty host became unresponsive")

	actions := []notify.Action{}
	if m.restarter != nil {
		actions = append(actions, notify.Action{Label: "Restart Pty Host", Run: m.restarter.RestartHost})
	}
	m.warning = m.notifier.Notify(notify.SeverityWarning,
		"The terminal service is not responding.", actions...)
}

// HandleResponsive records that the host answered. Redundant signals while
// already responsive are no-ops.
func (m *Monitor) HandleResponsive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unresponsive {
		return
	}
	m.unresponsive = false
	m.logger.Info("pty host became responsive")
	m.dismissLocked()
}

// HandleRestarted records a host restart pulse, dismissing any outstanding
// warning.
func (m *Monitor) HandleRestarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unresponsive = false
	if m.metrics != nil {
		m.metrics.HostRestarts.Inc()
	}
	m.logger.Info("pty host restarted")
	m.dismissLocked()
}

// Unresponsive reports the current degraded flag.
func (m *Monitor) Unresponsive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unresponsive
}

func (m *Monitor) dismissLocked() {
	if m.warning != nil {
		m.warning.Close()
		m.warning = nil
	}
	if m.logger != nil {
		m.logger.Debug("host warning dismissed", zap.Bool("unresponsive", m.unresponsive))
	}
}
