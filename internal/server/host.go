package server

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lumenide/backend/internal/health"
	"github.com/lumenide/backend/internal/infrastructure/config"
	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/infrastructure/monitoring"
	"github.com/lumenide/backend/internal/infrastructure/resilience"
	"github.com/lumenide/backend/internal/notify"
	"github.com/lumenide/backend/internal/protocol"
	"github.com/lumenide/backend/internal/ptyhost"
	"github.com/lumenide/backend/internal/supervisor"
	"github.com/lumenide/backend/internal/term"
)

type senderFunc func(protocol.Message) error

func (f senderFunc) Send(msg protocol.Message) error { return f(msg) }

// HostManager owns the pty host child process across restarts. Each spawn is
// one supervisor generation with its own connection and registry; the manager
// is the stable handle the rest of the coordinator talks to.
type HostManager struct {
	cfg         config.PtyHostConfig
	windowID    string
	workspaceID string

	logger   *logging.Logger
	notifier notify.Notifier
	reporter *supervisor.CrashReporter
	breaker  *resilience.Breaker
	metrics  *monitoring.Metrics
	monitor  *health.Monitor

	// launcher overrides the exec launcher; nil means real processes.
	launcher supervisor.Launcher

	// onGeneration runs after each spawn so callers can re-register
	// connection handlers lost with the previous generation.
	onGeneration func(conn *ptyhost.Conn, registry *ptyhost.Registry)

	// onDevExit receives the exit code of a dev-mode crash so the invoking
	// harness can propagate it instead of showing a notification.
	onDevExit func(code int)

	mu       sync.Mutex
	sup      *supervisor.Supervisor
	conn     *ptyhost.Conn
	registry *ptyhost.Registry
	hbStop   context.CancelFunc
	closed   bool
}

// NewHostManager creates a manager; nothing is spawned until Start.
func NewHostManager(cfg config.PtyHostConfig, windowID, workspaceID string, logger *logging.Logger, notifier notify.Notifier, reporter *supervisor.CrashReporter, breaker *resilience.Breaker, metrics *monitoring.Metrics) *HostManager {
	return &HostManager{
		cfg:         cfg,
		windowID:    windowID,
		workspaceID: workspaceID,
		logger:      logger.Named("host"),
		notifier:    notifier,
		reporter:    reporter,
		breaker:     breaker,
		metrics:     metrics,
	}
}

// SetMonitor attaches the health monitor. Must happen before Start; the
// monitor needs the manager as its Restarter, hence the two-step wiring.
func (h *HostManager) SetMonitor(m *health.Monitor) {
	h.monitor = m
}

// OnGeneration registers the per-spawn hook. Must be called before Start.
func (h *HostManager) OnGeneration(fn func(conn *ptyhost.Conn, registry *ptyhost.Registry)) {
	h.onGeneration = fn
}

// OnDevExit registers the dev-mode crash hook. Must be called before Start;
// only consulted when the configuration enables dev mode.
func (h *HostManager) OnDevExit(fn func(code int)) {
	h.onDevExit = fn
}

// Start spawns the first pty host generation.
func (h *HostManager) Start(ctx context.Context) error {
	return h.spawn(ctx)
}

func (h *HostManager) spawn(ctx context.Context) error {
	var sup *supervisor.Supervisor
	conn := ptyhost.NewConn(senderFunc(func(msg protocol.Message) error {
		return sup.Send(msg)
	}), h.logger, h.metrics)

	sup = supervisor.New(supervisor.Options{
		Command:          h.cfg.Binary,
		WindowID:         h.windowID,
		WorkspaceID:      h.workspaceID,
		HandshakeTimeout: h.cfg.HandshakeTimeout,
		DevMode:          h.cfg.DevMode,
		OnDevExit:        h.onDevExit,
		OnReload:         func() { h.RestartHost() },
	}, h.launcher, h.logger, h.notifier, h.reporter, h.metrics, conn.HandleMessage)

	registry := ptyhost.NewRegistry(conn, h.logger, h.metrics, h.breaker)

	hbCtx, hbStop := context.WithCancel(context.Background())
	sup.OnExit(func(code int, expected bool) {
		hbStop()
		conn.Close()
		registry.HandleHostExit()
	})

	if h.onGeneration != nil {
		h.onGeneration(conn, registry)
	}

	if err := sup.Start(ctx); err != nil {
		hbStop()
		return fmt.Errorf("spawn pty host: %w", err)
	}

	if h.monitor != nil {
		// Probing during the handshake would trip the monitor while the
		// child is still within its startup budget.
		go func() {
			select {
			case <-sup.Ready():
				conn.Heartbeat(hbCtx, h.cfg.HeartbeatInterval, h.cfg.HeartbeatTimeout, h.monitor)
			case <-sup.Done():
			case <-hbCtx.Done():
			}
		}()
	}

	h.mu.Lock()
	h.sup = sup
	h.conn = conn
	h.registry = registry
	h.hbStop = hbStop
	h.mu.Unlock()
	return nil
}

// RestartHost tears the current generation down and spawns a fresh one. It
// implements health.Restarter, so the "Restart Pty Host" notification action
// lands here.
func (h *HostManager) RestartHost() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	sup := h.sup
	h.mu.Unlock()

	h.logger.Info("restarting pty host")
	if sup != nil {
		if err := sup.Terminate(); err != nil {
			h.logger.Warn("terminate before restart failed", zap.Error(err))
		}
	}

	h.breaker.Reset()
	if err := h.spawn(context.Background()); err != nil {
		h.logger.Error("pty host restart failed", zap.Error(err))
		h.notifier.Notify(notify.SeverityError, "The terminal service could not be restarted.")
		return
	}
	if h.monitor != nil {
		h.monitor.HandleRestarted()
	}
}

// Registry returns the current generation's session registry.
func (h *HostManager) Registry() *ptyhost.Registry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry
}

// State reports the current supervisor readiness state.
func (h *HostManager) State() protocol.State {
	h.mu.Lock()
	sup := h.sup
	h.mu.Unlock()
	if sup == nil {
		return protocol.StateSpawning
	}
	return sup.State()
}

// Close terminates the child for good. The manager cannot be restarted after.
func (h *HostManager) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sup := h.sup
	h.mu.Unlock()

	if sup == nil {
		return nil
	}
	return sup.Terminate()
}

// TrackedIDs implements revival.TerminalHost.
func (h *HostManager) TrackedIDs() []int {
	registry := h.Registry()
	if registry == nil {
		return nil
	}
	return registry.TrackedIDs()
}

// SerializeTerminalState implements revival.TerminalHost.
func (h *HostManager) SerializeTerminalState(ctx context.Context, ids []int) (term.SerializedState, error) {
	registry := h.Registry()
	if registry == nil {
		return term.SerializedState{}, fmt.Errorf("pty host not started")
	}
	return registry.SerializeTerminalState(ctx, ids)
}

// ReviveTerminalProcesses implements revival.TerminalHost.
func (h *HostManager) ReviveTerminalProcesses(ctx context.Context, workspaceID string, entries []term.SerializedEntry) error {
	registry := h.Registry()
	if registry == nil {
		return fmt.Errorf("pty host not started")
	}
	return registry.ReviveTerminalProcesses(ctx, workspaceID, entries)
}

// SetTerminalLayoutInfo implements revival.TerminalHost.
func (h *HostManager) SetTerminalLayoutInfo(ctx context.Context, layout term.LayoutInfo) error {
	registry := h.Registry()
	if registry == nil {
		return fmt.Errorf("pty host not started")
	}
	return registry.SetTerminalLayoutInfo(ctx, layout)
}
