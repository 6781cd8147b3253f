package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/infrastructure/monitoring"
	"github.com/lumenide/backend/internal/notify"
	"github.com/lumenide/backend/internal/protocol"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("supervisor already started")
	// ErrTerminated is returned when sending to a terminated child.
	ErrTerminated = errors.New("child process terminated")
)

// DefaultHandshakeTimeout bounds the time from spawn to the initialized
// sentinel before a warning is surfaced.
const DefaultHandshakeTimeout = 10 * time.Second

const killGracePeriod = 5 * time.Second

// Options configures one supervised child process.
type Options struct {
	Command string
	Args    []string
	// Env is layered over the inherited environment.
	Env         map[string]string
	WindowID    string
	WorkspaceID string

	HandshakeTimeout time.Duration

	// DevMode changes unexpected-exit handling: instead of a user
	// notification, the exit code is handed to OnDevExit so the invoking
	// harness can close the window or propagate the code.
	DevMode   bool
	OnDevExit func(code int)

	// OnReload is attached to crash notifications as the recovery action.
	OnReload func()
}

// Supervisor owns one child process lifetime. See the package doc for the
// handshake and queueing contract.
type Supervisor struct {
	opts     Options
	launcher Launcher
	logger   *logging.Logger
	notifier notify.Notifier
	reporter *CrashReporter
	metrics  *monitoring.Metrics

	// onMessage receives application messages once the child is ready.
	onMessage func(protocol.Message)
	// onExit fires after every exit, expected or not.
	onExit func(code int, expected bool)

	mu        sync.Mutex
	state     protocol.State
	queue     []protocol.Message
	transport protocol.Transport
	proc      Process
	spawnedAt time.Time
	token     string

	handshakeTimer *time.Timer
	ready          chan struct{}
	done           chan struct{}
}

// New creates a supervisor. onMessage must be non-nil; it receives every
// application message (requests, responses, events) from the child.
func New(opts Options, launcher Launcher, logger *logging.Logger, notifier notify.Notifier, reporter *CrashReporter, metrics *monitoring.Metrics, onMessage func(protocol.Message)) *Supervisor {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	return &Supervisor{
		opts:      opts,
		launcher:  launcher,
		logger:    logger.Named("supervisor"),
		notifier:  notifier,
		reporter:  reporter,
		metrics:   metrics,
		onMessage: onMessage,
		state:     protocol.StateSpawning,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// OnExit registers a hook invoked after the child exits. Must be called
// before Start.
func (s *Supervisor) OnExit(fn func(code int, expected bool)) {
	s.onExit = fn
}

// State returns the current readiness state.
func (s *Supervisor) State() protocol.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready is closed once the handshake completes and the queue has flushed.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed once the child has fully terminated.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// setStateLocked advances the state machine through the transition table. An
// illegal move indicates a supervisor bug; the state is left unchanged so the
// caller's invariants still hold.
func (s *Supervisor) setStateLocked(next protocol.State) {
	st, err := s.state.Transition(next)
	if err != nil {
		s.logger.Error("illegal state transition", zap.Error(err))
		return
	}
	s.state = st
}

// Start spawns the child process and begins the handshake. On spawn failure
// the supervisor enters Terminated and any queued messages are dropped; the
// spawn error is the only thing surfaced.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != protocol.StateSpawning {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	token := uuid.NewString()
	env := mergedEnv(s.opts.Env, s.opts.WindowID, token)

	transport, proc, err := s.launcher.Launch(ctx, s.opts.Command, s.opts.Args, env)
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(protocol.StateTerminated)
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		return fmt.Errorf("start child process: %w", err)
	}

	s.mu.Lock()
	s.transport = transport
	s.proc = proc
	s.token = token
	s.spawnedAt = time.Now()
	s.setStateLocked(protocol.StateAwaitingReady)
	s.handshakeTimer = time.AfterFunc(s.opts.HandshakeTimeout, s.handshakeExpired)
	s.mu.Unlock()

	s.logger.Info("child process spawned",
		zap.String("command", s.opts.Command),
		zap.Int("pid", proc.Pid()),
		zap.String("window_id", s.opts.WindowID),
		zap.String("correlation_token", token),
	)

	go s.readLoop()
	go s.waitLoop()
	return nil
}

// Send delivers msg to the child. Before readiness it is queued FIFO; queued
// messages are flushed in order, exactly once, before anything submitted
// after the flush.
func (s *Supervisor) Send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case protocol.StateReady:
		return s.sendLocked(msg)
	case protocol.StateTerminating, protocol.StateTerminated:
		return ErrTerminated
	default:
		s.queue = append(s.queue, msg)
		if s.metrics != nil {
			s.metrics.MessagesQueued.Set(float64(len(s.queue)))
		}
		return nil
	}
}

// Terminate asks the child to shut down and waits for it to exit. Any
// subsequent exit is treated as expected.
func (s *Supervisor) Terminate() error {
	s.mu.Lock()
	switch s.state {
	case protocol.StateTerminated:
		s.mu.Unlock()
		return nil
	case protocol.StateTerminating:
		s.mu.Unlock()
		<-s.done
		return nil
	case protocol.StateSpawning:
		// Never launched: nothing to stop.
		s.setStateLocked(protocol.StateTerminated)
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		return nil
	}

	s.setStateLocked(protocol.StateTerminating)
	transport := s.transport
	proc := s.proc
	s.mu.Unlock()

	if err := transport.Send(protocol.Message{Kind: protocol.KindTerminate}); err != nil {
		s.logger.Debug("terminate sentinel not delivered", zap.Error(err))
	}

	select {
	case <-s.done:
	case <-time.After(killGracePeriod):
		s.logger.Warn("child did not exit after terminate sentinel, killing",
			zap.Int("pid", proc.Pid()))
		_ = proc.Kill()
		<-s.done
	}
	return nil
}

func (s *Supervisor) sendLocked(msg protocol.Message) error {
	if err := s.transport.Send(msg); err != nil {
		return fmt.Errorf("send to child: %w", err)
	}
	if s.metrics != nil {
		s.metrics.MessagesSent.Inc()
	}
	return nil
}

func (s *Supervisor) readLoop() {
	for {
		msg, err := s.transport.Recv()
		if err != nil {
			// EOF or decode failure: the wait loop owns exit handling.
			s.logger.Debug("transport closed", zap.Error(err))
			return
		}
		s.handle(msg)
	}
}

func (s *Supervisor) handle(msg protocol.Message) {
	s.mu.Lock()
	switch s.state {
	case protocol.StateAwaitingReady:
		switch msg.Kind {
		case protocol.KindReady:
			s.setStateLocked(protocol.StateInitializing)
			init := protocol.Message{
				Kind: protocol.KindInitialize,
				Init: &protocol.InitPayload{
					WindowID:         s.opts.WindowID,
					WorkspaceID:      s.opts.WorkspaceID,
					CorrelationToken: s.token,
					Env:              s.opts.Env,
					DevMode:          s.opts.DevMode,
				},
			}
			err := s.sendLocked(init)
			s.mu.Unlock()
			if err != nil {
				s.logger.Error("failed to send initialize payload", zap.Error(err))
			}
		case protocol.KindLog:
			s.mu.Unlock()
			s.routeLog(msg)
		default:
			s.mu.Unlock()
			s.violation(msg, "awaiting-ready")
		}

	case protocol.StateInitializing:
		switch msg.Kind {
		case protocol.KindInitialized:
			// Flush under the lock so nothing submitted afterwards can
			// overtake the queue.
			s.setStateLocked(protocol.StateReady)
			s.handshakeTimer.Stop()
			queued := s.queue
			s.queue = nil
			for _, m := range queued {
				if err := s.sendLocked(m); err != nil {
					s.logger.Error("failed to flush queued message", zap.Error(err))
				}
			}
			if s.metrics != nil {
				s.metrics.MessagesQueued.Set(0)
				s.metrics.HandshakeDuration.Observe(time.Since(s.spawnedAt).Seconds())
			}
			flushed := len(queued)
			s.mu.Unlock()
			close(s.ready)
			s.logger.Info("handshake complete", zap.Int("flushed", flushed))
		case protocol.KindLog:
			s.mu.Unlock()
			s.routeLog(msg)
		default:
			s.mu.Unlock()
			s.violation(msg, "initializing")
		}

	case protocol.StateReady:
		s.mu.Unlock()
		if msg.Kind == protocol.KindLog {
			s.routeLog(msg)
			return
		}
		s.onMessage(msg)

	default:
		// Terminating or terminated: late messages are dropped.
		s.mu.Unlock()
	}
}

// violation records a pre-handshake message that is neither a sentinel nor a
// log record. The original behavior is to drop these silently; a debug trace
// is kept for diagnosability.
func (s *Supervisor) violation(msg protocol.Message, phase string) {
	s.logger.Debug("dropping pre-handshake message",
		zap.String("kind", string(msg.Kind)),
		zap.String("phase", phase),
	)
}

func (s *Supervisor) routeLog(msg protocol.Message) {
	child := s.logger.Named("child")
	switch msg.Level {
	case "debug":
		child.Debug(msg.Text)
	case "warn":
		child.Warn(msg.Text)
	case "error":
		child.Error(msg.Text)
	default:
		child.Info(msg.Text)
	}
}

func (s *Supervisor) handshakeExpired() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != protocol.StateAwaitingReady && state != protocol.StateInitializing {
		return
	}

	// Non-fatal: the process keeps running, the user just learns it is slow.
	s.logger.Warn("child handshake not completed in time",
		zap.Duration("timeout", s.opts.HandshakeTimeout))
	s.notifier.Notify(notify.SeverityWarning,
		fmt.Sprintf("The terminal host is taking longer than %s to start.", s.opts.HandshakeTimeout))
}

func (s *Supervisor) waitLoop() {
	code := s.proc.Wait()

	s.mu.Lock()
	prev := s.state
	s.setStateLocked(protocol.StateTerminated)
	s.queue = nil
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
	}
	transport := s.transport
	s.mu.Unlock()

	_ = transport.Close()
	close(s.done)

	expected := prev == protocol.StateTerminating
	if expected {
		s.logger.Info("child exited", zap.Int("code", code))
	} else {
		s.handleCrash(code)
	}

	if s.onExit != nil {
		s.onExit(code, expected)
	}
}

func (s *Supervisor) handleCrash(code int) {
	s.logger.Error("child exited unexpectedly", zap.Int("code", code))
	if s.metrics != nil {
		s.metrics.HostCrashes.Inc()
	}

	if s.opts.DevMode {
		if s.opts.OnDevExit != nil {
			s.opts.OnDevExit(code)
		}
		return
	}

	message := fmt.Sprintf("The terminal host process terminated unexpectedly (exit code %d).", code)
	if !s.reporter.Report(message, s.opts.OnReload) {
		s.logger.Debug("crash notification suppressed as duplicate")
	}
}

// mergedEnv layers custom over the inherited environment and appends the
// correlation variables.
func mergedEnv(custom map[string]string, windowID, token string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range custom {
		merged[k] = v
	}
	merged["LUMEN_WINDOW_ID"] = windowID
	merged["LUMEN_CORRELATION_TOKEN"] = token

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
