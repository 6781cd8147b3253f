package ptyhost

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/infrastructure/monitoring"
	"github.com/lumenide/backend/internal/infrastructure/resilience"
	"github.com/lumenide/backend/internal/term"
)

// Registry maps host-assigned session ids to live handles and routes the
// host's event stream to them. Events addressed to unknown ids are dropped:
// the handle may already have been detached.
type Registry struct {
	conn    *Conn
	logger  *logging.Logger
	metrics *monitoring.Metrics
	breaker *resilience.Breaker

	mu       sync.Mutex
	sessions map[int]*Session
}

// NewRegistry creates a registry and subscribes it to the connection's
// session-scoped events.
func NewRegistry(conn *Conn, logger *logging.Logger, metrics *monitoring.Metrics, breaker *resilience.Breaker) *Registry {
	r := &Registry{
		conn:     conn,
		logger:   logger.Named("ptyhost.registry"),
		metrics:  metrics,
		breaker:  breaker,
		sessions: make(map[int]*Session),
	}

	conn.OnEvent(term.EventProcessData, r.onData)
	conn.OnEvent(term.EventProcessExit, r.onExit)
	conn.OnEvent(term.EventProcessReady, r.onReady)
	conn.OnEvent(term.EventProcessReplay, r.onReplay)
	conn.OnEvent(term.EventDidChangeProperty, r.onPropertyChange)
	conn.OnEvent(term.EventProcessOrphanQuestion, r.onOrphanQuestion)

	return r
}

// CreateProcess requests a new session from the host and registers the
// returned id before handing the handle to the caller.
func (r *Registry) CreateProcess(ctx context.Context, req term.CreateProcessRequest, listener Listener) (*Session, error) {
	var resp term.CreateProcessResponse
	err := r.breaker.Do(func() error {
		return r.conn.Call(ctx, term.MethodCreateProcess, req, &resp)
	})
	if err != nil {
		return nil, err
	}

	session := r.register(resp.ID, listener, term.ProcessDetails{
		ID:          resp.ID,
		Title:       req.ShellLaunchConfig.Name,
		TitleSource: term.TitleSourceAPI,
		Cwd:         req.Cwd,
		Icon:        req.ShellLaunchConfig.Icon,
		Color:       req.ShellLaunchConfig.Color,
		Persistent:  req.Persistent,
	})
	if r.metrics != nil {
		r.metrics.SessionsCreated.Inc()
	}
	r.logger.Info("session created", zap.Int("id", resp.ID))
	return session, nil
}

// AttachToProcess binds an existing host session to a local handle. A failed
// attach (stale id, host error) yields a nil session and a nil error: the
// caller sees "no session", and the failure is only traced.
func (r *Registry) AttachToProcess(ctx context.Context, sessionID int, listener Listener) (*Session, error) {
	var details term.ProcessDetails
	err := r.breaker.Do(func() error {
		return r.conn.Call(ctx, term.MethodAttachToProcess, term.AttachRequest{ID: sessionID}, &details)
	})
	if err != nil {
		r.logger.Debug("attach failed", zap.Int("id", sessionID), zap.Error(err))
		return nil, nil
	}

	session := r.register(sessionID, listener, details)
	r.logger.Info("session attached", zap.Int("id", sessionID))
	return session, nil
}

// DetachFromProcess unbinds a session locally and tells the host the window
// no longer listens. The host keeps persistent sessions alive.
func (r *Registry) DetachFromProcess(ctx context.Context, sessionID int) error {
	r.remove(sessionID)
	return r.conn.Call(ctx, term.MethodDetachFromProcess, term.SessionRequest{ID: sessionID}, nil)
}

// ListProcesses enumerates live sessions on the host.
func (r *Registry) ListProcesses(ctx context.Context) ([]term.ProcessDetails, error) {
	var resp term.ListProcessesResponse
	if err := r.conn.Call(ctx, term.MethodListProcesses, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Processes, nil
}

// RequestDetachInstance asks the window owning the instance to give it up.
// Returns the persistent process id to attach to, or 0 when the request was
// not granted.
func (r *Registry) RequestDetachInstance(ctx context.Context, workspaceID string, instanceID int) (int, error) {
	var persistentID int
	err := r.conn.Call(ctx, term.MethodRequestDetachInstance, term.DetachInstanceRequest{
		WorkspaceID: workspaceID, InstanceID: instanceID,
	}, &persistentID)
	if err != nil {
		return 0, err
	}
	return persistentID, nil
}

// AcceptDetachInstanceReply completes a detach negotiation. Sessions without
// a persistent id (feature terminals, non-persistent sessions) cannot move
// between windows: the host is not called and a warning is logged.
func (r *Registry) AcceptDetachInstanceReply(ctx context.Context, requestID string, persistentProcessID *int) error {
	if persistentProcessID == nil {
		r.logger.Warn("rejecting detach reply without persistent process id",
			zap.String("request_id", requestID))
		return nil
	}
	return r.conn.Call(ctx, term.MethodAcceptDetachInstanceReply, term.AcceptDetachReply{
		RequestID: requestID, PersistentProcessID: persistentProcessID,
	}, nil)
}

// SerializeTerminalState asks the host to serialize the given sessions.
func (r *Registry) SerializeTerminalState(ctx context.Context, ids []int) (term.SerializedState, error) {
	var resp term.SerializeStateResponse
	err := r.conn.Call(ctx, term.MethodSerializeTerminalState, term.SerializeStateRequest{IDs: ids}, &resp)
	if err != nil {
		return term.SerializedState{}, err
	}
	return resp.State, nil
}

// ReviveTerminalProcesses asks the host to reconstruct sessions from
// persisted entries.
func (r *Registry) ReviveTerminalProcesses(ctx context.Context, workspaceID string, entries []term.SerializedEntry) error {
	var resp term.ReviveResponse
	err := r.conn.Call(ctx, term.MethodReviveTerminalProcesses, term.ReviveRequest{
		WorkspaceID: workspaceID, State: entries,
	}, &resp)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.SessionsRevived.Add(float64(len(resp.IDMap)))
	}
	return nil
}

// SetTerminalLayoutInfo stores the workspace layout on the host.
func (r *Registry) SetTerminalLayoutInfo(ctx context.Context, layout term.LayoutInfo) error {
	return r.conn.Call(ctx, term.MethodSetTerminalLayoutInfo, term.SetLayoutRequest{Layout: layout}, nil)
}

// GetTerminalLayoutInfo fetches the workspace layout from the host.
func (r *Registry) GetTerminalLayoutInfo(ctx context.Context, workspaceID string) (*term.LayoutInfo, error) {
	var layout term.LayoutInfo
	err := r.conn.Call(ctx, term.MethodGetTerminalLayoutInfo, term.GetLayoutRequest{WorkspaceID: workspaceID}, &layout)
	if err != nil {
		return nil, err
	}
	return &layout, nil
}

// InstallAutoReply registers an output-triggered automatic input on the host.
func (r *Registry) InstallAutoReply(ctx context.Context, match, reply string) error {
	return r.conn.Call(ctx, term.MethodInstallAutoReply, term.InstallAutoReplyRequest{
		Match: match, Reply: reply,
	}, nil)
}

// UninstallAllAutoReplies clears every auto reply on the host.
func (r *Registry) UninstallAllAutoReplies(ctx context.Context) error {
	return r.conn.Call(ctx, term.MethodUninstallAllAutoReplies, nil, nil)
}

// TrackedIDs returns the ids of all currently registered sessions.
func (r *Registry) TrackedIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the handle for id, if registered.
func (r *Registry) Get(sessionID int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// HandleHostExit clears the registry after the host process died. Every
// handle is notified with a synthetic exit before removal.
func (r *Registry) HandleHostExit() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[int]*Session)
	if r.metrics != nil {
		r.metrics.SessionsActive.Set(0)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.listener.OnExit(-1)
	}
}

func (r *Registry) register(sessionID int, listener Listener, details term.ProcessDetails) *Session {
	if listener == nil {
		listener = NopListener{}
	}
	session := &Session{id: sessionID, registry: r, listener: listener, details: details}

	r.mu.Lock()
	r.sessions[sessionID] = session
	if r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()
	return session
}

func (r *Registry) remove(sessionID int) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	if r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()
}

func (r *Registry) lookup(sessionID int, event string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		// The handle may have been detached already.
		r.logger.Debug("event for unknown session", zap.String("event", event), zap.Int("id", sessionID))
	}
	return s, ok
}

func (r *Registry) onData(payload json.RawMessage) {
	var p term.DataEventPayload
	if !r.decode(payload, &p, term.EventProcessData) {
		return
	}
	if s, ok := r.lookup(p.ID, term.EventProcessData); ok {
		s.listener.OnData(p.Data)
	}
}

func (r *Registry) onExit(payload json.RawMessage) {
	var p term.ExitEventPayload
	if !r.decode(payload, &p, term.EventProcessExit) {
		return
	}
	s, ok := r.lookup(p.ID, term.EventProcessExit)
	if !ok {
		return
	}
	// Notify first, then remove: nothing may be dispatched to a removed id.
	s.listener.OnExit(p.ExitCode)
	r.remove(p.ID)
}

func (r *Registry) onReady(payload json.RawMessage) {
	var p term.ReadyEventPayload
	if !r.decode(payload, &p, term.EventProcessReady) {
		return
	}
	if s, ok := r.lookup(p.ID, term.EventProcessReady); ok {
		s.mu.Lock()
		s.details.Pid = p.Pid
		s.details.Cwd = p.Cwd
		s.mu.Unlock()
		s.listener.OnReady(p.Pid, p.Cwd)
	}
}

func (r *Registry) onReplay(payload json.RawMessage) {
	var p term.ReplayEventPayload
	if !r.decode(payload, &p, term.EventProcessReplay) {
		return
	}
	if s, ok := r.lookup(p.ID, term.EventProcessReplay); ok {
		s.listener.OnReplay(p.Replay)
	}
}

func (r *Registry) onPropertyChange(payload json.RawMessage) {
	var p term.PropertyEventPayload
	if !r.decode(payload, &p, term.EventDidChangeProperty) {
		return
	}
	if s, ok := r.lookup(p.ID, term.EventDidChangeProperty); ok {
		s.applyProperty(p.Property)
	}
}

func (r *Registry) onOrphanQuestion(payload json.RawMessage) {
	var p term.OrphanQuestionPayload
	if !r.decode(payload, &p, term.EventProcessOrphanQuestion) {
		return
	}
	if s, ok := r.lookup(p.ID, term.EventProcessOrphanQuestion); ok {
		s.listener.OnOrphanQuestion()
	}
}

func (r *Registry) decode(payload json.RawMessage, into interface{}, event string) bool {
	if err := sonic.Unmarshal(payload, into); err != nil {
		r.logger.Debug("malformed event payload", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}
