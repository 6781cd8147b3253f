package pty

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/term"
)

// Events carries the callbacks a Manager emits on. All callbacks are invoked
// from session goroutines; receivers serialize delivery themselves.
type Events struct {
	OnData           func(id int, data string)
	OnExit           func(id int, exitCode int)
	OnReady          func(id int, pid int, cwd string)
	OnPropertyChange func(id int, prop term.Property)
	OnOrphanQuestion func(id int)
}

// Manager owns every pty session in the host process. Session ids are
// host-assigned, monotonically increasing, and never reused within a host
// generation.
type Manager struct {
	logger  *logging.Logger
	events  Events
	matcher *autoReplyMatcher

	mu       sync.Mutex
	nextID   int
	sessions map[int]*Session
	layouts  map[string]term.LayoutInfo
}

// NewManager creates an empty session manager.
func NewManager(logger *logging.Logger, events Events) *Manager {
	return &Manager{
		logger:   logger.Named("pty"),
		events:   events,
		matcher:  newAutoReplyMatcher(),
		sessions: make(map[int]*Session),
		layouts:  make(map[string]term.LayoutInfo),
	}
}

// Create registers a new session and returns its id. The shell process is
// not launched until Start.
func (m *Manager) Create(req term.CreateProcessRequest) (int, error) {
	if req.ShellLaunchConfig.Executable == "" {
		return 0, fmt.Errorf("pty: create: executable is required")
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.sessions[id] = newSession(id, req, m.matcher)
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.Int("id", id),
		zap.String("executable", req.ShellLaunchConfig.Executable),
		zap.Bool("persistent", req.Persistent))
	return id, nil
}

// Start launches the session's shell process and emits the ready event.
func (m *Manager) Start(id int) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	onData := func(data string) { m.events.OnData(id, data) }
	onExit := func(code int) {
		m.logger.Info("session exited", zap.Int("id", id), zap.Int("code", code))
		m.events.OnExit(id, code)
		m.remove(id)
	}
	if err := s.start(onData, onExit); err != nil {
		m.remove(id)
		return err
	}

	details := s.details()
	m.events.OnReady(id, details.Pid, details.Cwd)
	return nil
}

// Attach binds a window to a session and returns its current details plus
// the output replay for the frontend to render.
func (m *Manager) Attach(id int) (term.ProcessDetails, term.ReplayState, error) {
	s, err := m.get(id)
	if err != nil {
		return term.ProcessDetails{}, term.ReplayState{}, err
	}

	s.mu.Lock()
	s.attached = true
	s.mu.Unlock()
	return s.details(), s.replay(), nil
}

// Detach unbinds the window. Non-persistent sessions die with their window;
// persistent ones raise the orphan question so the coordinator can decide.
func (m *Manager) Detach(id int) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.attached = false
	persistent := s.persistent
	s.mu.Unlock()

	if !persistent {
		m.kill(id, s)
		return nil
	}
	if m.events.OnOrphanQuestion != nil {
		m.events.OnOrphanQuestion(id)
	}
	return nil
}

// OrphanReply resolves a pending orphan question. An orphaned session has no
// window left to claim it and is shut down.
func (m *Manager) OrphanReply(id int, isOrphan bool) {
	s, err := m.get(id)
	if err != nil {
		return
	}
	if isOrphan {
		m.logger.Info("orphaned session shut down", zap.Int("id", id))
		m.kill(id, s)
	}
}

// kill terminates a session's process. A session that never started has no
// exit event to clean its entry up, so it is removed here.
func (m *Manager) kill(id int, s *Session) {
	s.kill()
	if !s.hasStarted() {
		m.remove(id)
	}
}

// RequestDetach looks up a movable session for a cross-window handover.
// Returns the persistent process id the requester may attach to, or 0 when
// the session is unknown, not persistent, or owned by another workspace.
func (m *Manager) RequestDetach(workspaceID string, instanceID int) int {
	s, err := m.get(instanceID)
	if err != nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.persistent || s.exited {
		return 0
	}
	if workspaceID != "" && s.workspaceID != "" && s.workspaceID != workspaceID {
		return 0
	}
	return s.id
}

// AcceptDetach releases a session from its current window so the requesting
// window can attach. The process keeps running and no orphan question is
// raised.
func (m *Manager) AcceptDetach(persistentID int) error {
	s, err := m.get(persistentID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.attached = false
	s.mu.Unlock()
	m.logger.Info("session released for handover", zap.Int("id", persistentID))
	return nil
}

// List reports every live session.
func (m *Manager) List() []term.ProcessDetails {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]term.ProcessDetails, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.details())
	}
	return out
}

// Input writes data to a session's shell.
func (m *Manager) Input(id int, data string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.input(data)
}

// Resize changes a session's pty dimensions.
func (m *Manager) Resize(id, cols, rows int) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.resize(cols, rows)
}

// Shutdown force-terminates a session. The exit event fires through the
// normal wait path.
func (m *Manager) Shutdown(id int) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	m.kill(id, s)
	return nil
}

// ShutdownAll force-terminates every session. Used on host terminate.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.kill()
	}
}

// UpdateTitle renames a session and reports the property change.
func (m *Manager) UpdateTitle(id int, title string, source term.TitleSource) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.title = title
	s.titleSource = source
	s.mu.Unlock()

	m.propertyChanged(id, term.Property{Type: term.PropertyTitle, Value: title})
	return nil
}

// UpdateIcon changes a session's icon and color.
func (m *Manager) UpdateIcon(id int, icon, color string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.icon = icon
	if color != "" {
		s.color = color
	}
	s.mu.Unlock()

	m.propertyChanged(id, term.Property{Type: term.PropertyIcon, Value: icon})
	if color != "" {
		m.propertyChanged(id, term.Property{Type: term.PropertyColor, Value: color})
	}
	return nil
}

// UpdateProperty sets an arbitrary session property.
func (m *Manager) UpdateProperty(id int, prop term.Property) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	switch prop.Type {
	case term.PropertyTitle:
		s.title = prop.Value
		s.titleSource = term.TitleSourceAPI
	case term.PropertyIcon:
		s.icon = prop.Value
	case term.PropertyColor:
		s.color = prop.Value
	case term.PropertyCwd:
		s.cwd = prop.Value
	}
	s.mu.Unlock()

	m.propertyChanged(id, prop)
	return nil
}

// InstallAutoReply registers an output-triggered reply for all sessions.
func (m *Manager) InstallAutoReply(match, reply string) {
	m.matcher.Install(match, reply)
}

// UninstallAllAutoReplies removes every auto reply.
func (m *Manager) UninstallAllAutoReplies() {
	m.matcher.UninstallAll()
}

// SerializeState captures the requested persistent sessions into the
// versioned envelope.
func (m *Manager) SerializeState(ids []int) term.SerializedState {
	state := term.SerializedState{Version: term.StateSchemaVersion}
	for _, id := range ids {
		s, err := m.get(id)
		if err != nil {
			continue
		}
		s.mu.Lock()
		persistent, exited := s.persistent, s.exited
		s.mu.Unlock()
		if !persistent || exited {
			continue
		}
		state.State = append(state.State, s.serialize())
	}
	return state
}

// ReviveState reconstructs sessions from persisted entries. The returned map
// translates persisted ids to the freshly assigned ones. The persisted
// replay buffer is seeded into the new session's ring so the first attach
// can restore scrollback.
func (m *Manager) ReviveState(workspaceID string, entries []term.SerializedEntry) (map[int]int, error) {
	idMap := make(map[int]int, len(entries))
	for _, entry := range entries {
		id, err := m.Create(term.CreateProcessRequest{
			ShellLaunchConfig: entry.ShellLaunchConfig,
			Cols:              entry.ProcessLaunchOptions.Cols,
			Rows:              entry.ProcessLaunchOptions.Rows,
			Env:               entry.ProcessLaunchOptions.Env,
			Persistent:        true,
			WorkspaceID:       workspaceID,
		})
		if err != nil {
			m.logger.Warn("revival entry skipped", zap.Int("id", entry.ID), zap.Error(err))
			continue
		}
		if entry.ReplayBuffer != "" {
			if s, getErr := m.get(id); getErr == nil {
				_, _ = s.ring.Write([]byte(entry.ReplayBuffer))
			}
		}
		if err := m.Start(id); err != nil {
			m.logger.Warn("revival entry failed to start", zap.Int("id", entry.ID), zap.Error(err))
			continue
		}
		idMap[entry.ID] = id
	}
	return idMap, nil
}

// SetLayout stores the tab/pane layout for a workspace.
func (m *Manager) SetLayout(layout term.LayoutInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layouts[layout.WorkspaceID] = layout
}

// GetLayout returns the stored layout for a workspace, zero if none.
func (m *Manager) GetLayout(workspaceID string) term.LayoutInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layouts[workspaceID]
}

func (m *Manager) propertyChanged(id int, prop term.Property) {
	if m.events.OnPropertyChange != nil {
		m.events.OnPropertyChange(id, prop)
	}
}

func (m *Manager) get(id int) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("pty: unknown session %d", id)
	}
	return s, nil
}

func (m *Manager) remove(id int) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
