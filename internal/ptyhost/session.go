package ptyhost

import (
	"context"
	"sync"

	"github.com/lumenide/backend/internal/term"
)

// Listener receives events for one terminal session, in receipt order.
// Implementations must not block; delivery happens on the dispatch
// goroutine.
type Listener interface {
	OnData(data string)
	OnReady(pid int, cwd string)
	OnExit(exitCode int)
	OnReplay(replay term.ReplayState)
	OnPropertyChange(prop term.Property)
	OnOrphanQuestion()
}

// NopListener implements Listener with no-ops. Embed it to implement only
// the events a caller cares about.
type NopListener struct{}

func (NopListener) OnData(string)                  {}
func (NopListener) OnReady(int, string)            {}
func (NopListener) OnExit(int)                     {}
func (NopListener) OnReplay(term.ReplayState)      {}
func (NopListener) OnPropertyChange(term.Property) {}
func (NopListener) OnOrphanQuestion()              {}

// Session is the in-process handle for one host-owned terminal session. It
// never owns the underlying process; the host does.
type Session struct {
	id       int
	registry *Registry
	listener Listener

	mu      sync.Mutex
	details term.ProcessDetails
}

// ID returns the host-assigned session id.
func (s *Session) ID() int {
	return s.id
}

// Details returns a copy of the last known session details.
func (s *Session) Details() term.ProcessDetails {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.details
}

// Start launches the session's shell process on the host. Create only
// allocates; nothing runs until Start.
func (s *Session) Start(ctx context.Context) error {
	return s.registry.conn.Call(ctx, term.MethodStartProcess, term.SessionRequest{ID: s.id}, nil)
}

// Input writes data to the session.
func (s *Session) Input(ctx context.Context, data string) error {
	return s.registry.conn.Call(ctx, term.MethodInput, term.InputRequest{ID: s.id, Data: data}, nil)
}

// Resize changes the session dimensions.
func (s *Session) Resize(ctx context.Context, cols, rows int) error {
	return s.registry.conn.Call(ctx, term.MethodResize, term.ResizeRequest{ID: s.id, Cols: cols, Rows: rows}, nil)
}

// Shutdown asks the host to terminate the session's process.
func (s *Session) Shutdown(ctx context.Context) error {
	return s.registry.conn.Call(ctx, term.MethodShutdownProcess, term.SessionRequest{ID: s.id}, nil)
}

// UpdateTitle renames the session on the host.
func (s *Session) UpdateTitle(ctx context.Context, title string, source term.TitleSource) error {
	err := s.registry.conn.Call(ctx, term.MethodUpdateTitle, term.UpdateTitleRequest{
		ID: s.id, Title: title, TitleSource: source,
	}, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.details.Title = title
	s.details.TitleSource = source
	s.mu.Unlock()
	return nil
}

// UpdateIcon changes the session icon and color on the host.
func (s *Session) UpdateIcon(ctx context.Context, icon, color string) error {
	err := s.registry.conn.Call(ctx, term.MethodUpdateIcon, term.UpdateIconRequest{
		ID: s.id, Icon: icon, Color: color,
	}, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.details.Icon = icon
	s.details.Color = color
	s.mu.Unlock()
	return nil
}

// UpdateProperty sets an arbitrary property on the host.
func (s *Session) UpdateProperty(ctx context.Context, prop term.Property) error {
	return s.registry.conn.Call(ctx, term.MethodUpdateProperty, term.UpdatePropertyRequest{
		ID: s.id, Property: prop,
	}, nil)
}

// AnswerOrphan replies to a pending orphan question for this session.
func (s *Session) AnswerOrphan(ctx context.Context, isOrphan bool) error {
	return s.registry.conn.Call(ctx, term.MethodOrphanQuestionReply, term.OrphanReply{
		ID: s.id, IsOrphan: isOrphan,
	}, nil)
}

func (s *Session) applyProperty(prop term.Property) {
	s.mu.Lock()
	switch prop.Type {
	case term.PropertyTitle:
		s.details.Title = prop.Value
		s.details.TitleSource = term.TitleSourceProcess
	case term.PropertyIcon:
		s.details.Icon = prop.Value
	case term.PropertyColor:
		s.details.Color = prop.Value
	case term.PropertyCwd:
		s.details.Cwd = prop.Value
	}
	s.mu.Unlock()
	s.listener.OnPropertyChange(prop)
}
