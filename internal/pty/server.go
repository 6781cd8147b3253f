package pty

import (
	"context"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/protocol"
	"github.com/lumenide/backend/internal/term"
)

// Server is the child side of the stdio protocol: it performs the handshake,
// serves the terminal RPC surface, and forwards session events upstream. All
// writes go through a single goroutine so frames never interleave.
type Server struct {
	transport protocol.Transport
	logger    *logging.Logger
	manager   *Manager

	out  chan protocol.Message
	init protocol.InitPayload
}

// NewServer creates a server speaking the protocol over transport. Local
// diagnostics go to logger (stderr); operational records are additionally
// forwarded to the parent as log messages.
func NewServer(transport protocol.Transport, logger *logging.Logger) *Server {
	s := &Server{
		transport: transport,
		logger:    logger.Named("ptyhost"),
		out:       make(chan protocol.Message, 256),
	}
	s.manager = NewManager(logger, Events{
		OnData: func(id int, data string) {
			s.emit(term.EventProcessData, term.DataEventPayload{ID: id, Data: data})
		},
		OnExit: func(id, code int) {
			s.emit(term.EventProcessExit, term.ExitEventPayload{ID: id, ExitCode: code})
		},
		OnReady: func(id, pid int, cwd string) {
			s.emit(term.EventProcessReady, term.ReadyEventPayload{ID: id, Pid: pid, Cwd: cwd})
		},
		OnPropertyChange: func(id int, prop term.Property) {
			s.emit(term.EventDidChangeProperty, term.PropertyEventPayload{ID: id, Property: prop})
		},
		OnOrphanQuestion: func(id int) {
			s.emit(term.EventProcessOrphanQuestion, term.OrphanQuestionPayload{ID: id})
		},
	})
	return s
}

// Run performs the handshake and serves until the parent sends terminate or
// the stream closes.
func (s *Server) Run(ctx context.Context) error {
	writerDone := make(chan struct{})
	go s.writeLoop(writerDone)
	defer func() {
		close(s.out)
		<-writerDone
	}()

	s.send(protocol.Message{Kind: protocol.KindReady})

	if err := s.awaitInitialize(ctx); err != nil {
		return err
	}
	s.send(protocol.Message{Kind: protocol.KindInitialized})
	s.forwardLog("info", "pty host initialized")

	for {
		if ctx.Err() != nil {
			s.manager.ShutdownAll()
			return ctx.Err()
		}

		msg, err := s.transport.Recv()
		if err == io.EOF {
			// Parent is gone; sessions must not outlive the pipe.
			s.manager.ShutdownAll()
			return nil
		}
		if err != nil {
			s.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}

		switch msg.Kind {
		case protocol.KindTerminate:
			s.manager.ShutdownAll()
			return nil
		case protocol.KindRequest:
			s.dispatch(msg)
		default:
			s.logger.Debug("unexpected message kind", zap.String("kind", string(msg.Kind)))
		}
	}
}

// awaitInitialize reads until the initialize payload arrives. Anything else
// received before it is dropped.
func (s *Server) awaitInitialize(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := s.transport.Recv()
		if err != nil {
			return fmt.Errorf("await initialize: %w", err)
		}
		if msg.Kind != protocol.KindInitialize {
			s.logger.Debug("message before initialize dropped",
				zap.String("kind", string(msg.Kind)))
			continue
		}
		s.init = *msg.Init
		return nil
	}
}

func (s *Server) dispatch(msg protocol.Message) {
	result, err := s.handle(msg.Method, msg.Params)

	reply := protocol.Message{Kind: protocol.KindResponse, ID: msg.ID}
	if err != nil {
		reply.Error = err.Error()
	} else if result != nil {
		raw, marshalErr := sonic.Marshal(result)
		if marshalErr != nil {
			reply.Error = marshalErr.Error()
		} else {
			reply.Result = raw
		}
	}
	s.send(reply)
}

func (s *Server) handle(method string, params []byte) (any, error) {
	switch method {
	case term.MethodEcho:
		return sonicRaw(params), nil

	case term.MethodCreateProcess:
		var req term.CreateProcessRequest
		if err := sonic.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		id, err := s.manager.Create(req)
		if err != nil {
			return nil, err
		}
		return term.CreateProcessResponse{ID: id}, nil

	case term.MethodStartProcess:
		req, err := sessionParams(params)
		if err != nil {
			return nil, err
		}
		return nil, s.manager.Start(req.ID)

	case term.MethodAttachToProcess:
		req, err := sessionParams(params)
		if err != nil {
			return nil, err
		}
		details, replay, err := s.manager.Attach(req.ID)
		if err != nil {
			return nil, err
		}
		s.emit(term.EventProcessReplay, term.ReplayEventPayload{ID: req.ID, Replay: replay})
		return details, nil

	case term.MethodDetachFromProcess:
		req, err := sessionParams(params)
		if err != nil {
			return nil, err
		}
		return nil, s.manager.Detach(req.ID)

	case term.MethodRequestDetachInstance:
		var req term.DetachInstanceRequest
		if err := sonic.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return s.manager.RequestDetach(req.WorkspaceID, req.InstanceID), nil

	case term.MethodAcceptDetachInstanceReply:
		var req term.AcceptDetachReply
		if err := sonic.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		if req.PersistentProcessID == nil {
			return nil, nil
		}
		return nil, s.manager.AcceptDetach(*req.PersistentProcessID)

	case term.MethodListProcesses:
		return term.ListProcessesResponse{Processes: s.manager.List()}, nil

	case term.MethodInput:
		var req term.InputRequest
		if err := sonic.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return nil, s.manager.Input(req.ID, req.Data)

	case term.MethodResize:
		var req term.ResizeRequest
		if err := sonic.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return nil, s.manager.Resize(req.ID, req.Cols, req.Rows)

	case term.MethodShutdownProcess:
		req, err := sessionParams(params)
		if err != nil {
			return nil, err
		}
		return nil, s.manager.Shutdown(req.ID)

	case term.MethodAcknowledgeDataEvent:
		// Flow control acknowledgement; accepted for protocol compatibility.
		return nil, nil

	case term.MethodUpdateTitle:
		var req term.UpdateTitleRequest
		if err := sonic.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return nil, s.manager.UpdateTitle(req.ID, req.Title, req.TitleSource)

	case term.MethodUpdateIcon:
		var req term.UpdateIconRequest
		if err := sonic.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return nil, s.manager.UpdateIcon(req.ID, req.Icon, req.Color)

	case term.MethodUpdateProperty:
		var req term.UpdatePropertyRequest
		if err := sonic.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return nil, s.manager.UpdateProperty(req.ID, req.Property)

	case term.MethodInstallAutoReply:
		var req term.InstallAutoReplyRequest
		if err := sonic.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		s.manager.InstallAutoReply(req.Match, req.Reply)
		return nil, nil

	case term.MethodUninstallAllAutoReplies:
		s.manager.UninstallAllAutoReplies()
		return nil, nil

	case term.MethodSerializeTerminalState:
		var req term.SerializeStateRequest
		if err := sonic.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return term.SerializeStateResponse{State: s.manager.SerializeState(req.IDs)}, nil

	case term.MethodReviveTerminalProcesses:
		var req term.ReviveRequest
		if err := sonic.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		idMap, err := s.manager.ReviveState(req.WorkspaceID, req.State)
		if err != nil {
			return nil, err
		}
		return term.ReviveResponse{IDMap: idMap}, nil

	case term.MethodSetTerminalLayoutInfo:
		var req term.SetLayoutRequest
		if err := sonic.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		s.manager.SetLayout(req.Layout)
		return nil, nil

	case term.MethodGetTerminalLayoutInfo:
		var req term.GetLayoutRequest
		if err := sonic.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return s.manager.GetLayout(req.WorkspaceID), nil

	case term.MethodOrphanQuestionReply:
		var req term.OrphanReply
		if err := sonic.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		s.manager.OrphanReply(req.ID, req.IsOrphan)
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

// emit queues an event frame, dropping it when the writer cannot keep up.
// Responses and handshake frames go through send instead; only events are
// droppable.
func (s *Server) emit(event string, payload any) {
	raw, err := sonic.Marshal(payload)
	if err != nil {
		s.logger.Warn("event payload marshal failed", zap.String("event", event), zap.Error(err))
		return
	}

	defer func() {
		// The out channel closes when Run returns; late session events
		// must not crash the process.
		_ = recover()
	}()
	select {
	case s.out <- protocol.Message{Kind: protocol.KindEvent, Event: event, Payload: raw}:
	default:
		s.logger.Warn("event dropped, writer stalled", zap.String("event", event))
	}
}

func (s *Server) send(msg protocol.Message) {
	defer func() {
		// The out channel closes when Run returns; late session events
		// must not crash the process.
		_ = recover()
	}()
	s.out <- msg
}

func (s *Server) forwardLog(level, text string) {
	s.send(protocol.Message{Kind: protocol.KindLog, Level: level, Text: text})
}

func (s *Server) writeLoop(done chan<- struct{}) {
	defer close(done)
	for msg := range s.out {
		if err := s.transport.Send(msg); err != nil {
			s.logger.Warn("frame write failed", zap.Error(err))
		}
	}
}

func sessionParams(params []byte) (term.SessionRequest, error) {
	var req term.SessionRequest
	err := sonic.Unmarshal(params, &req)
	return req, err
}

// sonicRaw echoes raw params back as a result without re-encoding.
func sonicRaw(params []byte) any {
	if len(params) == 0 {
		return map[string]any{}
	}
	var v any
	if err := sonic.Unmarshal(params, &v); err != nil {
		return map[string]any{}
	}
	return v
}
