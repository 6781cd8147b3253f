package ptyhost

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/infrastructure/resilience"
	"github.com/lumenide/backend/internal/protocol"
	"github.com/lumenide/backend/internal/term"
)

// scriptedSender records outbound messages and can synthesize host replies.
type scriptedSender struct {
	conn *Conn

	mu      sync.Mutex
	sent    []protocol.Message
	respond func(msg protocol.Message) *protocol.Message
	err     error
}

func (s *scriptedSender) Send(msg protocol.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	fn := s.respond
	err := s.err
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if fn != nil {
		if resp := fn(msg); resp != nil {
			go s.conn.HandleMessage(*resp)
		}
	}
	return nil
}

func (s *scriptedSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func okResponder(result string) func(protocol.Message) *protocol.Message {
	return func(msg protocol.Message) *protocol.Message {
		return &protocol.Message{
			Kind:   protocol.KindResponse,
			ID:     msg.ID,
			Result: json.RawMessage(result),
		}
	}
}

func newTestConn(responder func(protocol.Message) *protocol.Message) (*Conn, *scriptedSender) {
	sender := &scriptedSender{respond: responder}
	conn := NewConn(sender, logging.NewNop(), nil)
	sender.conn = conn
	return conn, sender
}

func newTestRegistry(responder func(protocol.Message) *protocol.Message) (*Registry, *scriptedSender) {
	conn, sender := newTestConn(responder)
	breaker := resilience.New("test", resilience.Settings{})
	return NewRegistry(conn, logging.NewNop(), nil, breaker), sender
}

type recordingListener struct {
	NopListener
	mu      sync.Mutex
	data    []string
	exits   []int
	replays []term.ReplayState
	props   []term.Property
	orphans int
}

func (l *recordingListener) OnData(data string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = append(l.data, data)
}

func (l *recordingListener) OnExit(code int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exits = append(l.exits, code)
}

func (l *recordingListener) OnReplay(replay term.ReplayState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replays = append(l.replays, replay)
}

func (l *recordingListener) OnPropertyChange(prop term.Property) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.props = append(l.props, prop)
}

func (l *recordingListener) OnOrphanQuestion() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orphans++
}

func event(t *testing.T, name string, payload any) protocol.Message {
	t.Helper()
	raw, err := sonic.Marshal(payload)
	require.NoError(t, err)
	return protocol.Message{Kind: protocol.KindEvent, Event: name, Payload: raw}
}

func TestCallRoundTrip(t *testing.T) {
	conn, _ := newTestConn(okResponder(`{"id":5}`))

	var resp term.CreateProcessResponse
	err := conn.Call(context.Background(), term.MethodCreateProcess, term.CreateProcessRequest{}, &resp)
	require.NoError(t, err)
	assert.Equal(t, 5, resp.ID)
}

func TestCallSurfacesHostError(t *testing.T) {
	conn, _ := newTestConn(func(msg protocol.Message) *protocol.Message {
		return &protocol.Message{Kind: protocol.KindResponse, ID: msg.ID, Error: "unknown session 9"}
	})

	err := conn.Call(context.Background(), term.MethodInput, term.InputRequest{ID: 9}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session 9")
}

func TestCallCancelledContext(t *testing.T) {
	conn, _ := newTestConn(nil) // never responds

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := conn.Call(ctx, term.MethodEcho, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A late response for the dropped call must be discarded quietly.
	assert.NotPanics(t, func() {
		conn.HandleMessage(protocol.Message{Kind: protocol.KindResponse, ID: 1})
	})
}

func TestCloseFailsPendingCalls(t *testing.T) {
	conn, _ := newTestConn(nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.Call(context.Background(), term.MethodEcho, nil, nil)
	}()

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	conn.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), ErrConnClosed.Error())
	case <-time.After(5 * time.Second):
		t.Fatal("pending call never failed")
	}

	// Calls after close fail fast.
	assert.ErrorIs(t, conn.Call(context.Background(), term.MethodEcho, nil, nil), ErrConnClosed)
}

func TestHostRequestDispatch(t *testing.T) {
	conn, sender := newTestConn(nil)
	conn.OnRequest(term.MethodResolveVariables, func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		return term.ResolveVariablesResponse{Resolved: []string{"/home"}}, nil
	})

	conn.HandleMessage(protocol.Message{
		Kind: protocol.KindRequest, ID: 11, Method: term.MethodResolveVariables, Params: []byte(`{}`),
	})

	require.Eventually(t, func() bool { return sender.sentCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	reply := sender.sent[0]
	sender.mu.Unlock()
	assert.Equal(t, protocol.KindResponse, reply.Kind)
	assert.Equal(t, uint64(11), reply.ID)
	assert.Contains(t, string(reply.Result), "/home")
}

func TestCreateProcessRegistersHandle(t *testing.T) {
	registry, _ := newTestRegistry(okResponder(`{"id":3}`))

	session, err := registry.CreateProcess(context.Background(), term.CreateProcessRequest{
		ShellLaunchConfig: term.ShellLaunchConfig{Name: "build"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, session.ID())

	got, ok := registry.Get(3)
	require.True(t, ok)
	assert.Same(t, session, got)
	assert.ElementsMatch(t, []int{3}, registry.TrackedIDs())
}

func TestAttachFailureYieldsNoSessionNoError(t *testing.T) {
	registry, _ := newTestRegistry(func(msg protocol.Message) *protocol.Message {
		return &protocol.Message{Kind: protocol.KindResponse, ID: msg.ID, Error: "no such session"}
	})

	session, err := registry.AttachToProcess(context.Background(), 77, nil)
	assert.NoError(t, err)
	assert.Nil(t, session)
	assert.Empty(t, registry.TrackedIDs())
}

func TestEventRoutingToListener(t *testing.T) {
	registry, _ := newTestRegistry(okResponder(`{"id":1}`))
	listener := &recordingListener{}

	_, err := registry.CreateProcess(context.Background(), term.CreateProcessRequest{}, listener)
	require.NoError(t, err)

	registry.conn.HandleMessage(event(t, term.EventProcessData, term.DataEventPayload{ID: 1, Data: "hello"}))
	registry.conn.HandleMessage(event(t, term.EventDidChangeProperty, term.PropertyEventPayload{
		ID: 1, Property: term.Property{Type: term.PropertyTitle, Value: "vim"},
	}))
	registry.conn.HandleMessage(event(t, term.EventProcessOrphanQuestion, term.OrphanQuestionPayload{ID: 1}))

	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.Equal(t, []string{"hello"}, listener.data)
	require.Len(t, listener.props, 1)
	assert.Equal(t, "vim", listener.props[0].Value)
	assert.Equal(t, 1, listener.orphans)
}

func TestEventForUnknownSessionIsDropped(t *testing.T) {
	registry, _ := newTestRegistry(nil)

	assert.NotPanics(t, func() {
		registry.conn.HandleMessage(event(t, term.EventProcessData, term.DataEventPayload{ID: 404, Data: "x"}))
	})
}

func TestExitNotifiesThenRemoves(t *testing.T) {
	registry, _ := newTestRegistry(okResponder(`{"id":1}`))
	listener := &recordingListener{}

	_, err := registry.CreateProcess(context.Background(), term.CreateProcessRequest{}, listener)
	require.NoError(t, err)

	registry.conn.HandleMessage(event(t, term.EventProcessExit, term.ExitEventPayload{ID: 1, ExitCode: 0}))

	listener.mu.Lock()
	assert.Equal(t, []int{0}, listener.exits)
	listener.mu.Unlock()

	_, ok := registry.Get(1)
	assert.False(t, ok)

	// Events after exit target an unknown id and are dropped.
	assert.NotPanics(t, func() {
		registry.conn.HandleMessage(event(t, term.EventProcessData, term.DataEventPayload{ID: 1, Data: "late"}))
	})
}

func TestAcceptDetachReplyWithoutPersistentID(t *testing.T) {
	registry, sender := newTestRegistry(nil)

	// No persistent id: the host must not be called at all.
	require.NoError(t, registry.AcceptDetachInstanceReply(context.Background(), "req_1", nil))
	assert.Zero(t, sender.sentCount())
}

func TestHandleHostExitSyntheticExit(t *testing.T) {
	registry, _ := newTestRegistry(okResponder(`{"id":1}`))
	listener := &recordingListener{}

	_, err := registry.CreateProcess(context.Background(), term.CreateProcessRequest{}, listener)
	require.NoError(t, err)

	registry.HandleHostExit()

	listener.mu.Lock()
	assert.Equal(t, []int{-1}, listener.exits)
	listener.mu.Unlock()
	assert.Empty(t, registry.TrackedIDs())
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	conn, sender := newTestConn(nil)
	sender.err = errors.New("pipe broken")
	breaker := resilience.New("test", resilience.Settings{FailureThreshold: 3})
	registry := NewRegistry(conn, logging.NewNop(), nil, breaker)

	for i := 0; i < 3; i++ {
		_, err := registry.CreateProcess(context.Background(), term.CreateProcessRequest{}, nil)
		require.Error(t, err)
	}

	_, err := registry.CreateProcess(context.Background(), term.CreateProcessRequest{}, nil)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}
