package pty

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/protocol"
	"github.com/lumenide/backend/internal/term"
)

// chanTransport is an in-memory protocol.Transport for driving the server
// from the parent's perspective.
type chanTransport struct {
	toServer   chan protocol.Message
	fromServer chan protocol.Message
}

func newChanTransport() *chanTransport {
	return &chanTransport{
		toServer:   make(chan protocol.Message, 16),
		fromServer: make(chan protocol.Message, 64),
	}
}

func (t *chanTransport) Send(msg protocol.Message) error {
	t.fromServer <- msg
	return nil
}

func (t *chanTransport) Recv() (protocol.Message, error) {
	msg, ok := <-t.toServer
	if !ok {
		return protocol.Message{}, io.EOF
	}
	return msg, nil
}

func (t *chanTransport) Close() error { return nil }

func (t *chanTransport) expect(tb testing.TB, kind protocol.Kind) protocol.Message {
	tb.Helper()
	for {
		select {
		case msg := <-t.fromServer:
			if msg.Kind == protocol.KindLog {
				continue
			}
			require.Equal(tb, kind, msg.Kind)
			return msg
		case <-time.After(5 * time.Second):
			tb.Fatalf("timed out waiting for %q frame", kind)
			return protocol.Message{}
		}
	}
}

func startTestServer(t *testing.T) (*chanTransport, chan error) {
	t.Helper()
	transport := newChanTransport()
	srv := NewServer(transport, logging.NewNop())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(context.Background()) }()

	transport.expect(t, protocol.KindReady)
	transport.toServer <- protocol.Message{
		Kind: protocol.KindInitialize,
		Init: &protocol.InitPayload{WindowID: "win_1", WorkspaceID: "ws_test"},
	}
	transport.expect(t, protocol.KindInitialized)
	return transport, errCh
}

func call(t *testing.T, transport *chanTransport, id uint64, method string, params any) protocol.Message {
	t.Helper()
	raw, err := sonic.Marshal(params)
	require.NoError(t, err)
	transport.toServer <- protocol.Message{
		Kind:   protocol.KindRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}
	for {
		msg := transport.expect(t, protocol.KindResponse)
		if msg.ID == id {
			return msg
		}
	}
}

func TestServerHandshakeOrder(t *testing.T) {
	transport, errCh := startTestServer(t)

	transport.toServer <- protocol.Message{Kind: protocol.KindTerminate}
	require.NoError(t, <-errCh)
}

func TestServerDropsTrafficBeforeInitialize(t *testing.T) {
	transport := newChanTransport()
	srv := NewServer(transport, logging.NewNop())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(context.Background()) }()

	transport.expect(t, protocol.KindReady)

	// A request ahead of initialize must be ignored, not answered.
	transport.toServer <- protocol.Message{
		Kind: protocol.KindRequest, ID: 1, Method: term.MethodListProcesses,
	}
	transport.toServer <- protocol.Message{
		Kind: protocol.KindInitialize,
		Init: &protocol.InitPayload{WindowID: "win_1", WorkspaceID: "ws_test"},
	}
	transport.expect(t, protocol.KindInitialized)

	transport.toServer <- protocol.Message{Kind: protocol.KindTerminate}
	require.NoError(t, <-errCh)
}

func TestServerEcho(t *testing.T) {
	transport, errCh := startTestServer(t)

	reply := call(t, transport, 7, term.MethodEcho, map[string]string{"ping": "pong"})
	assert.Empty(t, reply.Error)
	assert.JSONEq(t, `{"ping":"pong"}`, string(reply.Result))

	transport.toServer <- protocol.Message{Kind: protocol.KindTerminate}
	require.NoError(t, <-errCh)
}

func TestServerCreateAndList(t *testing.T) {
	transport, errCh := startTestServer(t)

	reply := call(t, transport, 1, term.MethodCreateProcess, term.CreateProcessRequest{
		ShellLaunchConfig: term.ShellLaunchConfig{Name: "build", Executable: "/bin/sh"},
		Cols:              80,
		Rows:              24,
		WorkspaceID:       "ws_test",
	})
	require.Empty(t, reply.Error)

	var created term.CreateProcessResponse
	require.NoError(t, sonic.Unmarshal(reply.Result, &created))
	assert.Equal(t, 1, created.ID)

	reply = call(t, transport, 2, term.MethodListProcesses, struct{}{})
	require.Empty(t, reply.Error)

	var list term.ListProcessesResponse
	require.NoError(t, sonic.Unmarshal(reply.Result, &list))
	require.Len(t, list.Processes, 1)
	assert.Equal(t, "build", list.Processes[0].Title)

	transport.toServer <- protocol.Message{Kind: protocol.KindTerminate}
	require.NoError(t, <-errCh)
}

func TestServerDetachNegotiationRPC(t *testing.T) {
	transport, errCh := startTestServer(t)

	reply := call(t, transport, 1, term.MethodCreateProcess, term.CreateProcessRequest{
		ShellLaunchConfig: term.ShellLaunchConfig{Name: "movable", Executable: "/bin/sh"},
		Persistent:        true,
		WorkspaceID:       "ws_test",
	})
	require.Empty(t, reply.Error)

	var created term.CreateProcessResponse
	require.NoError(t, sonic.Unmarshal(reply.Result, &created))

	reply = call(t, transport, 2, term.MethodRequestDetachInstance, term.DetachInstanceRequest{
		WorkspaceID: "ws_test", InstanceID: created.ID,
	})
	require.Empty(t, reply.Error)

	var persistentID int
	require.NoError(t, sonic.Unmarshal(reply.Result, &persistentID))
	assert.Equal(t, created.ID, persistentID)

	reply = call(t, transport, 3, term.MethodAcceptDetachInstanceReply, term.AcceptDetachReply{
		RequestID: "req_1", PersistentProcessID: &persistentID,
	})
	assert.Empty(t, reply.Error)

	transport.toServer <- protocol.Message{Kind: protocol.KindTerminate}
	require.NoError(t, <-errCh)
}

func TestServerUnknownMethodErrors(t *testing.T) {
	transport, errCh := startTestServer(t)

	reply := call(t, transport, 3, "noSuchMethod", struct{}{})
	assert.Contains(t, reply.Error, "unknown method")

	transport.toServer <- protocol.Message{Kind: protocol.KindTerminate}
	require.NoError(t, <-errCh)
}

func TestEmitDropsWhenWriterStalled(t *testing.T) {
	srv := NewServer(newChanTransport(), logging.NewNop())
	srv.out = make(chan protocol.Message, 1)

	// No writer goroutine is draining: the second event must be dropped,
	// not block the session goroutine.
	srv.emit(term.EventProcessData, term.DataEventPayload{ID: 1, Data: "a"})
	srv.emit(term.EventProcessData, term.DataEventPayload{ID: 1, Data: "b"})

	assert.Len(t, srv.out, 1)
}

func TestServerShutsDownOnEOF(t *testing.T) {
	transport, errCh := startTestServer(t)

	close(transport.toServer)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop on EOF")
	}
}

func TestServerLayoutRPC(t *testing.T) {
	transport, errCh := startTestServer(t)

	layout := term.LayoutInfo{
		WorkspaceID: "ws_test",
		Tabs:        []term.TabLayout{{IsActive: true}},
	}
	reply := call(t, transport, 4, term.MethodSetTerminalLayoutInfo, term.SetLayoutRequest{Layout: layout})
	require.Empty(t, reply.Error)

	reply = call(t, transport, 5, term.MethodGetTerminalLayoutInfo, term.GetLayoutRequest{WorkspaceID: "ws_test"})
	require.Empty(t, reply.Error)

	var got term.LayoutInfo
	require.NoError(t, sonic.Unmarshal(reply.Result, &got))
	assert.Equal(t, layout, got)

	transport.toServer <- protocol.Message{Kind: protocol.KindTerminate}
	require.NoError(t, <-errCh)
}
