package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writer := NewCodec(strings.NewReader(""), &buf)

	messages := []Message{
		{Kind: KindReady},
		{Kind: KindLog, Level: "warn", Text: "slow disk"},
		{Kind: KindInitialize, Init: &InitPayload{
			WindowID:         "win_1",
			WorkspaceID:      "ws_1",
			CorrelationToken: "tok",
			Env:              map[string]string{"PATH": "/usr/bin"},
			DevMode:          true,
		}},
		{Kind: KindRequest, ID: 7, Method: "createProcess", Params: []byte(`{"cols":80}`)},
		{Kind: KindResponse, ID: 7, Result: []byte(`{"id":3}`)},
		{Kind: KindEvent, Event: "processData", Payload: []byte(`{"id":3,"data":"x"}`)},
	}
	for _, msg := range messages {
		require.NoError(t, writer.Encode(msg))
	}

	reader := NewCodec(&buf, io.Discard)
	for _, want := range messages {
		got, err := reader.Decode()
		require.NoError(t, err)
		assert.Equal(t, want.Kind, got.Kind)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Method, got.Method)
		assert.Equal(t, want.Event, got.Event)
		if want.Init != nil {
			require.NotNil(t, got.Init)
			assert.Equal(t, *want.Init, *got.Init)
		}
	}

	_, err := reader.Decode()
	assert.Equal(t, io.EOF, err)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	codec := NewCodec(strings.NewReader(`{"kind":"mystery"}`+"\n"), io.Discard)

	_, err := codec.Decode()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"ready", Message{Kind: KindReady}, false},
		{"terminate", Message{Kind: KindTerminate}, false},
		{"request with method", Message{Kind: KindRequest, Method: "echo"}, false},
		{"request without method", Message{Kind: KindRequest}, true},
		{"initialize without payload", Message{Kind: KindInitialize}, true},
		{"empty kind", Message{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateSpawning.CanTransition(StateAwaitingReady))
	assert.True(t, StateAwaitingReady.CanTransition(StateInitializing))
	assert.True(t, StateInitializing.CanTransition(StateReady))
	assert.True(t, StateReady.CanTransition(StateTerminating))
	assert.True(t, StateTerminating.CanTransition(StateTerminated))

	// No skipping ahead or moving backwards.
	assert.False(t, StateSpawning.CanTransition(StateReady))
	assert.False(t, StateReady.CanTransition(StateInitializing))
	assert.False(t, StateTerminated.CanTransition(StateReady))
}

func TestTerminatedReachableFromEveryState(t *testing.T) {
	states := []State{StateSpawning, StateAwaitingReady, StateInitializing, StateReady, StateTerminating}
	for _, s := range states {
		assert.True(t, s.CanTransition(StateTerminated), "from %s", s)
	}
}

func TestTransitionError(t *testing.T) {
	next, err := StateReady.Transition(StateSpawning)
	require.Error(t, err)
	assert.Equal(t, StateReady, next)

	next, err = StateReady.Transition(StateTerminating)
	require.NoError(t, err)
	assert.Equal(t, StateTerminating, next)
}
