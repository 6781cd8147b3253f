// Package protocol defines the message envelope and handshake contract spoken
// between the coordinator and its child host processes.
//
// A freshly spawned child must send a "ready" sentinel before receiving any
// payload. The parent replies with an "initialize" payload carrying
// environment and workspace context, and the child confirms with
// "initialized" before any application traffic flows. Messages of kind "log"
// are always routed to the logging sink, even before the handshake completes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the message envelope variants.
type Kind string

const (
	// KindReady is sent child -> parent once the child event loop is up.
	KindReady Kind = "ready"
	// KindInitialize is sent parent -> child with startup context.
	KindInitialize Kind = "initialize"
	// KindInitialized is sent child -> parent to complete the handshake.
	KindInitialized Kind = "initialized"
	// KindLog carries a log record for the parent's logging sink.
	KindLog Kind = "log"
	// KindTerminate asks the child to shut down cleanly.
	KindTerminate Kind = "terminate"
	// KindRequest is an RPC request (either direction).
	KindRequest Kind = "request"
	// KindResponse is an RPC response (either direction).
	KindResponse Kind = "response"
	// KindEvent is a fire-and-forget notification (either direction).
	KindEvent Kind = "event"
)

// ErrUnknownKind is returned when a decoded message carries a kind outside
// the envelope vocabulary.
var ErrUnknownKind = errors.New("unknown message kind")

var validKinds = map[Kind]bool{
	KindReady:       true,
	KindInitialize:  true,
	KindInitialized: true,
	KindLog:         true,
	KindTerminate:   true,
	KindRequest:     true,
	KindResponse:    true,
	KindEvent:       true,
}

// Message is the tagged-variant envelope for all cross-process traffic.
// Only the fields relevant to the Kind are populated.
type Message struct {
	Kind Kind `json:"kind"`

	// Log fields (KindLog).
	Level string `json:"level,omitempty"`
	Text  string `json:"text,omitempty"`

	// Initialization payload (KindInitialize).
	Init *InitPayload `json:"init,omitempty"`

	// RPC fields (KindRequest / KindResponse).
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Event fields (KindEvent).
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitPayload carries the context a child host needs before serving.
type InitPayload struct {
	WindowID         string            `json:"windowId"`
	WorkspaceID      string            `json:"workspaceId"`
	CorrelationToken string            `json:"correlationToken"`
	Env              map[string]string `json:"env,omitempty"`
	DevMode          bool              `json:"devMode,omitempty"`
}

// Validate checks the envelope at the channel boundary.
func (m *Message) Validate() error {
	if !validKinds[m.Kind] {
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	switch m.Kind {
	case KindRequest:
		if m.Method == "" {
			return errors.New("request message missing method")
		}
	case KindInitialize:
		if m.Init == nil {
			return errors.New("initialize message missing payload")
		}
	}
	return nil
}
