// Package ptyhost is the coordinator-side client of the pty host process: an
// RPC connection multiplexed over the supervisor's message transport, and a
// registry mapping host-assigned session ids to live handles.
package ptyhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/infrastructure/monitoring"
	"github.com/lumenide/backend/internal/protocol"
	"github.com/lumenide/backend/internal/term"
)

// ErrConnClosed is returned for calls issued after the connection failed.
var ErrConnClosed = errors.New("pty host connection closed")

// Sender is the outbound half of the supervisor the connection writes to.
type Sender interface {
	Send(msg protocol.Message) error
}

// HealthSink receives heartbeat verdicts.
type HealthSink interface {
	HandleResponsive()
	HandleUnresponsive()
}

type callResult struct {
	result json.RawMessage
	err    string
}

// Conn correlates RPC requests with responses and fans events out to
// registered handlers. One Conn serves one supervisor generation.
type Conn struct {
	sender  Sender
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan callResult
	closed  bool

	handlerMu       sync.RWMutex
	eventHandlers   map[string]func(payload json.RawMessage)
	requestHandlers map[string]func(ctx context.Context, params json.RawMessage) (interface{}, error)
}

// NewConn creates a connection writing through sender. Wire HandleMessage as
// the supervisor's message callback.
func NewConn(sender Sender, logger *logging.Logger, metrics *monitoring.Metrics) *Conn {
	return &Conn{
		sender:          sender,
		logger:          logger.Named("ptyhost.conn"),
		metrics:         metrics,
		pending:         make(map[uint64]chan callResult),
		eventHandlers:   make(map[string]func(json.RawMessage)),
		requestHandlers: make(map[string]func(context.Context, json.RawMessage) (interface{}, error)),
	}
}

// Call performs one RPC round trip. result may be nil for methods without a
// return value.
func (c *Conn) Call(ctx context.Context, method string, params, result interface{}) error {
	start := time.Now()
	err := c.call(ctx, method, params, result)
	if c.metrics != nil {
		c.metrics.ObserveRPC(method, time.Since(start), err)
	}
	return err
}

func (c *Conn) call(ctx context.Context, method string, params, result interface{}) error {
	var raw json.RawMessage
	if params != nil {
		data, err := sonic.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	msg := protocol.Message{
		Kind:   protocol.KindRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}
	if err := c.sender.Send(msg); err != nil {
		c.dropPending(id)
		return fmt.Errorf("send %s request: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	case res := <-ch:
		if res.err != "" {
			return fmt.Errorf("%s: %s", method, res.err)
		}
		if result != nil && len(res.result) > 0 {
			if err := sonic.Unmarshal(res.result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	}
}

// OnEvent registers a handler for a named host event. Handlers run on the
// dispatch goroutine; they must not block.
func (c *Conn) OnEvent(event string, fn func(payload json.RawMessage)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.eventHandlers[event] = fn
}

// OnRequest registers a handler for host-originated RPC (for example
// variable resolution requests).
func (c *Conn) OnRequest(method string, fn func(ctx context.Context, params json.RawMessage) (interface{}, error)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.requestHandlers[method] = fn
}

// HandleMessage dispatches one inbound message. It is the supervisor's
// application callback and runs on the supervisor's read goroutine.
func (c *Conn) HandleMessage(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindResponse:
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			// Cancelled call or duplicate response.
			c.logger.Debug("response without pending call", zap.Uint64("id", msg.ID))
			return
		}
		ch <- callResult{result: msg.Result, err: msg.Error}

	case protocol.KindEvent:
		c.handlerMu.RLock()
		fn := c.eventHandlers[msg.Event]
		c.handlerMu.RUnlock()
		if fn == nil {
			c.logger.Debug("unhandled host event", zap.String("event", msg.Event))
			return
		}
		fn(msg.Payload)

	case protocol.KindRequest:
		c.handlerMu.RLock()
		fn := c.requestHandlers[msg.Method]
		c.handlerMu.RUnlock()
		if fn == nil {
			c.reply(msg.ID, nil, fmt.Sprintf("unknown method %q", msg.Method))
			return
		}
		// Host-originated requests may do slow work (variable resolution),
		// so they get their own goroutine.
		go func() {
			result, err := fn(context.Background(), msg.Params)
			if err != nil {
				c.reply(msg.ID, nil, err.Error())
				return
			}
			c.reply(msg.ID, result, "")
		}()

	default:
		c.logger.Debug("unexpected message kind from host", zap.String("kind", string(msg.Kind)))
	}
}

// Close fails all pending calls. Called when the supervisor reports the
// child gone.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{err: ErrConnClosed.Error()}
	}
}

// Heartbeat periodically probes the host with an echo call and reports the
// verdict to sink. Blocks until ctx is cancelled.
func (c *Conn) Heartbeat(ctx context.Context, interval, timeout time.Duration, sink HealthSink) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			err := c.Call(probeCtx, term.MethodEcho, nil, nil)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				sink.HandleUnresponsive()
				continue
			}
			sink.HandleResponsive()
		}
	}
}

func (c *Conn) reply(id uint64, result interface{}, errText string) {
	msg := protocol.Message{Kind: protocol.KindResponse, ID: id, Error: errText}
	if result != nil {
		data, err := sonic.Marshal(result)
		if err != nil {
			msg.Error = fmt.Sprintf("marshal result: %v", err)
		} else {
			msg.Result = data
		}
	}
	if err := c.sender.Send(msg); err != nil {
		c.logger.Debug("failed to send reply to host", zap.Error(err))
	}
}

func (c *Conn) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
