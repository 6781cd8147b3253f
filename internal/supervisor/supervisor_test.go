package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/notify"
	"github.com/lumenide/backend/internal/protocol"
)

// fakeTransport scripts the child side of the handshake.
type fakeTransport struct {
	fromChild chan protocol.Message
	sent      chan protocol.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		fromChild: make(chan protocol.Message, 32),
		sent:      make(chan protocol.Message, 32),
		closed:    make(chan struct{}),
	}
}

func (t *fakeTransport) Send(msg protocol.Message) error {
	t.sent <- msg
	return nil
}

func (t *fakeTransport) Recv() (protocol.Message, error) {
	msg, ok := <-t.fromChild
	if !ok {
		return protocol.Message{}, io.EOF
	}
	return msg, nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) expectSent(tb testing.TB) protocol.Message {
	tb.Helper()
	select {
	case msg := <-t.sent:
		return msg
	case <-time.After(5 * time.Second):
		tb.Fatal("timed out waiting for a sent message")
		return protocol.Message{}
	}
}

type fakeProcess struct {
	exitCh chan int
	killed chan struct{}
	once   sync.Once
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exitCh: make(chan int, 1), killed: make(chan struct{})}
}

func (p *fakeProcess) Pid() int  { return 4242 }
func (p *fakeProcess) Wait() int { return <-p.exitCh }
func (p *fakeProcess) Kill() error {
	p.once.Do(func() {
		close(p.killed)
		p.exitCh <- -9
	})
	return nil
}

func (p *fakeProcess) exit(code int) { p.exitCh <- code }

type fakeLauncher struct {
	transport *fakeTransport
	proc      *fakeProcess
	err       error
}

func (l fakeLauncher) Launch(context.Context, string, []string, []string) (protocol.Transport, Process, error) {
	if l.err != nil {
		return nil, nil, l.err
	}
	return l.transport, l.proc, nil
}

type recordedNotification struct {
	severity notify.Severity
	message  string
}

type recordingNotifier struct {
	mu    sync.Mutex
	shown []recordedNotification
	ch    chan recordedNotification
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan recordedNotification, 8)}
}

func (n *recordingNotifier) Notify(severity notify.Severity, message string, _ ...notify.Action) notify.Handle {
	rec := recordedNotification{severity: severity, message: message}
	n.mu.Lock()
	n.shown = append(n.shown, rec)
	n.mu.Unlock()
	n.ch <- rec
	return notify.NopHandle{}
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.shown)
}

type harness struct {
	sup       *Supervisor
	transport *fakeTransport
	proc      *fakeProcess
	notifier  *recordingNotifier
	messages  chan protocol.Message
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		proc:      newFakeProcess(),
		notifier:  newRecordingNotifier(),
		messages:  make(chan protocol.Message, 32),
	}
	if opts.Command == "" {
		opts.Command = "ptyhost"
	}
	launcher := fakeLauncher{transport: h.transport, proc: h.proc}
	h.sup = New(opts, launcher, logging.NewNop(), h.notifier,
		NewCrashReporter(h.notifier), nil,
		func(msg protocol.Message) { h.messages <- msg })
	return h
}

// completeHandshake drives ready -> initialize -> initialized.
func (h *harness) completeHandshake(t *testing.T) {
	t.Helper()
	h.transport.fromChild <- protocol.Message{Kind: protocol.KindReady}

	init := h.transport.expectSent(t)
	require.Equal(t, protocol.KindInitialize, init.Kind)
	require.NotNil(t, init.Init)

	h.transport.fromChild <- protocol.Message{Kind: protocol.KindInitialized}
}

func TestHandshakeSendsInitializeWithContext(t *testing.T) {
	h := newHarness(t, Options{WindowID: "win_9", WorkspaceID: "ws_9"})
	require.NoError(t, h.sup.Start(context.Background()))

	h.transport.fromChild <- protocol.Message{Kind: protocol.KindReady}

	init := h.transport.expectSent(t)
	require.Equal(t, protocol.KindInitialize, init.Kind)
	assert.Equal(t, "win_9", init.Init.WindowID)
	assert.Equal(t, "ws_9", init.Init.WorkspaceID)
	assert.NotEmpty(t, init.Init.CorrelationToken)
}

func TestQueuedMessagesFlushInOrderExactlyOnce(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.sup.Start(context.Background()))

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, h.sup.Send(protocol.Message{
			Kind: protocol.KindRequest, ID: i, Method: "echo",
		}))
	}

	h.completeHandshake(t)

	// After the flush, later sends must not overtake.
	require.Eventually(t, func() bool {
		return h.sup.State() == protocol.StateReady
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.sup.Send(protocol.Message{Kind: protocol.KindRequest, ID: 4, Method: "echo"}))

	var ids []uint64
	for i := 0; i < 4; i++ {
		msg := h.transport.expectSent(t)
		require.Equal(t, protocol.KindRequest, msg.Kind)
		ids = append(ids, msg.ID)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, ids)

	select {
	case extra := <-h.transport.sent:
		t.Fatalf("unexpected duplicate send: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReadyClosesOnHandshakeCompletion(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.sup.Start(context.Background()))

	select {
	case <-h.sup.Ready():
		t.Fatal("ready closed before the handshake completed")
	default:
	}

	h.completeHandshake(t)

	select {
	case <-h.sup.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("ready never closed")
	}
}

func TestLifecycleStaysOnTransitionTable(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := newHarness(t, Options{})
	h.sup.logger = &logging.Logger{Logger: zap.New(core)}
	require.NoError(t, h.sup.Start(context.Background()))
	h.completeHandshake(t)
	require.Eventually(t, func() bool {
		return h.sup.State() == protocol.StateReady
	}, 5*time.Second, 10*time.Millisecond)

	go func() {
		msg := h.transport.expectSent(t)
		if msg.Kind == protocol.KindTerminate {
			h.proc.exit(0)
		}
	}()
	require.NoError(t, h.sup.Terminate())
	assert.Equal(t, protocol.StateTerminated, h.sup.State())

	// Every state change went through the transition table.
	for _, entry := range logs.All() {
		assert.NotEqual(t, "illegal state transition", entry.Message)
	}
}

func TestPreHandshakeViolationIsDropped(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.sup.Start(context.Background()))

	// An event before ready is a protocol violation: dropped, not delivered.
	h.transport.fromChild <- protocol.Message{Kind: protocol.KindEvent, Event: "processData"}
	h.completeHandshake(t)

	require.Eventually(t, func() bool {
		return h.sup.State() == protocol.StateReady
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case msg := <-h.messages:
		t.Fatalf("violation message was delivered: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLogMessagesRoutedBeforeReady(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := newHarness(t, Options{})
	h.sup.logger = &logging.Logger{Logger: zap.New(core)}
	require.NoError(t, h.sup.Start(context.Background()))

	h.transport.fromChild <- protocol.Message{Kind: protocol.KindLog, Level: "warn", Text: "starting slowly"}
	h.completeHandshake(t)

	require.Eventually(t, func() bool {
		for _, entry := range logs.All() {
			if entry.Message == "starting slowly" && entry.Level == zap.WarnLevel {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMessagesDeliveredAfterReady(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.sup.Start(context.Background()))
	h.completeHandshake(t)

	h.transport.fromChild <- protocol.Message{Kind: protocol.KindEvent, Event: "processData", Payload: []byte(`{}`)}

	select {
	case msg := <-h.messages:
		assert.Equal(t, protocol.KindEvent, msg.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestSpawnFailureTerminatesImmediately(t *testing.T) {
	notifier := newRecordingNotifier()
	sup := New(Options{Command: "ptyhost"}, fakeLauncher{err: errors.New("no such binary")},
		logging.NewNop(), notifier, NewCrashReporter(notifier), nil,
		func(protocol.Message) {})

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, protocol.StateTerminated, sup.State())
	assert.ErrorIs(t, sup.Send(protocol.Message{Kind: protocol.KindRequest, Method: "echo"}), ErrTerminated)

	select {
	case <-sup.Done():
	default:
		t.Fatal("done channel not closed after spawn failure")
	}
}

func TestUnexpectedExitNotifiesOnce(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.sup.Start(context.Background()))
	h.completeHandshake(t)

	h.proc.exit(3)
	<-h.sup.Done()

	select {
	case rec := <-h.notifier.ch:
		assert.Equal(t, notify.SeverityError, rec.severity)
		assert.Contains(t, rec.message, "exit code 3")
	case <-time.After(5 * time.Second):
		t.Fatal("no crash notification")
	}
}

func TestIdenticalCrashesAreDeduplicated(t *testing.T) {
	notifier := newRecordingNotifier()
	reporter := NewCrashReporter(notifier)

	for i := 0; i < 2; i++ {
		transport := newFakeTransport()
		proc := newFakeProcess()
		sup := New(Options{Command: "ptyhost"}, fakeLauncher{transport: transport, proc: proc},
			logging.NewNop(), notifier, reporter, nil, func(protocol.Message) {})
		require.NoError(t, sup.Start(context.Background()))
		proc.exit(3)
		<-sup.Done()
	}

	// Same exit code twice: the second notification is suppressed.
	assert.Equal(t, 1, notifier.count())
}

func TestTerminateSuppressesCrashHandling(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.sup.Start(context.Background()))
	h.completeHandshake(t)

	go func() {
		msg := h.transport.expectSent(t)
		if msg.Kind == protocol.KindTerminate {
			h.proc.exit(0)
		}
	}()

	require.NoError(t, h.sup.Terminate())
	assert.Equal(t, protocol.StateTerminated, h.sup.State())
	assert.Zero(t, h.notifier.count())
}

func TestDevModeExitInvokesHarnessHook(t *testing.T) {
	exitCodes := make(chan int, 1)
	h := newHarness(t, Options{
		DevMode:   true,
		OnDevExit: func(code int) { exitCodes <- code },
	})
	require.NoError(t, h.sup.Start(context.Background()))
	h.completeHandshake(t)

	h.proc.exit(7)
	<-h.sup.Done()

	select {
	case code := <-exitCodes:
		assert.Equal(t, 7, code)
	case <-time.After(5 * time.Second):
		t.Fatal("dev exit hook never ran")
	}
	assert.Zero(t, h.notifier.count())
}

func TestHandshakeTimeoutWarnsButKeepsRunning(t *testing.T) {
	h := newHarness(t, Options{HandshakeTimeout: 30 * time.Millisecond})
	require.NoError(t, h.sup.Start(context.Background()))

	select {
	case rec := <-h.notifier.ch:
		assert.Equal(t, notify.SeverityWarning, rec.severity)
	case <-time.After(5 * time.Second):
		t.Fatal("no slow-handshake warning")
	}

	// The handshake can still complete afterwards.
	h.completeHandshake(t)
	require.Eventually(t, func() bool {
		return h.sup.State() == protocol.StateReady
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.sup.Start(context.Background()))
	assert.ErrorIs(t, h.sup.Start(context.Background()), ErrAlreadyStarted)
}
