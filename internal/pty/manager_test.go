package pty

import (
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/term"
)

type eventRecorder struct {
	mu        sync.Mutex
	data      []string
	exits     []int
	ready     []int
	props     []term.Property
	orphans   []int
	exitCh    chan int
	dataCh    chan string
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		exitCh: make(chan int, 8),
		dataCh: make(chan string, 64),
	}
}

func (r *eventRecorder) events() Events {
	return Events{
		OnData: func(id int, data string) {
			r.mu.Lock()
			r.data = append(r.data, data)
			r.mu.Unlock()
			select {
			case r.dataCh <- data:
			default:
			}
		},
		OnExit: func(id, code int) {
			r.mu.Lock()
			r.exits = append(r.exits, code)
			r.mu.Unlock()
			r.exitCh <- code
		},
		OnReady: func(id, pid int, cwd string) {
			r.mu.Lock()
			r.ready = append(r.ready, id)
			r.mu.Unlock()
		},
		OnPropertyChange: func(id int, prop term.Property) {
			r.mu.Lock()
			r.props = append(r.props, prop)
			r.mu.Unlock()
		},
		OnOrphanQuestion: func(id int) {
			r.mu.Lock()
			r.orphans = append(r.orphans, id)
			r.mu.Unlock()
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *eventRecorder) {
	t.Helper()
	rec := newEventRecorder()
	return NewManager(logging.NewNop(), rec.events()), rec
}

func createSession(t *testing.T, m *Manager, persistent bool) int {
	t.Helper()
	id, err := m.Create(term.CreateProcessRequest{
		ShellLaunchConfig: term.ShellLaunchConfig{Name: "test", Executable: "/bin/sh"},
		Cols:              80,
		Rows:              24,
		Persistent:        persistent,
		WorkspaceID:       "ws_test",
	})
	require.NoError(t, err)
	return id
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	m, _ := newTestManager(t)

	first := createSession(t, m, false)
	second := createSession(t, m, false)

	assert.Equal(t, first+1, second)
}

func TestCreateRequiresExecutable(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Create(term.CreateProcessRequest{})
	assert.Error(t, err)
}

func TestUnknownSessionErrors(t *testing.T) {
	m, _ := newTestManager(t)

	assert.Error(t, m.Input(42, "x"))
	assert.Error(t, m.Resize(42, 80, 24))
	assert.Error(t, m.Shutdown(42))
	_, _, err := m.Attach(42)
	assert.Error(t, err)
}

func TestAttachReplaysBufferedOutput(t *testing.T) {
	m, _ := newTestManager(t)
	id := createSession(t, m, true)

	s, err := m.get(id)
	require.NoError(t, err)
	_, _ = s.ring.Write([]byte("earlier output"))

	details, replay, err := m.Attach(id)
	require.NoError(t, err)
	assert.Equal(t, id, details.ID)
	require.Len(t, replay.Events, 1)
	assert.Equal(t, "earlier output", replay.Events[0].Data)
}

func TestDetachPersistentRaisesOrphanQuestion(t *testing.T) {
	m, rec := newTestManager(t)
	id := createSession(t, m, true)
	_, _, err := m.Attach(id)
	require.NoError(t, err)

	require.NoError(t, m.Detach(id))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []int{id}, rec.orphans)
}

func TestDetachNonPersistentAsksNoQuestion(t *testing.T) {
	m, rec := newTestManager(t)
	id := createSession(t, m, false)

	require.NoError(t, m.Detach(id))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.orphans)
}

func TestRequestDetachGrantsPersistentSession(t *testing.T) {
	m, _ := newTestManager(t)
	id := createSession(t, m, true)

	assert.Equal(t, id, m.RequestDetach("ws_test", id))
	assert.Zero(t, m.RequestDetach("ws_other", id))
	assert.Zero(t, m.RequestDetach("ws_test", 42))
}

func TestRequestDetachRefusesNonPersistent(t *testing.T) {
	m, _ := newTestManager(t)
	id := createSession(t, m, false)

	assert.Zero(t, m.RequestDetach("ws_test", id))
}

func TestAcceptDetachReleasesWithoutOrphanQuestion(t *testing.T) {
	m, rec := newTestManager(t)
	id := createSession(t, m, true)
	_, _, err := m.Attach(id)
	require.NoError(t, err)

	require.NoError(t, m.AcceptDetach(id))

	s, err := m.get(id)
	require.NoError(t, err)
	s.mu.Lock()
	attached := s.attached
	s.mu.Unlock()
	assert.False(t, attached)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.orphans)
}

func TestShutdownNeverStartedRemovesEntry(t *testing.T) {
	m, _ := newTestManager(t)
	id := createSession(t, m, false)

	require.NoError(t, m.Shutdown(id))

	_, err := m.get(id)
	assert.Error(t, err)
	assert.Empty(t, m.List())
}

func TestDetachNeverStartedRemovesEntry(t *testing.T) {
	m, _ := newTestManager(t)
	id := createSession(t, m, false)

	require.NoError(t, m.Detach(id))

	_, err := m.get(id)
	assert.Error(t, err)
}

func TestOrphanReplyNeverStartedRemovesEntry(t *testing.T) {
	m, _ := newTestManager(t)
	id := createSession(t, m, true)
	require.NoError(t, m.Detach(id))

	m.OrphanReply(id, true)

	_, err := m.get(id)
	assert.Error(t, err)
}

func TestUpdateTitleEmitsPropertyChange(t *testing.T) {
	m, rec := newTestManager(t)
	id := createSession(t, m, false)

	require.NoError(t, m.UpdateTitle(id, "build", term.TitleSourceAPI))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.props, 1)
	assert.Equal(t, term.PropertyTitle, rec.props[0].Type)
	assert.Equal(t, "build", rec.props[0].Value)
}

func TestSerializeStateSkipsNonPersistent(t *testing.T) {
	m, _ := newTestManager(t)
	keep := createSession(t, m, true)
	drop := createSession(t, m, false)

	state := m.SerializeState([]int{keep, drop})

	assert.Equal(t, term.StateSchemaVersion, state.Version)
	require.Len(t, state.State, 1)
	assert.Equal(t, keep, state.State[0].ID)
}

func TestSerializeStateCapturesReplayBuffer(t *testing.T) {
	m, _ := newTestManager(t)
	id := createSession(t, m, true)

	s, err := m.get(id)
	require.NoError(t, err)
	_, _ = s.ring.Write([]byte("$ make\nok\n"))

	state := m.SerializeState([]int{id})
	require.Len(t, state.State, 1)
	assert.Equal(t, "$ make\nok\n", state.State[0].ReplayBuffer)
}

func TestLayoutRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)

	layout := term.LayoutInfo{
		WorkspaceID: "ws_a",
		Tabs:        []term.TabLayout{{IsActive: true}},
	}
	m.SetLayout(layout)

	assert.Equal(t, layout, m.GetLayout("ws_a"))
	assert.Empty(t, m.GetLayout("ws_other").Tabs)
}

func TestStartRunsProcessToExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pty spawn test requires a unix shell")
	}

	m, rec := newTestManager(t)
	id, err := m.Create(term.CreateProcessRequest{
		ShellLaunchConfig: term.ShellLaunchConfig{
			Executable: "/bin/sh",
			Args:       []string{"-c", "printf terminal-says-hi"},
		},
		Cols:        80,
		Rows:        24,
		WorkspaceID: "ws_test",
	})
	require.NoError(t, err)

	require.NoError(t, m.Start(id))

	select {
	case code := <-rec.exitCh:
		assert.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}

	rec.mu.Lock()
	output := strings.Join(rec.data, "")
	rec.mu.Unlock()
	assert.Contains(t, output, "terminal-says-hi")

	// The exit path removes the session from the registry.
	_, getErr := m.get(id)
	assert.Error(t, getErr)
}
