package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/lumenide/backend/internal/term"
)

// ErrNotStarted is returned for operations that need a live process.
var ErrNotStarted = errors.New("pty: session not started")

// Session is one shell process on a pty, owned by the host.
type Session struct {
	id          int
	launch      term.ShellLaunchConfig
	persistent  bool
	workspaceID string

	cmd     *exec.Cmd
	ptmx    *os.File
	ring    *RingBuffer
	matcher *autoReplyMatcher

	mu          sync.Mutex
	title       string
	titleSource term.TitleSource
	cwd         string
	icon        string
	color       string
	cols        int
	rows        int
	env         map[string]string
	attached    bool
	started     bool
	exited      bool
	exitCode    int
}

func newSession(id int, req term.CreateProcessRequest, matcher *autoReplyMatcher) *Session {
	cfg := req.ShellLaunchConfig
	title := cfg.Name
	if title == "" {
		title = cfg.Executable
	}
	cwd := cfg.Cwd
	if cwd == "" {
		cwd = req.Cwd
	}
	return &Session{
		id:          id,
		launch:      cfg,
		persistent:  req.Persistent,
		workspaceID: req.WorkspaceID,
		ring:        NewRingBuffer(DefaultRingSize),
		matcher:     matcher,
		title:       title,
		titleSource: term.TitleSourceProcess,
		cwd:         cwd,
		icon:        cfg.Icon,
		color:       cfg.Color,
		cols:        req.Cols,
		rows:        req.Rows,
		env:         req.Env,
	}
}

// start launches the shell process. Output and exit are delivered through
// onData/onExit until the process terminates.
func (s *Session) start(onData func(data string), onExit func(code int)) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("pty: session %d already started", s.id)
	}
	s.started = true

	cmd := exec.Command(s.launch.Executable, s.launch.Args...)
	cmd.Dir = s.cwd
	cmd.Env = flattenEnv(s.env)
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		s.mu.Lock()
		s.exited = true
		s.exitCode = -1
		s.mu.Unlock()
		return fmt.Errorf("start %s: %w", s.launch.Executable, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.ptmx = ptmx
	s.mu.Unlock()

	if s.launch.InitialText != "" {
		_, _ = ptmx.WriteString(s.launch.InitialText)
	}

	go s.run(cmd, ptmx, onData, onExit)
	return nil
}

// run pumps output until the pty closes, then reaps the child. Reading to
// completion before emitting exit guarantees no data event trails the exit
// event.
func (s *Session) run(cmd *exec.Cmd, ptmx *os.File, onData func(string), onExit func(int)) {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := ptmx.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			_, _ = s.ring.Write(buf[:n])
			for _, reply := range s.matcher.Scan(chunk) {
				_, _ = ptmx.WriteString(reply)
			}
			onData(chunk)
		}
		if readErr != nil {
			// EIO is the normal pty read error after the child exits.
			break
		}
	}

	err := cmd.Wait()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	s.mu.Unlock()

	_ = ptmx.Close()
	onExit(code)
}

// input writes data to the shell.
func (s *Session) input(data string) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return ErrNotStarted
	}
	_, err := ptmx.WriteString(data)
	return err
}

// resize changes the pty dimensions.
func (s *Session) resize(cols, rows int) error {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return ErrNotStarted
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// hasStarted reports whether the shell process was ever launched. Sessions
// that never started produce no exit event.
func (s *Session) hasStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// kill force-terminates the shell process.
func (s *Session) kill() {
	s.mu.Lock()
	cmd := s.cmd
	ptmx := s.ptmx
	s.mu.Unlock()

	if ptmx != nil {
		_ = ptmx.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// details snapshots the reportable session state.
func (s *Session) details() term.ProcessDetails {
	s.mu.Lock()
	defer s.mu.Unlock()
	return term.ProcessDetails{
		ID:          s.id,
		Pid:         s.pidLocked(),
		Title:       s.title,
		TitleSource: s.titleSource,
		Cwd:         s.cwd,
		Icon:        s.icon,
		Color:       s.color,
		Persistent:  s.persistent,
	}
}

func (s *Session) pidLocked() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// replay packages the buffered output for a fresh attach.
func (s *Session) replay() term.ReplayState {
	s.mu.Lock()
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	data := s.ring.Contents()
	if len(data) == 0 {
		return term.ReplayState{}
	}
	return term.ReplayState{Events: []term.ReplayEvent{
		{Cols: cols, Rows: rows, Data: string(data)},
	}}
}

// serialize captures the session for durable storage. Only persistent
// sessions are serializable.
func (s *Session) serialize() term.SerializedEntry {
	s.mu.Lock()
	env := make(map[string]string, len(s.env))
	for k, v := range s.env {
		env[k] = v
	}
	cols, rows := s.cols, s.rows
	launch := s.launch
	s.mu.Unlock()

	return term.SerializedEntry{
		ID:                s.id,
		ShellLaunchConfig: launch,
		ProcessLaunchOptions: term.ProcessLaunchOptions{
			Env:  env,
			Cols: cols,
			Rows: rows,
		},
		ReplayBuffer: string(s.ring.Contents()),
	}
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
