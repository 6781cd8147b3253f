package server

import (
	"github.com/lumenide/backend/internal/term"
	"github.com/lumenide/backend/internal/ws"
)

// streamListener forwards one session's events to every connected frontend.
type streamListener struct {
	hub *ws.Hub
	id  int
}

func newStreamListener(hub *ws.Hub, id int) *streamListener {
	return &streamListener{hub: hub, id: id}
}

func (l *streamListener) OnData(data string) {
	l.hub.Broadcast("terminal.data", map[string]any{"id": l.id, "data": data})
}

func (l *streamListener) OnReady(pid int, cwd string) {
	l.hub.Broadcast("terminal.ready", map[string]any{"id": l.id, "pid": pid, "cwd": cwd})
}

func (l *streamListener) OnExit(exitCode int) {
	l.hub.Broadcast("terminal.exit", map[string]any{"id": l.id, "exitCode": exitCode})
}

func (l *streamListener) OnReplay(replay term.ReplayState) {
	l.hub.Broadcast("terminal.replay", map[string]any{"id": l.id, "replay": replay})
}

func (l *streamListener) OnPropertyChange(prop term.Property) {
	l.hub.Broadcast("terminal.property", map[string]any{"id": l.id, "property": prop})
}

func (l *streamListener) OnOrphanQuestion() {
	l.hub.Broadcast("terminal.orphanQuestion", map[string]any{"id": l.id})
}
