package ws

import (
	"sync"
	"sync/atomic"

	"github.com/lumenide/backend/internal/notify"
)

// Notifier delivers user notifications through the hub. Frontends render
// them as toasts; clicking an action sends a "notification.action" message
// back, which runs the registered callback in the coordinator.
type Notifier struct {
	hub    *Hub
	nextID atomic.Uint64

	mu     sync.Mutex
	active map[uint64][]notify.Action
}

// NewNotifier creates a notifier and claims the hub's action channel.
func NewNotifier(hub *Hub) *Notifier {
	n := &Notifier{hub: hub, active: make(map[uint64][]notify.Action)}
	hub.OnAction(n.runAction)
	return n
}

type notificationPayload struct {
	ID       uint64   `json:"id"`
	Severity string   `json:"severity"`
	Message  string   `json:"message"`
	Actions  []string `json:"actions,omitempty"`
}

// Notify implements notify.Notifier.
func (n *Notifier) Notify(severity notify.Severity, message string, actions ...notify.Action) notify.Handle {
	id := n.nextID.Add(1)

	labels := make([]string, 0, len(actions))
	for _, a := range actions {
		labels = append(labels, a.Label)
	}

	n.mu.Lock()
	n.active[id] = actions
	n.mu.Unlock()

	n.hub.Broadcast("notification", notificationPayload{
		ID:       id,
		Severity: severity.String(),
		Message:  message,
		Actions:  labels,
	})
	return &handle{notifier: n, id: id}
}

func (n *Notifier) runAction(id uint64, label string) {
	n.mu.Lock()
	actions := n.active[id]
	n.mu.Unlock()

	for _, a := range actions {
		if a.Label == label && a.Run != nil {
			a.Run()
			return
		}
	}
}

func (n *Notifier) dismiss(id uint64) {
	n.mu.Lock()
	_, ok := n.active[id]
	delete(n.active, id)
	n.mu.Unlock()
	if !ok {
		return
	}
	n.hub.Broadcast("notification.dismiss", map[string]uint64{"id": id})
}

type handle struct {
	notifier *Notifier
	id       uint64
}

func (h *handle) Close() { h.notifier.dismiss(h.id) }
