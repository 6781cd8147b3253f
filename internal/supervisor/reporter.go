package supervisor

import (
	"sync"

	"github.com/lumenide/backend/internal/notify"
)

// CrashReporter surfaces unexpected host exits to the user. It is shared
// across supervisor generations so that a host crashing in a loop with the
// same error text produces a single notification instead of spam.
type CrashReporter struct {
	notifier notify.Notifier

	mu          sync.Mutex
	lastMessage string
}

// NewCrashReporter creates a reporter backed by the given notifier.
func NewCrashReporter(notifier notify.Notifier) *CrashReporter {
	return &CrashReporter{notifier: notifier}
}

// Report shows a recoverable error with a reload action. Returns false when
// the message matched the previously reported one and was suppressed.
func (r *CrashReporter) Report(message string, reload func()) bool {
	r.mu.Lock()
	if message == r.lastMessage {
		r.mu.Unlock()
		return false
	}
	r.lastMessage = message
	r.mu.Unlock()

	actions := []notify.Action{}
	if reload != nil {
		actions = append(actions, notify.Action{Label: "Reload Window", Run: reload})
	}
	r.notifier.Notify(notify.SeverityError, message, actions...)
	return true
}

// Reset clears the dedup state. Called after a clean restart so the next
// crash is reported again.
func (r *CrashReporter) Reset() {
	r.mu.Lock()
	r.lastMessage = ""
	r.mu.Unlock()
}
