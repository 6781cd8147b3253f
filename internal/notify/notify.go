// Package notify defines the user-facing notification surface consumed by the
// coordinator. The concrete sink lives in the frontend; the coordinator only
// holds this capability.
package notify

// Severity classifies a notification.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Action is a user-selectable remediation attached to a notification.
type Action struct {
	Label string
	Run   func()
}

// Handle refers to a shown notification so it can be dismissed later.
type Handle interface {
	Close()
}

// Notifier surfaces recoverable conditions to the user.
type Notifier interface {
	Notify(severity Severity, message string, actions ...Action) Handle
}

// NopHandle is a Handle that does nothing.
type NopHandle struct{}

// Close implements Handle.
func (NopHandle) Close() {}
