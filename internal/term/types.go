// Package term holds the terminal domain types shared by the coordinator,
// the pty host, and the persistence layer. These are wire types: they cross
// the host process boundary and the durable store, so field names are stable.
package term

// TitleSource records who last set a session title.
type TitleSource string

const (
	TitleSourceAPI      TitleSource = "api"
	TitleSourceProcess  TitleSource = "process"
	TitleSourceSequence TitleSource = "sequence"
)

// ShellLaunchConfig describes how a shell session is started.
type ShellLaunchConfig struct {
	Name          string            `json:"name,omitempty"`
	Executable    string            `json:"executable,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Cwd           string            `json:"cwd,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Icon          string            `json:"icon,omitempty"`
	Color         string            `json:"color,omitempty"`
	InitialText   string            `json:"initialText,omitempty"`
	// StrictEnv uses Env verbatim with no inherited or contributed variables.
	StrictEnv bool `json:"strictEnv,omitempty"`
	// HideFromUser marks feature terminals that never appear in the UI.
	HideFromUser bool `json:"hideFromUser,omitempty"`
}

// ProcessLaunchOptions captures the resolved launch environment of a session.
type ProcessLaunchOptions struct {
	Env  map[string]string `json:"env"`
	Cols int               `json:"cols,omitempty"`
	Rows int               `json:"rows,omitempty"`
}

// ProcessDetails is what the host reports about a live session.
type ProcessDetails struct {
	ID          int         `json:"id"`
	Pid         int         `json:"pid"`
	Title       string      `json:"title"`
	TitleSource TitleSource `json:"titleSource"`
	Cwd         string      `json:"cwd"`
	Icon        string      `json:"icon,omitempty"`
	Color       string      `json:"color,omitempty"`
	Persistent  bool        `json:"persistent"`
}

// Property is a typed session property change.
type Property struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Property types reported through the property-change event.
const (
	PropertyTitle        = "title"
	PropertyIcon         = "icon"
	PropertyColor        = "color"
	PropertyCwd          = "cwd"
	PropertyShellType    = "shellType"
	PropertyHasChildren  = "hasChildProcesses"
	PropertyOverrideDims = "overrideDimensions"
)

// ReplayEvent is one chunk of buffered output replayed after attach/revival.
type ReplayEvent struct {
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
	Data string `json:"data"`
}

// ReplayState is the full replay package for one session.
type ReplayState struct {
	Events []ReplayEvent `json:"events"`
}

// AutoReply pairs an output match with the input automatically written back.
type AutoReply struct {
	Match string `json:"match"`
	Reply string `json:"reply"`
}

// SerializedEntry is one persisted terminal session.
type SerializedEntry struct {
	ID                   int                  `json:"id"`
	ShellLaunchConfig    ShellLaunchConfig    `json:"shellLaunchConfig"`
	ProcessLaunchOptions ProcessLaunchOptions `json:"processLaunchOptions"`
	ReplayBuffer         string               `json:"replayBuffer,omitempty"`
}

// SerializedState is the versioned envelope written to durable storage.
// Version must equal StateSchemaVersion or the whole batch is discarded;
// there is no partial revival.
type SerializedState struct {
	Version int               `json:"version"`
	State   []SerializedEntry `json:"state"`
}

// StateSchemaVersion is the only schema accepted by revival.
const StateSchemaVersion = 1

// LayoutInfo is the per-workspace tab/pane arrangement, independent of
// session content.
type LayoutInfo struct {
	WorkspaceID string      `json:"workspaceId"`
	Tabs        []TabLayout `json:"tabs"`
}

// TabLayout is one terminal tab with its pane split.
type TabLayout struct {
	IsActive bool         `json:"isActive"`
	Panes    []PaneLayout `json:"panes"`
}

// PaneLayout is one pane inside a tab.
type PaneLayout struct {
	SessionID    int     `json:"sessionId"`
	RelativeSize float64 `json:"relativeSize"`
	IsActive     bool    `json:"isActive"`
}
