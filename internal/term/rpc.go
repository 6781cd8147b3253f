package term

// RPC methods served by the pty host.
const (
	MethodCreateProcess             = "createProcess"
	MethodAttachToProcess           = "attachToProcess"
	MethodDetachFromProcess         = "detachFromProcess"
	MethodListProcesses             = "listProcesses"
	MethodStartProcess              = "start"
	MethodInput                     = "input"
	MethodResize                    = "resize"
	MethodShutdownProcess           = "shutdown"
	MethodAcknowledgeDataEvent      = "acknowledgeDataEvent"
	MethodRequestDetachInstance     = "requestDetachInstance"
	MethodAcceptDetachInstanceReply = "acceptDetachInstanceReply"
	MethodSerializeTerminalState    = "serializeTerminalState"
	MethodReviveTerminalProcesses   = "reviveTerminalProcesses"
	MethodSetTerminalLayoutInfo     = "setTerminalLayoutInfo"
	MethodGetTerminalLayoutInfo     = "getTerminalLayoutInfo"
	MethodInstallAutoReply          = "installAutoReply"
	MethodUninstallAllAutoReplies   = "uninstallAllAutoReplies"
	MethodUpdateTitle               = "updateTitle"
	MethodUpdateIcon                = "updateIcon"
	MethodUpdateProperty            = "updateProperty"
	MethodOrphanQuestionReply       = "orphanQuestionReply"
	MethodEcho                      = "echo"
)

// RPC methods served by the coordinator (host -> parent direction).
const (
	MethodResolveVariables = "resolveVariables"
)

// Events emitted by the pty host, scoped to a session id.
const (
	EventProcessData           = "processData"
	EventProcessExit           = "processExit"
	EventProcessReady          = "processReady"
	EventProcessReplay         = "processReplay"
	EventDidChangeProperty     = "didChangeProperty"
	EventProcessOrphanQuestion = "processOrphanQuestion"
)

// CreateProcessRequest asks the host to spawn a new session.
type CreateProcessRequest struct {
	ShellLaunchConfig ShellLaunchConfig `json:"shellLaunchConfig"`
	Cwd               string            `json:"cwd"`
	Cols              int               `json:"cols"`
	Rows              int               `json:"rows"`
	Env               map[string]string `json:"env"`
	// UnicodeVersion selects the wcwidth table used for reflow.
	UnicodeVersion string `json:"unicodeVersion,omitempty"`
	// Persistent sessions survive window reloads and are eligible for
	// serialization and detach.
	Persistent  bool   `json:"persistent"`
	WorkspaceID string `json:"workspaceId"`
}

// CreateProcessResponse returns the host-assigned session id.
type CreateProcessResponse struct {
	ID int `json:"id"`
}

// AttachRequest binds an existing host session to a window.
type AttachRequest struct {
	ID int `json:"id"`
}

// SessionRequest addresses one session by id.
type SessionRequest struct {
	ID int `json:"id"`
}

// InputRequest writes data to a session.
type InputRequest struct {
	ID   int    `json:"id"`
	Data string `json:"data"`
}

// ResizeRequest changes a session's dimensions.
type ResizeRequest struct {
	ID   int `json:"id"`
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ListProcessesResponse enumerates live sessions.
type ListProcessesResponse struct {
	Processes []ProcessDetails `json:"processes"`
}

// DetachInstanceRequest asks another window to give up a session.
type DetachInstanceRequest struct {
	WorkspaceID string `json:"workspaceId"`
	InstanceID  int    `json:"instanceId"`
}

// AcceptDetachReply completes a detach negotiation. PersistentProcessID is
// nil for sessions that cannot move between windows.
type AcceptDetachReply struct {
	RequestID           string `json:"requestId"`
	PersistentProcessID *int   `json:"persistentProcessId,omitempty"`
}

// SerializeStateRequest selects the sessions to serialize.
type SerializeStateRequest struct {
	IDs []int `json:"ids"`
}

// SerializeStateResponse carries the versioned state envelope.
type SerializeStateResponse struct {
	State SerializedState `json:"state"`
}

// ReviveRequest asks the host to reconstruct sessions from persisted state.
type ReviveRequest struct {
	WorkspaceID string            `json:"workspaceId"`
	State       []SerializedEntry `json:"state"`
}

// ReviveResponse maps persisted ids to the freshly assigned ones.
type ReviveResponse struct {
	IDMap map[int]int `json:"idMap"`
}

// UpdateTitleRequest renames a session.
type UpdateTitleRequest struct {
	ID          int         `json:"id"`
	Title       string      `json:"title"`
	TitleSource TitleSource `json:"titleSource"`
}

// UpdateIconRequest changes a session's icon and color.
type UpdateIconRequest struct {
	ID    int    `json:"id"`
	Icon  string `json:"icon"`
	Color string `json:"color,omitempty"`
}

// UpdatePropertyRequest sets an arbitrary session property.
type UpdatePropertyRequest struct {
	ID       int      `json:"id"`
	Property Property `json:"property"`
}

// InstallAutoReplyRequest registers an output-triggered automatic input.
type InstallAutoReplyRequest struct {
	Match string `json:"match"`
	Reply string `json:"reply"`
}

// SetLayoutRequest stores the layout for a workspace on the host.
type SetLayoutRequest struct {
	Layout LayoutInfo `json:"layout"`
}

// GetLayoutRequest fetches the layout for a workspace.
type GetLayoutRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

// OrphanReply answers a host orphan question for one session.
type OrphanReply struct {
	ID       int  `json:"id"`
	IsOrphan bool `json:"isOrphan"`
}

// ResolveVariablesRequest is sent host -> coordinator when the host needs
// configuration variables expanded in the requesting window's context.
type ResolveVariablesRequest struct {
	WorkspaceID string   `json:"workspaceId"`
	Originals   []string `json:"originals"`
}

// ResolveVariablesResponse returns the expanded strings in request order.
type ResolveVariablesResponse struct {
	Resolved []string `json:"resolved"`
}

// DataEventPayload is the payload of EventProcessData.
type DataEventPayload struct {
	ID   int    `json:"id"`
	Data string `json:"data"`
}

// ExitEventPayload is the payload of EventProcessExit.
type ExitEventPayload struct {
	ID       int `json:"id"`
	ExitCode int `json:"exitCode"`
}

// ReadyEventPayload is the payload of EventProcessReady.
type ReadyEventPayload struct {
	ID  int    `json:"id"`
	Pid int    `json:"pid"`
	Cwd string `json:"cwd"`
}

// ReplayEventPayload is the payload of EventProcessReplay.
type ReplayEventPayload struct {
	ID     int         `json:"id"`
	Replay ReplayState `json:"replay"`
}

// PropertyEventPayload is the payload of EventDidChangeProperty.
type PropertyEventPayload struct {
	ID       int      `json:"id"`
	Property Property `json:"property"`
}

// OrphanQuestionPayload is the payload of EventProcessOrphanQuestion.
type OrphanQuestionPayload struct {
	ID int `json:"id"`
}
