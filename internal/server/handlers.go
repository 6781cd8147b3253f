package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/profiles"
	"github.com/lumenide/backend/internal/ptyhost"
	"github.com/lumenide/backend/internal/revival"
	"github.com/lumenide/backend/internal/term"
	"github.com/lumenide/backend/internal/ws"
)

// Handlers carries the control API endpoints.
type Handlers struct {
	host        *HostManager
	revival     *revival.Service
	hub         *ws.Hub
	catalog     *profiles.Catalog
	logger      *logging.Logger
	workspaceID string
}

// NewHandlers creates the handler set.
func NewHandlers(host *HostManager, revivalSvc *revival.Service, hub *ws.Hub, catalog *profiles.Catalog, logger *logging.Logger, workspaceID string) *Handlers {
	return &Handlers{
		host:        host,
		revival:     revivalSvc,
		hub:         hub,
		catalog:     catalog,
		logger:      logger.Named("api"),
		workspaceID: workspaceID,
	}
}

// Health reports coordinator and host status.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"host_state": h.host.State().String(),
	})
}

// CreateTerminal spawns a new terminal session and starts its shell.
func (h *Handlers) CreateTerminal(c *gin.Context) {
	var req term.CreateProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = h.workspaceID
	}
	h.applyProfile(&req.ShellLaunchConfig)

	registry := h.host.Registry()
	session, err := registry.CreateProcess(c.Request.Context(), req, nil)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	// Rebind with the listener now that the id is known.
	session, err = registry.AttachToProcess(c.Request.Context(), session.ID(), newStreamListener(h.hub, session.ID()))
	if err != nil || session == nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "session vanished before attach"})
		return
	}

	if err := session.Start(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, session.Details())
}

// ListTerminals enumerates live sessions on the host.
func (h *Handlers) ListTerminals(c *gin.Context) {
	processes, err := h.host.Registry().ListProcesses(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminals": processes})
}

// AttachTerminal binds an existing host session to this window.
func (h *Handlers) AttachTerminal(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	session, err := h.host.Registry().AttachToProcess(c.Request.Context(), id, newStreamListener(h.hub, id))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if session == nil {
		// Stale id: not an error, just nothing to attach to.
		c.JSON(http.StatusNotFound, gin.H{"error": "no such session"})
		return
	}
	c.JSON(http.StatusOK, session.Details())
}

// DetachTerminal unbinds a session from this window.
func (h *Handlers) DetachTerminal(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	if err := h.host.Registry().DetachFromProcess(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandoverTerminal requests a persistent session from its owning window and
// attaches it to this one once released.
func (h *Handlers) HandoverTerminal(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	registry := h.host.Registry()
	persistentID, err := registry.RequestDetachInstance(c.Request.Context(), h.workspaceID, id)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if persistentID == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "session cannot be handed over"})
		return
	}

	if err := registry.AcceptDetachInstanceReply(c.Request.Context(), uuid.NewString(), &persistentID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	session, err := registry.AttachToProcess(c.Request.Context(), persistentID, newStreamListener(h.hub, persistentID))
	if err != nil || session == nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "session vanished during handover"})
		return
	}
	c.JSON(http.StatusOK, session.Details())
}

// TerminalInput writes data to a session.
func (h *Handlers) TerminalInput(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}

	var body struct {
		Data string `json:"data"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := session.Input(c.Request.Context(), body.Data); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// TerminalResize changes a session's dimensions.
func (h *Handlers) TerminalResize(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}

	var body struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := session.Resize(c.Request.Context(), body.Cols, body.Rows); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// CloseTerminal shuts a session's process down.
func (h *Handlers) CloseTerminal(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	if err := session.Shutdown(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateTerminalTitle renames a session.
func (h *Handlers) UpdateTerminalTitle(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}

	var body struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := session.UpdateTitle(c.Request.Context(), body.Title, term.TitleSourceAPI); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateTerminalIcon changes a session's icon and color.
func (h *Handlers) UpdateTerminalIcon(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}

	var body struct {
		Icon  string `json:"icon"`
		Color string `json:"color"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := session.UpdateIcon(c.Request.Context(), body.Icon, body.Color); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// AnswerOrphan replies to a pending orphan question.
func (h *Handlers) AnswerOrphan(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}

	var body struct {
		IsOrphan bool `json:"isOrphan"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := session.AnswerOrphan(c.Request.Context(), body.IsOrphan); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// InstallAutoReply registers an output-triggered automatic input.
func (h *Handlers) InstallAutoReply(c *gin.Context) {
	var body term.InstallAutoReplyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.host.Registry().InstallAutoReply(c.Request.Context(), body.Match, body.Reply); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// UninstallAutoReplies clears every auto reply.
func (h *Handlers) UninstallAutoReplies(c *gin.Context) {
	if err := h.host.Registry().UninstallAllAutoReplies(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// GetLayout fetches the workspace layout from the host.
func (h *Handlers) GetLayout(c *gin.Context) {
	layout, err := h.host.Registry().GetTerminalLayoutInfo(c.Request.Context(), h.workspaceID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, layout)
}

// SetLayout stores the workspace layout on the host and persists it.
func (h *Handlers) SetLayout(c *gin.Context) {
	var layout term.LayoutInfo
	if err := c.ShouldBindJSON(&layout); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	layout.WorkspaceID = h.workspaceID

	if err := h.host.Registry().SetTerminalLayoutInfo(c.Request.Context(), layout); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if err := h.revival.SaveLayout(layout); err != nil {
		h.logger.Warn("layout persisted on host but not in store", zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

// PersistState serializes all tracked sessions to durable storage.
func (h *Handlers) PersistState(c *gin.Context) {
	if err := h.revival.Persist(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// RestartHost tears down the pty host and spawns a fresh generation.
func (h *Handlers) RestartHost(c *gin.Context) {
	h.host.RestartHost()
	c.JSON(http.StatusOK, gin.H{"host_state": h.host.State().String()})
}

// applyProfile fills launch defaults from the profile catalog when the
// request names no executable. A matching profile name wins over the default.
func (h *Handlers) applyProfile(cfg *term.ShellLaunchConfig) {
	if cfg.Executable != "" {
		return
	}

	profile, ok := h.catalog.Get(cfg.Name)
	if !ok {
		profile = h.catalog.DefaultProfile()
	}
	cfg.Executable = profile.Path
	if len(cfg.Args) == 0 {
		cfg.Args = profile.Args
	}
	if cfg.Env == nil {
		cfg.Env = profile.Env
	}
	if cfg.Icon == "" {
		cfg.Icon = profile.Icon
	}
	if cfg.Color == "" {
		cfg.Color = profile.Color
	}
}

func (h *Handlers) sessionID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return id, true
}

func (h *Handlers) session(c *gin.Context) (*ptyhost.Session, bool) {
	id, ok := h.sessionID(c)
	if !ok {
		return nil, false
	}
	session, found := h.host.Registry().Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such session"})
		return nil, false
	}
	return session, true
}
