package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lumenide/backend/internal/api/middleware"
	"github.com/lumenide/backend/internal/health"
	"github.com/lumenide/backend/internal/infrastructure/config"
	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/infrastructure/monitoring"
	"github.com/lumenide/backend/internal/infrastructure/resilience"
	"github.com/lumenide/backend/internal/profiles"
	"github.com/lumenide/backend/internal/ptyhost"
	"github.com/lumenide/backend/internal/revival"
	"github.com/lumenide/backend/internal/shared/id"
	"github.com/lumenide/backend/internal/storage"
	"github.com/lumenide/backend/internal/supervisor"
	"github.com/lumenide/backend/internal/term"
	"github.com/lumenide/backend/internal/ws"
)

// Server wires the coordinator: pty host supervision, session registry,
// persistence, health monitoring, the websocket stream, and the control API.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	router  *gin.Engine
	metrics *monitoring.Metrics

	hub     *ws.Hub
	host    *HostManager
	store   *storage.Store
	revival *revival.Service
	monitor *health.Monitor
	catalog *profiles.Catalog

	stopUptime context.CancelFunc
}

type staticWorkspace struct {
	id   string
	root string
}

func (w staticWorkspace) ID() string             { return w.id }
func (w staticWorkspace) LastActiveRoot() string { return w.root }

// New assembles a server from configuration. Nothing external is touched
// until Start.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	workspaceID := cfg.Workspace.ID
	if workspaceID == "" {
		workspaceID = id.NewWorkspaceID().String()
	}
	workspaceRoot := cfg.Workspace.Root
	if workspaceRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			workspaceRoot = wd
		}
	}
	windowID := id.NewWindowID().String()

	metrics := monitoring.NewMetrics()
	hub := ws.NewHub(logger, metrics)
	notifier := ws.NewNotifier(hub)
	reporter := supervisor.NewCrashReporter(notifier)
	breaker := resilience.New("ptyhost", resilience.Settings{})

	host := NewHostManager(cfg.PtyHost, windowID, workspaceID, logger, notifier, reporter, breaker, metrics)
	monitor := health.NewMonitor(logger, notifier, host, metrics)
	host.SetMonitor(monitor)

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	catalog := profiles.Builtin()
	if cfg.Profiles.Path != "" {
		loaded, err := profiles.Load(cfg.Profiles.Path)
		if err != nil {
			logger.Warn("profile catalog not loaded, using builtin", zap.Error(err))
		} else {
			catalog = loaded
		}
	}

	workspace := staticWorkspace{id: workspaceID, root: workspaceRoot}
	resolvers := revival.NewWorkspaceResolverFactory()
	revivalSvc := revival.NewService(revival.Options{
		Store:     store,
		Host:      host,
		Resolvers: resolvers,
		Catalog:   catalog,
		Workspace: workspace,
		Logger:    logger,
		Metrics:   metrics,
	})

	// The host may ask the coordinator to expand configuration variables in
	// this window's context. Re-register on every generation.
	host.OnGeneration(func(conn *ptyhost.Conn, _ *ptyhost.Registry) {
		conn.OnRequest(term.MethodResolveVariables, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var req term.ResolveVariablesRequest
			if err := sonic.Unmarshal(params, &req); err != nil {
				return nil, err
			}
			resolver := resolvers.ResolverFor(workspace.LastActiveRoot())
			resolved := make([]string, len(req.Originals))
			for i, original := range req.Originals {
				value, err := resolver.Resolve(ctx, original)
				if err != nil {
					value = original
				}
				resolved[i] = value
			}
			return term.ResolveVariablesResponse{Resolved: resolved}, nil
		})
	})

	s := &Server{
		cfg:     cfg,
		logger:  logger.Named("server"),
		metrics: metrics,
		hub:     hub,
		host:    host,
		store:   store,
		revival: revivalSvc,
		monitor: monitor,
		catalog: catalog,
	}
	s.router = s.buildRouter(workspaceID)
	return s, nil
}

func (s *Server) buildRouter(workspaceID string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.metrics.Middleware())
	if s.cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(s.cfg.RateLimit))
	}

	handlers := NewHandlers(s.host, s.revival, s.hub, s.catalog, s.logger, workspaceID)

	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", s.hub.HandleConnection)

	router.POST("/terminals", handlers.CreateTerminal)
	router.GET("/terminals", handlers.ListTerminals)
	router.POST("/terminals/:id/attach", handlers.AttachTerminal)
	router.POST("/terminals/:id/detach", handlers.DetachTerminal)
	router.POST("/terminals/:id/input", handlers.TerminalInput)
	router.POST("/terminals/:id/resize", handlers.TerminalResize)
	router.POST("/terminals/:id/title", handlers.UpdateTerminalTitle)
	router.POST("/terminals/:id/icon", handlers.UpdateTerminalIcon)
	router.POST("/terminals/:id/orphan-reply", handlers.AnswerOrphan)
	router.POST("/terminals/:id/handover", handlers.HandoverTerminal)
	router.DELETE("/terminals/:id", handlers.CloseTerminal)

	router.POST("/autoreplies", handlers.InstallAutoReply)
	router.DELETE("/autoreplies", handlers.UninstallAutoReplies)

	router.GET("/layout", handlers.GetLayout)
	router.PUT("/layout", handlers.SetLayout)

	router.POST("/state/persist", handlers.PersistState)
	router.POST("/host/restart", handlers.RestartHost)

	return router
}

// OnDevExit registers the hook invoked with the child's exit code when a
// dev-mode pty host crashes. Must be called before Start.
func (s *Server) OnDevExit(fn func(code int)) {
	s.host.OnDevExit(fn)
}

// Start spawns the pty host, revives persisted sessions, and begins
// background upkeep. It does not serve HTTP; call Run for that.
func (s *Server) Start(ctx context.Context) error {
	if err := s.host.Start(ctx); err != nil {
		return err
	}
	s.revival.Revive(ctx)

	uptimeCtx, stop := context.WithCancel(context.Background())
	s.stopUptime = stop
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-uptimeCtx.Done():
				return
			case <-ticker.C:
				s.metrics.UpdateUptime()
			}
		}
	}()
	return nil
}

// Run serves the control API. Blocks until the listener fails.
func (s *Server) Run() error {
	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.logger.Info("control API listening", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close persists terminal state, stops the pty host, and releases resources.
func (s *Server) Close() error {
	if s.stopUptime != nil {
		s.stopUptime()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.revival.Persist(ctx); err != nil {
		s.logger.Warn("final state persist failed", zap.Error(err))
	}

	if err := s.host.Close(); err != nil {
		s.logger.Warn("pty host shutdown failed", zap.Error(err))
	}
	s.hub.Close()
	return s.store.Close()
}
