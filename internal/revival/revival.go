// Package revival persists terminal sessions across application restarts
// and revives them on startup.
//
// Persisted state is a versioned envelope; any blob that fails validation
// aborts revival but is left in the store for postmortem inspection. A
// successful revival deletes the blob, so revival never repeats. Environment
// variables are re-resolved fresh at revival time instead of trusting the
// captured snapshot, so revived sessions see current customizations.
package revival

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/infrastructure/monitoring"
	"github.com/lumenide/backend/internal/profiles"
	"github.com/lumenide/backend/internal/storage"
	"github.com/lumenide/backend/internal/term"
)

const (
	// StateKey is the storage key of the serialized session envelope.
	StateKey = "terminal.state"
	// LayoutKey is the storage key of the pending layout blob.
	LayoutKey = "terminal.layout"

	defaultEntryTimeout = 5 * time.Second
)

// TerminalHost is the registry surface the revival service drives.
type TerminalHost interface {
	TrackedIDs() []int
	SerializeTerminalState(ctx context.Context, ids []int) (term.SerializedState, error)
	ReviveTerminalProcesses(ctx context.Context, workspaceID string, entries []term.SerializedEntry) error
	SetTerminalLayoutInfo(ctx context.Context, layout term.LayoutInfo) error
}

// VariableResolver expands configuration variables ("${workspaceFolder}",
// "${env:HOME}", ...) in a fixed workspace context.
type VariableResolver interface {
	Resolve(ctx context.Context, value string) (string, error)
}

// ResolverFactory builds a resolver rooted at a workspace folder.
type ResolverFactory interface {
	ResolverFor(workspaceRoot string) VariableResolver
}

// EnvContributor applies one accumulated environment-variable collection
// contribution on top of a composed environment.
type EnvContributor interface {
	ApplyTo(ctx context.Context, env map[string]string) error
}

// Workspace supplies the workspace context revival runs in.
type Workspace interface {
	ID() string
	LastActiveRoot() string
}

// Service implements session persistence and revival.
type Service struct {
	store        *storage.Store
	host         TerminalHost
	resolvers    ResolverFactory
	contributors []EnvContributor
	catalog      *profiles.Catalog
	platformEnv  map[string]string
	workspace    Workspace
	logger       *logging.Logger
	metrics      *monitoring.Metrics
	entryTimeout time.Duration
}

// Options bundles the service collaborators.
type Options struct {
	Store        *storage.Store
	Host         TerminalHost
	Resolvers    ResolverFactory
	Contributors []EnvContributor
	Catalog      *profiles.Catalog
	// PlatformEnv holds platform-specific environment overrides merged
	// beneath the profile environment.
	PlatformEnv map[string]string
	Workspace   Workspace
	Logger      *logging.Logger
	Metrics     *monitoring.Metrics
	// EntryTimeout bounds variable resolution per revived entry so one
	// stalled resolver cannot block the rest.
	EntryTimeout time.Duration
}

// NewService creates a revival service.
func NewService(opts Options) *Service {
	if opts.Catalog == nil {
		opts.Catalog = profiles.Builtin()
	}
	if opts.EntryTimeout <= 0 {
		opts.EntryTimeout = defaultEntryTimeout
	}
	return &Service{
		store:        opts.Store,
		host:         opts.Host,
		resolvers:    opts.Resolvers,
		contributors: opts.Contributors,
		catalog:      opts.Catalog,
		platformEnv:  opts.PlatformEnv,
		workspace:    opts.Workspace,
		logger:       opts.Logger.Named("revival"),
		metrics:      opts.Metrics,
		entryTimeout: opts.EntryTimeout,
	}
}

// Persist serializes all tracked sessions and writes the versioned envelope
// to durable storage. With no tracked sessions the stale blob is removed.
func (s *Service) Persist(ctx context.Context) error {
	scope := s.workspace.ID()
	ids := s.host.TrackedIDs()
	if len(ids) == 0 {
		return s.store.Delete(scope, StateKey)
	}

	state, err := s.host.SerializeTerminalState(ctx, ids)
	if err != nil {
		return fmt.Errorf("serialize terminal state: %w", err)
	}
	state.Version = term.StateSchemaVersion

	blob, err := sonic.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal terminal state: %w", err)
	}
	if err := s.store.Put(scope, StateKey, blob); err != nil {
		return fmt.Errorf("store terminal state: %w", err)
	}

	s.logger.Info("terminal state persisted", zap.Int("sessions", len(ids)))
	return nil
}

// SaveLayout stores the workspace layout blob. Called on every layout
// mutation.
func (s *Service) SaveLayout(layout term.LayoutInfo) error {
	blob, err := sonic.Marshal(layout)
	if err != nil {
		return fmt.Errorf("marshal layout: %w", err)
	}
	return s.store.Put(s.workspace.ID(), LayoutKey, blob)
}

// Revive reconstructs persisted sessions. It never fails startup: every
// error path is swallowed and logged. A blob that fails validation is left
// in place for inspection; only a fully successful revival deletes it.
func (s *Service) Revive(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("revival panicked", zap.Any("panic", r))
		}
	}()

	revived, err := s.revive(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RevivalFailures.Inc()
		}
		s.logger.Warn("terminal revival skipped", zap.Error(err))
		return
	}
	if revived > 0 {
		s.logger.Info("terminal sessions revived", zap.Int("sessions", revived))
	}
}

var errMalformedState = errors.New("persisted state is missing version or state fields")

func (s *Service) revive(ctx context.Context) (int, error) {
	scope := s.workspace.ID()
	raw, err := s.store.Get(scope, StateKey)
	if err != nil {
		return 0, fmt.Errorf("read persisted state: %w", err)
	}
	if raw == nil {
		return 0, nil
	}

	entries, err := decodeState(raw)
	if err != nil {
		// Deliberately keep the blob: a malformed batch is postmortem
		// material, not garbage.
		return 0, err
	}

	resolver := s.resolvers.ResolverFor(s.workspace.LastActiveRoot())
	for i := range entries {
		entryCtx, cancel := context.WithTimeout(ctx, s.entryTimeout)
		env, envErr := s.composeEnv(entryCtx, resolver, entries[i].ShellLaunchConfig)
		cancel()
		if envErr != nil {
			s.logger.Warn("environment re-resolution incomplete",
				zap.Int("entry", i), zap.Error(envErr))
		}
		entries[i].ProcessLaunchOptions.Env = env
	}

	if err := s.host.ReviveTerminalProcesses(ctx, scope, entries); err != nil {
		return 0, fmt.Errorf("revive on host: %w", err)
	}

	// One-shot semantics: the blob is consumed by a successful revival.
	if err := s.store.Delete(scope, StateKey); err != nil {
		s.logger.Warn("failed to clear persisted state", zap.Error(err))
	}

	s.reapplyLayout(ctx, scope)
	return len(entries), nil
}

func decodeState(raw []byte) ([]term.SerializedEntry, error) {
	var envelope struct {
		Version *int            `json:"version"`
		State   json.RawMessage `json:"state"`
	}
	if err := sonic.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode persisted state: %w", err)
	}
	if envelope.Version == nil || envelope.State == nil {
		return nil, errMalformedState
	}
	if *envelope.Version != term.StateSchemaVersion {
		return nil, fmt.Errorf("persisted state has schema version %d, want %d",
			*envelope.Version, term.StateSchemaVersion)
	}

	var entries []term.SerializedEntry
	if err := sonic.Unmarshal(envelope.State, &entries); err != nil {
		return nil, fmt.Errorf("persisted state is not a session list: %w", err)
	}
	return entries, nil
}

// composeEnv rebuilds an entry's environment from live state: platform
// overrides, then the default profile, then the launch config's own
// variables (resolved), then collection contributions for ordinary visible
// sessions.
func (s *Service) composeEnv(ctx context.Context, resolver VariableResolver, cfg term.ShellLaunchConfig) (map[string]string, error) {
	env := make(map[string]string)

	if cfg.StrictEnv {
		// Strict sessions asked for exactly the environment they declared.
		for k, v := range cfg.Env {
			env[k] = v
		}
		return env, nil
	}

	for k, v := range s.platformEnv {
		env[k] = v
	}
	for k, v := range s.catalog.DefaultProfile().Env {
		env[k] = v
	}

	var firstErr error
	for k, v := range cfg.Env {
		resolved, err := resolver.Resolve(ctx, v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("resolve %s: %w", k, err)
			}
			resolved = v
		}
		env[k] = resolved
	}

	if !cfg.HideFromUser {
		for _, contributor := range s.contributors {
			if err := contributor.ApplyTo(ctx, env); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("apply env contribution: %w", err)
			}
		}
	}
	return env, firstErr
}

func (s *Service) reapplyLayout(ctx context.Context, scope string) {
	raw, err := s.store.Get(scope, LayoutKey)
	if err != nil || raw == nil {
		return
	}

	var layout term.LayoutInfo
	if err := sonic.Unmarshal(raw, &layout); err != nil {
		s.logger.Warn("pending layout blob is malformed", zap.Error(err))
		return
	}
	if err := s.host.SetTerminalLayoutInfo(ctx, layout); err != nil {
		s.logger.Warn("failed to reapply layout", zap.Error(err))
		return
	}
	if err := s.store.Delete(scope, LayoutKey); err != nil {
		s.logger.Warn("failed to clear layout blob", zap.Error(err))
	}
}
