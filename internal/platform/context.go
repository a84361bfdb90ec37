package platform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oasisrun/agentplatform/internal/agent"
	"github.com/oasisrun/agentplatform/internal/agent/providers"
	"github.com/oasisrun/agentplatform/internal/auth"
	"github.com/oasisrun/agentplatform/internal/checkpoint"
	"github.com/oasisrun/agentplatform/internal/forum"
	"github.com/oasisrun/agentplatform/internal/graph"
	"github.com/oasisrun/agentplatform/internal/observability"
	"github.com/oasisrun/agentplatform/internal/session"
	"github.com/oasisrun/agentplatform/internal/toolinvoker"
	"github.com/oasisrun/agentplatform/internal/trigger"
)

// RuntimeContext is the immutable bundle of collaborators constructed
// once at startup and passed explicitly into the subsystems in place
// of package-level singletons. Fields are set during Build and never mutated
// afterward.
type RuntimeContext struct {
	Config *Config
	Logger *slog.Logger

	Provider agent.LLMProvider
	Registry *toolinvoker.Registry
	Invoker  *toolinvoker.Invoker
	Store    checkpoint.Store
	Executor *graph.Executor
	Sessions *session.Manager

	Roster *forum.Roster
	Engine *forum.Engine

	Scheduler *trigger.Scheduler

	Passwords     *auth.PasswordStore
	JWT           *auth.JWTService
	InternalToken string
	UserFiles     *UserFiles

	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	tracerShutdown func(context.Context) error
}

// Build wires the full platform from cfg. The tool-provider subprocess
// launches in cfg.ToolProviders are attempted here; a provider that
// fails to come up is logged and skipped, leaving its tool group absent
// from the namespace.
func Build(ctx context.Context, cfg *Config, logger *slog.Logger) (*RuntimeContext, error) {
	if logger == nil {
		logger = slog.Default()
	}

	provider, err := buildProvider(cfg.Model)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics()
	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName: "oasisd",
		Endpoint:    cfg.Observability.OTLPEndpoint,
	})

	registry := toolinvoker.NewRegistry(logger)
	for name, tp := range cfg.ToolProviders {
		if err := registry.Load(ctx, toolinvoker.ProviderGroup(name), tp.MCPServerConfig(name)); err != nil {
			logger.Warn("tool provider group unavailable", "group", name, "error", err)
		}
	}
	invoker := toolinvoker.New(registry.Tools(), logger)
	invoker.Metrics = metrics

	store, err := buildStore(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}

	executor := graph.New(graph.Config{
		Provider: provider,
		Invoker:  invoker,
		Store:    store,
		Logger:   logger.With("component", "graph"),
		Metrics:  metrics,
		Tracer:   tracer,
	})
	sessions := session.New(store, executor, logger.With("component", "session"))
	sessions.Metrics = metrics

	passwords, err := auth.NewPasswordStore(cfg.Auth.UsersFile)
	if err != nil {
		return nil, fmt.Errorf("platform: load password store: %w", err)
	}
	token, err := auth.LoadOrCreateInternalToken(cfg.Auth.InternalTokenFile)
	if err != nil {
		return nil, fmt.Errorf("platform: load internal token: %w", err)
	}
	// The internal token doubles as the JWT signing secret — both are
	// bootstrapped once and persisted, so bearer tokens survive restarts.
	jwtSvc := auth.NewJWTService(token, 24*time.Hour)

	builtin, err := forum.LoadBuiltinCatalog(cfg.Forum.BuiltinExpertsFile)
	if err != nil {
		logger.Warn("builtin expert catalog unavailable, starting with none", "error", err)
		builtin = nil
	}
	roster := forum.NewRoster(builtin, cfg.Forum.CustomExpertsDir)

	runner := forum.NewSessionSubAgentRunner(sessions)
	engine := forum.NewEngine(roster, provider, provider, runner, logger.With("component", "forum"))
	engine.Metrics = metrics

	scheduler := trigger.NewScheduler(
		trigger.NewAgentPoster(cfg.Server.AgentURL, token, nil),
		trigger.WithLogger(logger.With("component", "trigger")),
		trigger.WithMetrics(metrics),
	)

	return &RuntimeContext{
		Config:         cfg,
		Logger:         logger,
		Provider:       provider,
		Registry:       registry,
		Invoker:        invoker,
		Store:          store,
		Executor:       executor,
		Sessions:       sessions,
		Roster:         roster,
		Engine:         engine,
		Scheduler:      scheduler,
		Passwords:      passwords,
		JWT:            jwtSvc,
		InternalToken:  token,
		UserFiles:      NewUserFiles(cfg.UserFiles),
		Metrics:        metrics,
		Tracer:         tracer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Close releases held resources: the checkpoint DB, the tool-provider
// subprocess connections, and the trace exporter.
func (rc *RuntimeContext) Close() {
	if rc.Registry != nil {
		rc.Registry.Close()
	}
	if rc.Store != nil {
		if err := rc.Store.Close(); err != nil {
			rc.Logger.Warn("closing checkpoint store", "error", err)
		}
	}
	if rc.tracerShutdown != nil {
		if err := rc.tracerShutdown(context.Background()); err != nil {
			rc.Logger.Warn("shutting down tracer", "error", err)
		}
	}
}

func buildProvider(cfg ModelConfig) (agent.LLMProvider, error) {
	switch cfg.Provider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		})
	case "openai":
		return providers.NewOpenAIProvider(cfg.APIKey), nil
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{APIKey: cfg.APIKey})
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		}), nil
	default:
		return nil, fmt.Errorf("platform: unknown model provider %q", cfg.Provider)
	}
}

func buildStore(cfg CheckpointConfig) (checkpoint.Store, error) {
	if cfg.Path == "" {
		return checkpoint.NewMemoryStore(), nil
	}
	store, err := checkpoint.OpenSQLStore(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("platform: open checkpoint store: %w", err)
	}
	return store, nil
}
