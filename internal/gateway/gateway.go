// Package gateway is the composition root: it wires the vault client,
// policy, audit, tool fabric, skills pipeline, memory capture, model
// router, agent loop, channel adapters, and the web surface into one
// runnable assistant.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jedikim/jedisos-sub000/internal/agent"
	"github.com/jedikim/jedisos-sub000/internal/audit"
	"github.com/jedikim/jedisos-sub000/internal/channels"
	"github.com/jedikim/jedisos-sub000/internal/channels/discord"
	"github.com/jedikim/jedisos-sub000/internal/channels/slack"
	"github.com/jedikim/jedisos-sub000/internal/channels/telegram"
	"github.com/jedikim/jedisos-sub000/internal/config"
	"github.com/jedikim/jedisos-sub000/internal/conversation"
	"github.com/jedikim/jedisos-sub000/internal/llm"
	"github.com/jedikim/jedisos-sub000/internal/llm/providers"
	"github.com/jedikim/jedisos-sub000/internal/memory"
	"github.com/jedikim/jedisos-sub000/internal/notify"
	"github.com/jedikim/jedisos-sub000/internal/observability"
	"github.com/jedikim/jedisos-sub000/internal/policy"
	"github.com/jedikim/jedisos-sub000/internal/search"
	"github.com/jedikim/jedisos-sub000/internal/skills"
	"github.com/jedikim/jedisos-sub000/internal/tools"
	"github.com/jedikim/jedisos-sub000/internal/tools/builtin"
	"github.com/jedikim/jedisos-sub000/internal/vault"
	"github.com/jedikim/jedisos-sub000/internal/web"
)

// Gateway owns every long-lived component of a running assistant.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics       *observability.Metrics
	tracer        *observability.Tracer
	traceShutdown func(context.Context) error

	vault       *vault.Client
	vaultProc   *vaultProcess
	auditLog    *audit.Log
	policy      *policy.Engine
	registry    *tools.Registry
	dispatcher  *tools.Dispatcher
	broadcaster *notify.Broadcaster

	conversations *conversation.Store
	engine        *memory.Capture
	reflector     *memory.Reflector
	router        *llm.Router
	loop          *agent.Loop

	loader      *skills.Loader
	contextSvc  *skills.ContextService
	synthesizer *skills.Synthesizer

	channels *channels.Registry
	web      *web.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	bg      sync.WaitGroup
	started bool
}

// New wires all components from the validated configuration. Nothing is
// started; call Start to bring the runtime up.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "gateway")

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	tracer, traceShutdown, err := observability.NewTracer(ctx, observability.TraceConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "jedisos",
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	vaultClient := vault.NewClient(cfg.Vault.SocketPath)
	auditLog := audit.New(cfg.Audit.MaxEntries, logger)
	policyEngine := policy.NewEngine(loadPolicySnapshot(cfg, log))

	registry := tools.NewRegistry(logger)
	dispatcher := tools.NewDispatcher(registry, policyEngine, auditLog, logger, metrics)
	broadcaster := notify.NewBroadcaster(logger)

	conversations := conversation.NewStore(0, logger)
	registry.Subscribe(func(tools.ChangeEvent) { conversations.FlushAll() })

	detector, err := memory.LoadDetector(cfg.Memory.PatternsPath)
	if err != nil {
		return nil, fmt.Errorf("load detector patterns: %w", err)
	}
	engine := memory.NewCapture(memory.NewHTTPEngine(cfg.Memory.EngineURL, nil), vaultClient, detector, logger)
	reflector := memory.NewReflector(engine, nil, cfg.Memory.ReflectSchedule, logger)

	router := llm.NewRouter(providers.FromEnv(ctx, logger), llm.RouterConfig{
		Fallback:  cfg.LLM.Fallback,
		Roles:     roleChains(cfg.LLM.Roles),
		CachePath: cfg.LLM.RoleCachePath,
		Logger:    logger,
		Metrics:   metrics,
	})

	contextSvc := skills.NewContextService(router, engine, logger)
	runner := skills.NewRunner(logger,
		skills.WithPython(cfg.Skills.PythonBin),
		skills.WithContextSocket(contextSvc.SocketPath),
	)
	loader := skills.NewLoader(cfg.Skills.BundleRoot, runner, skills.NewChecker(runner), registry, logger)
	searchClient := search.NewClient(logger)
	synthesizer := skills.NewSynthesizer(router, searchClient, engine, loader, broadcaster, logger,
		skills.WithMaxRetries(cfg.Skills.MaxRetries),
		skills.WithMetrics(metrics))

	if err := builtin.Register(builtin.Deps{
		Registry:    registry,
		Synthesizer: synthesizer,
		Catalog:     loader,
		Search:      searchClient,
		Memory:      engine,
		Logger:      logger,
	}); err != nil {
		return nil, fmt.Errorf("register built-in tools: %w", err)
	}

	personas, err := agent.LoadPersonas(cfg.Agent.PersonasDir, memory.DefaultBank, memory.SkillBank)
	if err != nil {
		return nil, fmt.Errorf("load personas: %w", err)
	}

	loop := agent.New(agent.Config{
		Personas:     personas,
		MaxToolCalls: cfg.Agent.MaxToolCalls,
	}, router, registry, dispatcher, engine, conversations, logger, metrics, tracer)

	chRegistry := channels.NewRegistry(logger)
	if err := registerAdapters(chRegistry, cfg.Channels, logger); err != nil {
		return nil, err
	}
	for _, name := range chRegistry.Names() {
		broadcaster.Subscribe("channel:"+name, chRegistry.Sink(name))
	}

	webServer, err := web.NewServer(web.Config{
		Addr:        cfg.Server.Addr,
		Agent:       loop,
		Vault:       vaultClient,
		Audit:       auditLog,
		Policy:      policyEngine,
		Broadcaster: broadcaster,
		Metrics:     metrics,
		Gatherer:    promReg,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build web server: %w", err)
	}

	return &Gateway{
		cfg:           cfg,
		logger:        log,
		metrics:       metrics,
		tracer:        tracer,
		traceShutdown: traceShutdown,
		vault:         vaultClient,
		auditLog:      auditLog,
		policy:        policyEngine,
		registry:      registry,
		dispatcher:    dispatcher,
		broadcaster:   broadcaster,
		conversations: conversations,
		engine:        engine,
		reflector:     reflector,
		router:        router,
		loop:          loop,
		loader:        loader,
		contextSvc:    contextSvc,
		synthesizer:   synthesizer,
		channels:      chRegistry,
		web:           webServer,
	}, nil
}

// Loop exposes the turn engine for the CLI chat path.
func (g *Gateway) Loop() *agent.Loop { return g.loop }

// Vault exposes the client for CLI vault commands.
func (g *Gateway) Vault() *vault.Client { return g.vault }

// Skills exposes the bundle loader for CLI skill commands.
func (g *Gateway) Skills() *skills.Loader { return g.loader }

// loadPolicySnapshot prefers the persisted policy file when one exists;
// otherwise the configured lists seed a fresh engine.
func loadPolicySnapshot(cfg *config.Config, log *slog.Logger) policy.Snapshot {
	if _, err := os.Stat(cfg.Policy.Path); err == nil {
		snap, err := policy.LoadFile(cfg.Policy.Path)
		if err == nil {
			log.Info("policy loaded from file", "path", cfg.Policy.Path)
			return snap
		}
		log.Warn("policy file unreadable, using configured policy", "path", cfg.Policy.Path, "error", err)
	}
	return policy.Snapshot{
		Allow:         cfg.Policy.Allow,
		Deny:          cfg.Policy.Deny,
		RatePerMinute: cfg.Policy.RatePerMinute,
	}
}

// roleChains converts the config mapping into router roles.
func roleChains(raw map[string][]string) map[llm.Role][]string {
	if len(raw) == 0 {
		return nil
	}
	chains := make(map[llm.Role][]string, len(raw))
	for role, models := range raw {
		chains[llm.Role(role)] = models
	}
	return chains
}

// registerAdapters builds one adapter per enabled channel.
func registerAdapters(reg *channels.Registry, cfg config.ChannelsConfig, logger *slog.Logger) error {
	if cfg.Telegram.Enabled {
		a, err := telegram.New(telegram.Config{Token: cfg.Telegram.BotToken, Logger: logger})
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	if cfg.Slack.Enabled {
		a, err := slack.New(slack.Config{BotToken: cfg.Slack.BotToken, AppToken: cfg.Slack.AppToken, Logger: logger})
		if err != nil {
			return fmt.Errorf("slack adapter: %w", err)
		}
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	if cfg.Discord.Enabled {
		a, err := discord.New(discord.Config{Token: cfg.Discord.BotToken, Logger: logger})
		if err != nil {
			return fmt.Errorf("discord adapter: %w", err)
		}
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
