// Package main is the unified entry point for grove. One binary runs
// the scheduler, orchestrator, router, HTTP API, webchat gateway and
// MCP control server together over shared infrastructure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	// Common packages
	"github.com/grovehq/grove/internal/common/config"
	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/telemetry"

	// Event bus and state store
	"github.com/grovehq/grove/internal/events"
	"github.com/grovehq/grove/internal/statestore"

	// Engines
	"github.com/grovehq/grove/internal/engine"
	"github.com/grovehq/grove/internal/engine/cli"
	"github.com/grovehq/grove/internal/engine/lemon"
	"github.com/grovehq/grove/internal/engine/mock"
	"github.com/grovehq/grove/internal/engine/openaieng"

	// Core pipeline
	"github.com/grovehq/grove/internal/agentcfg"
	"github.com/grovehq/grove/internal/channels"
	"github.com/grovehq/grove/internal/coalesce"
	"github.com/grovehq/grove/internal/orchestrator"
	"github.com/grovehq/grove/internal/policy"
	"github.com/grovehq/grove/internal/router"
	"github.com/grovehq/grove/internal/run"
	"github.com/grovehq/grove/internal/scheduler"
	"github.com/grovehq/grove/internal/session"

	// Surfaces
	"github.com/grovehq/grove/internal/api"
	gateways "github.com/grovehq/grove/internal/gateway/websocket"
	"github.com/grovehq/grove/internal/mcpserver"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting grove...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize tracing (optional)
	if err := telemetry.Init(ctx, cfg.Telemetry); err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	}

	// 5. Open the state store
	store, closeStore, err := statestore.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to open state store", zap.Error(err))
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Error("State store close error", zap.Error(err))
		}
	}()

	// 6. Initialize event bus (in-memory, or NATS if configured)
	providedBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() {
		if err := closeBus(); err != nil {
			log.Error("Event bus close error", zap.Error(err))
		}
	}()
	eventBus := providedBus.Bus

	// 7. Session state over the store
	meta := session.NewMetaStore(store)
	policies := session.NewPolicyStore(store)

	// ============================================
	// ENGINES
	// ============================================
	engines := engine.NewRegistry()
	if err := registerEngines(cfg, engines, log); err != nil {
		log.Fatal("Failed to register engines", zap.Error(err))
	}
	log.Info("Engines registered", zap.Strings("ids", engines.IDs()))

	// ============================================
	// AGENT PROFILES
	// ============================================
	profiles := agentcfg.NewRegistry(log)
	if err := profiles.Load(cfg.Agents.ConfigPath); err != nil {
		log.Fatal("Failed to load agent profiles",
			zap.Error(err), zap.String("path", cfg.Agents.ConfigPath))
	}
	log.Info("Agent profiles loaded", zap.Strings("agents", profiles.IDs()))

	// ============================================
	// SCHEDULER
	// ============================================
	runs := run.NewRegistry()
	supervisor := run.NewSupervisor(cfg.RunSupervisor.MaxChildren, log)
	coalescers := coalesce.NewRegistry()
	channelReg := channels.NewRegistry()

	runParams := run.Params{
		KillTimeout:     cfg.Engine.KillTimeout,
		IdleLimit:       cfg.Watchdog.IdleLimit,
		ConfirmTimeout:  cfg.Watchdog.ConfirmTimeout,
		PreemptiveRatio: cfg.Compaction.PreemptiveRatio,
		MaxAttempts:     cfg.Retry.MaxAttempts,
		Stream: coalesce.StreamParams{
			MinChars:    cfg.StreamCoalesce.MinChars,
			Idle:        time.Duration(cfg.StreamCoalesce.IdleMs) * time.Millisecond,
			MaxLatency:  time.Duration(cfg.StreamCoalesce.MaxLatencyMs) * time.Millisecond,
			MaxFullText: cfg.StreamCoalesce.MaxFullText,
		},
		Status: coalesce.StatusParams{
			MaxActions:  cfg.ToolStatus.MaxActions,
			MsgTruncate: cfg.ToolStatus.MsgTruncate,
		},
	}

	sched := scheduler.NewScheduler(scheduler.Deps{
		Engines:    engines,
		Channels:   channelReg,
		Profiles:   profiles,
		Runs:       runs,
		Coalescers: coalescers,
		Meta:       meta,
		Supervisor: supervisor,
		Bus:        eventBus,
	}, log, scheduler.Config{
		MaxConcurrentRuns: int64(cfg.Orchestrator.MaxConcurrentRuns),
		Run:               runParams,
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// ============================================
	// ORCHESTRATOR + ROUTER
	// ============================================
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	orch := orchestrator.New(orchestrator.Deps{
		Scheduler: sched,
		Profiles:  profiles,
		Engines:   engines,
		Meta:      meta,
		Policies:  policies,
		Bus:       eventBus,
	}, log, orchestrator.Config{
		DefaultEngine:   cfg.Orchestrator.DefaultEngine,
		DefaultModel:    cfg.Orchestrator.DefaultModel,
		CallerCwd:       cwd,
		ChannelPolicies: channelPolicies(cfg.Channels.Bindings, log),
	})

	rtr := router.New(router.Deps{
		Orchestrator: orch,
		Profiles:     profiles,
		Runs:         runs,
		Channels:     channelReg,
		Meta:         meta,
	}, log, router.Config{
		Bindings:       cfg.Channels.Bindings,
		CompactionTTL:  cfg.Compaction.PendingTTL,
		DefaultChannel: "api",
	})

	// ============================================
	// WEBCHAT GATEWAY
	// ============================================
	gateway := gateways.NewGateway(rtr, log)
	go gateway.Hub.Run(ctx)
	gateways.RegisterRunEventNotifications(ctx, eventBus, gateway.Hub, log)

	// Channel adapters. The programmatic channels share the webchat hub
	// transport, so runs submitted over HTTP or MCP render in any
	// attached console; with no console connected the frames drop in
	// the hub.
	for _, ch := range []string{gateways.ChannelID, "api", "mcp"} {
		limiter := rate.NewLimiter(rate.Limit(cfg.Channels.Webchat.EditsPerSecond), cfg.Channels.Webchat.Burst)
		if err := channelReg.Register(channels.NewEditable(ch, gateway.Hub, limiter, log)); err != nil {
			log.Fatal("Failed to register channel adapter",
				zap.Error(err), zap.String("channel", ch))
		}
	}

	// ============================================
	// HTTP SERVER (WebSocket + HTTP endpoints)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	apiServer := api.NewServer(api.Deps{
		Sender:     rtr,
		Submitter:  orch,
		Runs:       runs,
		Supervisor: supervisor,
		Scheduler:  sched,
		Engines:    engines,
		Meta:       meta,
		WS:         gateway.Endpoint(),
	}, log, cfg.HTTP)
	if err := apiServer.Start(); err != nil {
		log.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	// ============================================
	// MCP CONTROL SERVER
	// ============================================
	_, stopMCP, err := mcpserver.Provide(ctx, mcpserver.Deps{
		Sender:  rtr,
		Runs:    runs,
		Engines: engines,
		Meta:    meta,
	}, cfg.MCP, log)
	if err != nil {
		log.Fatal("Failed to start MCP server", zap.Error(err))
	}

	log.Info("grove ready",
		zap.String("http", fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)),
		zap.String("websocket", "/ws"),
		zap.Bool("mcp", cfg.MCP.Enabled),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down grove...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Surfaces drain in parallel; the scheduler stops after them.
	var g errgroup.Group
	g.Go(func() error { return apiServer.Stop(shutdownCtx) })
	g.Go(func() error { return stopMCP() })
	if err := g.Wait(); err != nil {
		log.Error("Surface shutdown error", zap.Error(err))
	}
	if err := sched.Stop(); err != nil {
		log.Error("Scheduler stop error", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("grove stopped")
}

// registerEngines wires every engine the environment supports. The mock
// engine is always present; the API-backed engines register only when
// their key is set, and the CLI engines register unconditionally since
// they fail per-run if the binary is missing.
func registerEngines(cfg *config.Config, engines *engine.Registry, log *logger.Logger) error {
	if err := engines.Register(mock.New()); err != nil {
		return err
	}

	if key := os.Getenv(cfg.Engine.Lemon.APIKeyEnv); key != "" {
		eng, err := lemon.NewFromAPIKey(key, lemon.Config{
			DefaultModel: cfg.Orchestrator.DefaultModel,
			MaxTokens:    int64(cfg.Engine.Lemon.MaxTokens),
			ContextLimit: int64(cfg.Engine.Lemon.ContextLimit),
		})
		if err != nil {
			return fmt.Errorf("lemon: %w", err)
		}
		if err := engines.Register(eng); err != nil {
			return err
		}
	} else {
		log.Info("Lemon engine disabled (no API key)", zap.String("env", cfg.Engine.Lemon.APIKeyEnv))
	}

	if err := engines.Register(cli.NewClaude(cli.Config{
		Binary:      cfg.Engine.Claude.Binary,
		Args:        cfg.Engine.Claude.ExtraArgs,
		KillTimeout: cfg.Engine.KillTimeout,
	}, log)); err != nil {
		return err
	}
	if err := engines.Register(cli.NewCodex(cli.Config{
		Binary:      cfg.Engine.Codex.Binary,
		Args:        cfg.Engine.Codex.ExtraArgs,
		KillTimeout: cfg.Engine.KillTimeout,
	}, log)); err != nil {
		return err
	}

	if key := os.Getenv(cfg.Engine.OpenAI.APIKeyEnv); key != "" {
		eng, err := openaieng.NewFromAPIKey(key, cfg.Engine.OpenAI.BaseURL, openaieng.Config{
			DefaultModel: cfg.Engine.OpenAI.DefaultModel,
			ContextLimit: int64(cfg.Engine.OpenAI.ContextLimit),
		})
		if err != nil {
			return fmt.Errorf("openai: %w", err)
		}
		if err := engines.Register(eng); err != nil {
			return err
		}
	} else {
		log.Info("OpenAI engine disabled (no API key)", zap.String("env", cfg.Engine.OpenAI.APIKeyEnv))
	}

	return nil
}

// channelPolicies builds the channel policy layer from the binding
// table. Later bindings for the same channel merge over earlier ones.
func channelPolicies(bindings []config.BindingConfig, log *logger.Logger) map[string]*policy.Policy {
	out := make(map[string]*policy.Policy)
	for _, b := range bindings {
		if len(b.Policy) == 0 {
			continue
		}
		p, err := policy.FromMap(b.Policy)
		if err != nil {
			log.Warn("Skipping invalid channel policy",
				zap.String("channel", b.Channel), zap.Error(err))
			continue
		}
		if existing, ok := out[b.Channel]; ok {
			out[b.Channel] = policy.Merge(existing, p)
		} else {
			out[b.Channel] = p
		}
	}
	return out
}
