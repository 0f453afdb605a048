package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchidbot/orchid/pkg/agent"
	"github.com/orchidbot/orchid/pkg/approval"
	"github.com/orchidbot/orchid/pkg/background"
	"github.com/orchidbot/orchid/pkg/bus"
	"github.com/orchidbot/orchid/pkg/channels"
	"github.com/orchidbot/orchid/pkg/chat"
	"github.com/orchidbot/orchid/pkg/config"
	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/metrics"
	"github.com/orchidbot/orchid/pkg/providers"
	"github.com/orchidbot/orchid/pkg/router"
	"github.com/orchidbot/orchid/pkg/schedule"
	"github.com/orchidbot/orchid/pkg/store"
	"github.com/orchidbot/orchid/pkg/swarm"
	"github.com/orchidbot/orchid/pkg/taskman"
	"github.com/orchidbot/orchid/pkg/tools"
	"github.com/orchidbot/orchid/pkg/verifier"
)

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the orchestrator gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

// gatewayRunner holds every initialized component so shutdown can walk them
// in reverse.
type gatewayRunner struct {
	cfg       *config.Config
	store     *store.Store
	provider  providers.LLMProvider
	approvals *approval.Manager
	runner    *background.Runner
	verifier  *verifier.Verifier
	metrics   *metrics.Collector
	schedules *schedule.Service
	router    *router.Router
	channels  *channels.Manager
	swarm     *swarm.Coordinator
}

func runGateway() error {
	runner, err := createGatewayRunner()
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.InfoCF("gateway", "Shutting down", map[string]any{"signal": sig.String()})

	runner.shutdown()
	return nil
}

func createGatewayRunner() (*gatewayRunner, error) {
	paths := config.ResolveRuntimePaths()
	cfg, err := config.LoadConfig(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(paths.LogDir, 0o755); err == nil {
		_ = logger.EnableFileLogging(filepath.Join(paths.LogDir, "orchid.log"))
	}

	dbPath := config.ExpandHome(cfg.Store.Path)
	if dbPath == "" {
		dbPath = paths.DatabasePath
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ctx := context.Background()
	eventBus := bus.NewEventBus()

	provider := providers.NewAnthropicProvider(cfg.LLM.Model)
	if err := provider.Initialize(ctx, providers.Credentials{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
	}); err != nil {
		st.Close()
		return nil, fmt.Errorf("initialize provider: %w", err)
	}

	orch := cfg.Orchestrator
	approvals := approval.Create(st, eventBus, time.Duration(orch.ApprovalTimeoutMs)*time.Millisecond)
	tasks := taskman.Create(st, eventBus)

	workspace := config.ExpandHome(cfg.Agents.Defaults.Workspace)
	auditFn := func(action, targetID string, ok bool, details map[string]any) {
		result := store.AuditSuccess
		if !ok {
			result = store.AuditFailure
		}
		auditCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.Audit.Append(auditCtx, &store.AuditEntry{
			Action:   action,
			TargetID: targetID,
			Result:   result,
			Details:  details,
		})
	}

	toolRegistry := tools.NewToolRegistry()
	toolRegistry.Register(tools.NewReadFileTool(workspace, true))
	toolRegistry.Register(tools.NewWriteFileTool(workspace, true))
	toolRegistry.Register(tools.NewExecTool(workspace, 0, approvals, auditFn))

	allToolNames := append(toolRegistry.Names(),
		"delegate_task", "list_tasks", "cancel_task", "create_agent")
	registry := agent.NewRegistry(cfg.LLM.Model, allToolNames)

	loop := chat.NewToolLoop(provider, toolRegistry, st, cfg.Agents.Defaults.MaxToolIterations)
	agentLoop := loop.AsAgentLoop(cfg.Agents.Defaults.MaxTokens)

	spawner := agent.NewSpawner(registry, st, eventBus, agentLoop,
		time.Duration(orch.SubagentTimeoutMs)*time.Millisecond, orch.MaxSubagentDepth)

	bgRunner := background.NewRunner(spawner, tasks, eventBus, background.Options{
		MaxPerChat:       orch.MaxBackgroundPerChat,
		ProgressThrottle: time.Duration(orch.ProgressThrottleMs) * time.Millisecond,
		CleanupInterval:  time.Duration(orch.CleanupIntervalMs) * time.Millisecond,
	})

	toolRegistry.Register(tools.NewDelegateTaskTool(bgRunner))
	toolRegistry.Register(tools.NewListTasksTool(bgRunner))
	toolRegistry.Register(tools.NewCancelTaskTool(bgRunner))
	toolRegistry.Register(tools.NewCreateAgentTool(registry))

	coordinator := swarm.NewCoordinator(provider, registry, agentLoop, eventBus, swarm.Options{
		Model:     cfg.LLM.Model,
		MaxAgents: orch.MaxSwarmAgents,
		Deadline:  time.Duration(orch.SwarmTimeoutMs) * time.Millisecond,
	})

	var chatRouter *router.Router
	channelManager := channels.NewManager(func(msg chat.InboundMessage) {
		chatRouter.Route(msg)
	}, eventBus, approvals, cfg.RateLimits.MaxMessagesPerMinute)

	chatRouter = router.NewRouter(loop, st, eventBus, coordinator, channelManager.Send, router.Options{
		Model:         cfg.LLM.Model,
		MaxTokens:     cfg.Agents.Defaults.MaxTokens,
		QueueMode:     store.QueueModeQueue,
		MaxQueueSize:  orch.MaxQueueSize,
		CollectWindow: time.Duration(orch.CollectWindowMs) * time.Millisecond,
	})

	if cfg.Channels.Telegram.Enabled {
		tg, err := channels.NewTelegramChannel(cfg.Channels.Telegram, channelManager.HandleInbound)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("telegram channel: %w", err)
		}
		channelManager.Register(tg)
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := channels.NewDiscordChannel(cfg.Channels.Discord, channelManager.HandleInbound)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("discord channel: %w", err)
		}
		channelManager.Register(dc)
	}

	taskVerifier := verifier.NewVerifier(tasks, st, eventBus, bgRunner, verifier.Options{
		CommandTimeout: time.Duration(cfg.Verifier.CommandTimeoutMs) * time.Millisecond,
		MaxRetries:     cfg.Verifier.MaxRetries,
	})
	collector := metrics.NewCollector(eventBus, 0)
	scheduleService := schedule.NewService(st, tasks, time.Duration(cfg.Schedule.TickIntervalMs)*time.Millisecond)

	// recover state left over from the previous process
	if n, err := spawner.MarkOrphaned(ctx, time.Now().UnixMilli()); err == nil && n > 0 {
		logger.InfoCF("gateway", "Orphaned stale subagents", map[string]any{"count": n})
	}
	if err := approvals.RecoverPending(ctx); err != nil {
		logger.WarnCF("gateway", "Approval recovery failed", map[string]any{"error": err.Error()})
	}

	bgRunner.Start()
	collector.Start()
	if cfg.Verifier.Enabled {
		taskVerifier.Start()
	}
	if cfg.Schedule.Enabled {
		scheduleService.Start()
	}
	if err := channelManager.StartAll(ctx); err != nil {
		st.Close()
		return nil, err
	}

	logger.InfoCF("gateway", "Gateway running", map[string]any{
		"model": cfg.LLM.Model,
		"db":    dbPath,
	})

	return &gatewayRunner{
		cfg:       cfg,
		store:     st,
		provider:  provider,
		approvals: approvals,
		runner:    bgRunner,
		verifier:  taskVerifier,
		metrics:   collector,
		schedules: scheduleService,
		router:    chatRouter,
		channels:  channelManager,
		swarm:     coordinator,
	}, nil
}

// shutdown stops components in reverse dependency order.
func (g *gatewayRunner) shutdown() {
	g.channels.StopAll()
	g.router.StopAll()
	g.swarm.Stop()
	g.schedules.Stop()
	g.verifier.Stop()
	g.runner.StopAll()
	g.approvals.Shutdown()
	g.metrics.Stop()
	_ = g.provider.Shutdown()
	if err := g.store.Close(); err != nil {
		logger.WarnCF("gateway", "Store close failed", map[string]any{"error": err.Error()})
	}
	logger.InfoC("gateway", "Shutdown complete")
}
