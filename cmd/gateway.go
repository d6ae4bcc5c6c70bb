package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BangRocket/mypalclara/internal/bus"
	"github.com/BangRocket/mypalclara/internal/cache"
	"github.com/BangRocket/mypalclara/internal/channels"
	"github.com/BangRocket/mypalclara/internal/channels/cli"
	"github.com/BangRocket/mypalclara/internal/channels/discord"
	"github.com/BangRocket/mypalclara/internal/channels/telegram"
	"github.com/BangRocket/mypalclara/internal/config"
	"github.com/BangRocket/mypalclara/internal/gateway"
	"github.com/BangRocket/mypalclara/internal/history"
	"github.com/BangRocket/mypalclara/internal/identity"
	"github.com/BangRocket/mypalclara/internal/memory"
	"github.com/BangRocket/mypalclara/internal/orchestrator"
	"github.com/BangRocket/mypalclara/internal/providers"
	"github.com/BangRocket/mypalclara/internal/telemetry"
	"github.com/BangRocket/mypalclara/internal/tools"
)

const emotionSweepInterval = 5 * time.Minute

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the chat gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	live := config.NewLive(cfg)
	stopWatch, err := config.Watch(cfgPath, live, nil)
	if err != nil {
		slog.Warn("config watch disabled", "error", err)
		stopWatch = func() {}
	}
	defer stopWatch()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snap := live.Snapshot()

	shutdownTelemetry, err := telemetry.Init(ctx, snap.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	// Chat history runs on postgres when a DSN is set, otherwise a local
	// sqlite file (standalone mode).
	var histStore *history.SQLStore
	dialect := identity.DialectSQLite
	if snap.Database.PostgresDSN != "" {
		histStore, err = history.OpenPostgres(ctx, snap.Database.PostgresDSN)
		if err != nil {
			slog.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		dialect = identity.DialectPostgres
	} else {
		histStore, err = history.OpenSQLite(config.ExpandHome(snap.Database.SQLitePath))
		if err != nil {
			slog.Error("sqlite open failed", "path", snap.Database.SQLitePath, "error", err)
			os.Exit(1)
		}
		slog.Info("running standalone on sqlite", "path", snap.Database.SQLitePath)
	}
	defer histStore.Close()

	resolver := identity.NewResolver(histStore.DB(), dialect)
	var links []identity.Link
	for _, l := range snap.Identity.Links {
		links = append(links, identity.Link{From: l.From, To: l.To})
	}
	resolver.ApplyConfigLinks(ctx, links)

	registry := providers.NewRegistry()
	registerProviders(registry, snap.Providers)
	if _, err := registry.Default(); err != nil {
		slog.Error("no LLM provider configured; set CLARA_ANTHROPIC_API_KEY or CLARA_OPENAI_API_KEY")
		os.Exit(1)
	}

	toolRegistry := tools.NewRegistry()
	policy := tools.NewPolicy(
		snap.ToolSecurity.DefaultMode,
		snap.ToolSecurity.AllowList,
		snap.ToolSecurity.BlockList,
		snap.ToolSecurity.ApprovalRequired,
	)
	executor := tools.NewExecutor(toolRegistry, policy, histStore, snap.ToolSecurity.ExecutionTimeout(), snap.ToolSecurity.AuditEnabled())

	orch := orchestrator.New(registry, executor, orchestrator.Options{
		MaxIterations:      snap.Gateway.MaxToolIterations,
		MaxToolResultChars: snap.Gateway.MaxToolResultChars,
		AutoContinue:       snap.Gateway.AutoContinue(),
		AutoContinueMax:    snap.Gateway.AutoContinueMax,
	})

	redisCache := cache.New(ctx, snap.Redis.Addr, snap.Redis.Password, snap.Redis.DB)
	if redisCache != nil {
		defer redisCache.Close()
	}

	memService := buildMemory(ctx, snap, orch, redisCache, histStore)

	toolRegistry.Register(&tools.TimeTool{})
	toolRegistry.Register(tools.NewWebSearchTool())
	toolRegistry.Register(tools.NewWebFetchTool())
	toolRegistry.Register(tools.NewShellTool(""))
	if memService != nil {
		toolRegistry.Register(tools.NewMemorySearchTool(memService))
		toolRegistry.Register(tools.NewMemoryGraphTool(memService))
	}

	msgBus := bus.New()
	gw := gateway.New(live, msgBus, orch, toolRegistry, policy, resolver, histStore, memService)

	manager := channels.NewManager(msgBus)
	if snap.Channels.CLI.Enabled {
		manager.Register(cli.New(msgBus, gw.Command))
	}
	if snap.Channels.Discord.Enabled {
		if adapter, err := discord.New(snap.Channels.Discord, msgBus); err != nil {
			slog.Error("discord adapter setup failed", "error", err)
		} else {
			manager.Register(adapter)
		}
	}
	if snap.Channels.Telegram.Enabled {
		if adapter, err := telegram.New(snap.Channels.Telegram, msgBus); err != nil {
			slog.Error("telegram adapter setup failed", "error", err)
		} else {
			manager.Register(adapter)
		}
	}
	if err := manager.StartAll(ctx); err != nil {
		slog.Error("no chat surface available", "error", err)
		os.Exit(1)
	}

	go manager.DispatchOutbound(ctx)
	go gw.Run(ctx)

	if memService != nil {
		go func() {
			ticker := time.NewTicker(emotionSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					memService.Emotions.SweepInactive(ctx, snap.Gateway.ActiveTimeout())
				}
			}
		}()
	}

	slog.Info("clara gateway running", "version", Version)
	<-ctx.Done()

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.StopAll(shutdownCtx)
	gw.Wait()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}
}

func registerProviders(registry *providers.Registry, cfg config.ProvidersConfig) {
	if cfg.Anthropic.APIKey != "" {
		var opts []providers.AnthropicOption
		if cfg.Anthropic.Model != "" {
			opts = append(opts, providers.WithAnthropicModel(cfg.Anthropic.Model))
		}
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(cfg.Anthropic.BaseURL))
		}
		registry.Register(providers.NewAnthropicProvider(cfg.Anthropic.APIKey, opts...))
	}
	if cfg.OpenAI.APIKey != "" {
		registry.Register(providers.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model))
	}
	if cfg.Default != "" {
		registry.SetDefault(cfg.Default)
	}
	if cfg.Tiers.High != "" {
		registry.SetTier(providers.TierHigh, cfg.Tiers.High)
	}
	if cfg.Tiers.Mid != "" {
		registry.SetTier(providers.TierMid, cfg.Tiers.Mid)
	}
	if cfg.Tiers.Low != "" {
		registry.SetTier(providers.TierLow, cfg.Tiers.Low)
	}
}

// buildMemory assembles the semantic memory plane. It needs postgres with
// pgvector and an OpenAI key for embeddings; without either the gateway runs
// with memory disabled.
func buildMemory(ctx context.Context, snap config.Config, orch *orchestrator.Orchestrator, redisCache *cache.Cache, histStore *history.SQLStore) *memory.Service {
	if !snap.Memory.IsEnabled() {
		return nil
	}
	if snap.Database.PostgresDSN == "" {
		slog.Info("memory plane disabled: no postgres DSN")
		return nil
	}
	if snap.Providers.OpenAI.APIKey == "" {
		slog.Warn("memory plane disabled: embeddings need CLARA_OPENAI_API_KEY")
		return nil
	}

	aux := &orchestrator.AuxCompleter{Orchestrator: orch, Tier: providers.TierLow}

	pgStore, err := memory.OpenPg(ctx, snap.Database.PostgresDSN, snap.Memory.Embedding.Dims(), aux)
	if err != nil {
		slog.Error("memory store connect failed", "error", err)
		return nil
	}
	if err := pgStore.EnsureSchema(ctx); err != nil {
		slog.Error("memory schema setup failed", "error", err)
		pgStore.Close()
		return nil
	}

	embedClient := providers.NewEmbeddingClient(
		snap.Providers.OpenAI.APIKey,
		snap.Providers.OpenAI.BaseURL,
		snap.Memory.Embedding.ModelName(),
		snap.Memory.Embedding.Dims(),
	)
	embedder := memory.NewCachedEmbedder(embedClient, redisCache, snap.Memory.Embedding.ModelName())

	extractor := memory.NewExtractor(aux)
	reconciler := memory.NewReconciler(pgStore, embedder, aux, histStore)
	emotions := memory.NewEmotionTracker(pgStore, embedder)
	topics := memory.NewTopicTracker(pgStore, embedder, aux, snap.Memory.MaxTopics)

	slog.Info("memory plane ready", "model", snap.Memory.Embedding.ModelName(), "dims", snap.Memory.Embedding.Dims())
	return memory.NewService(pgStore, embedder, extractor, reconciler, emotions, topics, redisCache)
}
