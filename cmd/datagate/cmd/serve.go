package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/datagate-io/datagate/internal/adapter/inbound/httpapi"
	auditfile "github.com/datagate-io/datagate/internal/adapter/outbound/audit"
	"github.com/datagate-io/datagate/internal/adapter/outbound/cel"
	"github.com/datagate-io/datagate/internal/adapter/outbound/llm"
	mdhclient "github.com/datagate-io/datagate/internal/adapter/outbound/mdh"
	"github.com/datagate-io/datagate/internal/adapter/outbound/memory"
	oauthadp "github.com/datagate-io/datagate/internal/adapter/outbound/oauth"
	"github.com/datagate-io/datagate/internal/config"
	"github.com/datagate-io/datagate/internal/domain/agent"
	"github.com/datagate-io/datagate/internal/domain/ratelimit"
	"github.com/datagate-io/datagate/internal/domain/semantic"
	"github.com/datagate-io/datagate/internal/domain/threat"
	"github.com/datagate-io/datagate/internal/service"
)

// Cache and janitor tuning. Result cache entries expire quickly because
// record data changes under the gateway; verdict cache TTL comes from
// config.
const (
	resultCacheEntries = 500
	resultCacheTTL     = 5 * time.Minute

	conversationStoreMax = 1000

	janitorInterval = 5 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the DataGate gateway server.

The server validates bearer tokens, enforces per-endpoint rate limits,
screens conversational queries for threats, and proxies model and
record access to the configured master-data hub.

Examples:
  # Start with config file settings
  datagate serve

  # Start in development mode (permissive defaults, debug logging)
  datagate serve --dev`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, permissive defaults)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// The --dev flag must land before LoadConfig applies dev defaults.
	if devMode {
		viper.Set("dev_mode", true)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("development mode enabled, do not use in production")
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("datagate stopped")
	return nil
}

// run wires the full component graph and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Audit sink: daily NDJSON files with retention pruning, fed through
	// the async writer so request paths never block on disk.
	fileStore, err := auditfile.NewFileStore(cfg.Audit.Directory,
		auditfile.WithRetentionDays(cfg.Audit.RetentionDays),
		auditfile.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create audit store: %w", err)
	}
	defer func() { _ = fileStore.Close() }()

	auditSvc, err := service.NewAuditService(fileStore, cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("create audit service: %w", err)
	}
	defer func() { _ = auditSvc.Close() }()

	// Revocation store and rate limiter.
	tokens := memory.NewTokenStore(cfg.Revocation.MaxRecords)

	rules := make(map[string]ratelimit.Rule, len(cfg.Security.RateLimits))
	for pattern, r := range cfg.Security.RateLimits {
		rules[pattern] = ratelimit.Rule{Burst: r.Burst, Minute: r.Minute, Hour: r.Hour, Day: r.Day}
	}
	ruleSet := ratelimit.NewRuleSet(rules, cfg.Security.Whitelist, cfg.Security.WhitelistBypassEndpoints)
	limiter := memory.NewRateLimiter(ruleSet, memory.WithLimiterLogger(logger))

	// OAuth resource server: remote introspection when configured,
	// local HMAC verification otherwise.
	resourceOpts := []service.ResourceServerOption{
		service.WithResourceLogger(logger),
		service.WithResourceRecorder(auditSvc),
	}
	if cfg.OAuth.IntrospectionURL != "" {
		introspector, err := oauthadp.NewIntrospector(cfg.OAuth, logger)
		if err != nil {
			return fmt.Errorf("create introspector: %w", err)
		}
		resourceOpts = append(resourceOpts, service.WithIntrospector(introspector))
		logger.Info("token validation via remote introspection", "url", cfg.OAuth.IntrospectionURL)
	} else {
		logger.Info("token validation via local signature verification")
	}
	resource := service.NewResourceServer(cfg, tokens, resourceOpts...)

	// Threat analysis: rule scorer plus optional LLM advisory.
	analyzerOpts := []semantic.AnalyzerOption{
		semantic.WithLogger(logger),
		semantic.WithThresholds(cfg.Security.RuleConfidenceThreshold, cfg.Security.LLMBoostThreshold),
		semantic.WithVerdictCache(memory.NewVerdictCache(
			cfg.Security.LLMCacheMaxEntries,
			time.Duration(cfg.Security.LLMCacheTTLSeconds)*time.Second,
		)),
		semantic.WithContextStore(memory.NewConversationStore(conversationStoreMax)),
	}
	var llmClient *llm.AnthropicClient
	if cfg.LLM.APIKey != "" {
		llmClient, err = llm.NewAnthropicClient(cfg.LLM, logger)
		if err != nil {
			return fmt.Errorf("create llm client: %w", err)
		}
		analyzerOpts = append(analyzerOpts, semantic.WithAdvisor(
			semantic.AdvisorFunc(func(ctx context.Context, prompt string) (string, error) {
				return llmClient.Complete(ctx, "", prompt)
			}),
		))
		if d, err := time.ParseDuration(cfg.LLM.Timeout); err == nil {
			analyzerOpts = append(analyzerOpts, semantic.WithAdvisorTimeout(d))
		}
		logger.Info("llm advisory enabled", "model", cfg.LLM.Model)
	} else {
		logger.Info("llm advisory disabled, rule-based analysis only")
	}
	analyzer := semantic.NewAnalyzer(analyzerOpts...)

	security := service.NewSecurityService(limiter, threat.NewDetector(), analyzer, auditSvc, logger)

	// Master-data hub client and the conversational pipeline over it.
	hub, err := mdhclient.NewClient(cfg.MDH, mdhclient.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create mdh client: %w", err)
	}

	pipelineOpts := []service.PipelineOption{
		service.WithPipelineLogger(logger),
		service.WithPipelineRecorder(auditSvc),
		service.WithResultCache(memory.NewResultCache(resultCacheEntries, resultCacheTTL)),
	}
	if llmClient != nil {
		pipelineOpts = append(pipelineOpts, service.WithLLM(llmClient))
	}
	pipeline := service.NewPipeline(hub, cfg.Features, pipelineOpts...)

	mgr := agent.NewStateManager(auditSvc, logger)
	orchestrator := service.NewOrchestrator(security, pipeline, mgr, cfg.Features,
		service.WithOrchestratorLogger(logger))

	serverOpts := []httpapi.Option{
		httpapi.WithAddr(cfg.Server.HTTPAddr),
		httpapi.WithLogger(logger),
		httpapi.WithVersion(Version),
		httpapi.WithRecorder(auditSvc),
		httpapi.WithAuditStore(fileStore),
		httpapi.WithAuditService(auditSvc),
		httpapi.WithRateLimiter(limiter),
		httpapi.WithHealthChecker(httpapi.NewHealthChecker(tokens, limiter, auditSvc, Version)),
	}
	if len(cfg.Policies) > 0 {
		engine, err := cel.NewEvaluator(cfg.Policies)
		if err != nil {
			return fmt.Errorf("compile policies: %w", err)
		}
		serverOpts = append(serverOpts, httpapi.WithPolicyEngine(engine))
		logger.Info("tool access policies compiled", "rules", len(cfg.Policies))
	}

	server := httpapi.NewServer(cfg.OAuth, resource, security, orchestrator, hub, serverOpts...)

	go janitor(ctx, limiter, tokens, logger)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// janitor periodically evicts idle rate-limit counters and expired
// revocation records.
func janitor(ctx context.Context, limiter *memory.RateLimiter, tokens *memory.TokenStore, logger *slog.Logger) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Cleanup()
			if removed, err := tokens.CleanupExpired(ctx); err == nil && removed > 0 {
				logger.Debug("expired revocation records removed", "count", removed)
			}
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
