// Command orchestrator supervises one interactive coding-assistant session's
// cognitive-agent subsessions: retrievers, learner, compactor, and curator.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/cogsupervisor/pkg/config"
	"github.com/codeready-toolchain/cogsupervisor/pkg/database"
	"github.com/codeready-toolchain/cogsupervisor/pkg/mcp"
	"github.com/codeready-toolchain/cogsupervisor/pkg/orchestrator"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func setupLogging(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	sessionID := flag.String("session-id", getEnv("SESSION_ID", ""), "Interactive host session identifier")
	cwd := flag.String("cwd", getEnv("CWD", "."), "Working directory of the host session")
	projectSlug := flag.String("project-slug", getEnv("PROJECT_SLUG", ""), "Project identifier used to namespace session state")
	transcriptPath := flag.String("transcript-path", getEnv("TRANSCRIPT_PATH", ""), "Path to the host's transcript file")
	lastCompactSize := flag.Int64("last-compact-size", 0, "Transcript byte offset already consumed by a prior compaction")

	retrieverEnabled := flag.Bool("retriever", true, "Enable the keyword and cascade memory retrievers")
	learnerEnabled := flag.Bool("learner", true, "Enable the learner path")
	compactorEnabled := flag.Bool("compactor", true, "Enable periodic session-state compaction")
	curatorEnabled := flag.Bool("curator", false, "Enable scheduled memory curation")

	sessionBudget := flag.Float64("session-budget-usd", getEnvFloat("SESSION_BUDGET_USD", 0), "Hard USD cap for the whole session (0 disables)")
	retrieverCallBudget := flag.Float64("retriever-call-budget-usd", getEnvFloat("RETRIEVER_CALL_BUDGET_USD", 0), "Per-call USD cap for each retriever")
	learnerCallBudget := flag.Float64("learner-call-budget-usd", getEnvFloat("LEARNER_CALL_BUDGET_USD", 0), "Per-call USD cap for the learner")
	compactorCallBudget := flag.Float64("compactor-call-budget-usd", getEnvFloat("COMPACTOR_CALL_BUDGET_USD", 0), "Per-call USD cap for the compactor")
	curatorCallBudget := flag.Float64("curator-call-budget-usd", getEnvFloat("CURATOR_CALL_BUDGET_USD", 0), "Per-call USD cap for the curator")

	parentPID := flag.Int("parent-pid", 0, "Exit when this PID disappears (0 disables the watchdog)")

	pollInterval := flag.Duration("poll-interval", 2*time.Second, "Inbox dispatcher poll interval")
	heartbeatInterval := flag.Duration("heartbeat-interval", getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second), "Liveness heartbeat interval")
	curatorInterval := flag.Duration("curator-interval", getEnvDuration("CURATOR_INTERVAL", 6*time.Hour), "Interval between scheduled curator runs")
	compactorInterval := flag.Duration("compactor-interval", getEnvDuration("COMPACTOR_INTERVAL", 60*time.Second), "Interval between compactor size checks")
	expirySweep := flag.Bool("expiry-sweep", false, "Periodically reclaim expired pending retrieval_inbox rows")

	mcpConfigPath := flag.String("mcp-config", getEnv("MCP_CONFIG", "./deploy/config/mcp_servers.yaml"), "Path to the MCP server configuration file")

	logLevel := flag.String("log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")

	flag.Parse()

	setupLogging(*logLevel, *logFormat)

	envPath := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	}

	if *sessionID == "" {
		log.Fatal("--session-id is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("error closing database client", "error", err)
		}
	}()
	store := orchestrator.NewStore(dbClient.DB())

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		log.Fatal("ANTHROPIC_API_KEY is required")
	}
	anthropicClient := anthropic.NewClient(option.WithAPIKey(apiKey))
	model := anthropic.Model(getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"))
	maxTokens, _ := strconv.ParseInt(getEnv("ANTHROPIC_MAX_TOKENS", "4096"), 10, 64)
	temperature := getEnvFloat("ANTHROPIC_TEMPERATURE", 0.7)

	pricing := map[orchestrator.AgentKind]orchestrator.ModelPricing{
		orchestrator.AgentKindRetrieverKeyword: {InputPerMillion: 3, OutputPerMillion: 15},
		orchestrator.AgentKindRetrieverCascade: {InputPerMillion: 3, OutputPerMillion: 15},
		orchestrator.AgentKindLearner:          {InputPerMillion: 3, OutputPerMillion: 15},
		orchestrator.AgentKindCompactor:        {InputPerMillion: 3, OutputPerMillion: 15},
		orchestrator.AgentKindCurator:          {InputPerMillion: 3, OutputPerMillion: 15},
	}
	llmClient := orchestrator.NewAnthropicSessionClient(anthropicClient, model, maxTokens, temperature, pricing)

	mcpRegistry, err := config.LoadMCPServerRegistry(*mcpConfigPath)
	if err != nil {
		slog.Warn("no mcp server configuration loaded, agents will run without memory tools", "error", err)
		mcpRegistry = config.NewMCPServerRegistry(nil)
	}
	mcpFactory := mcp.NewClientFactory(mcpRegistry)

	serverIDs := make([]string, 0, len(mcpRegistry.GetAll()))
	for id := range mcpRegistry.GetAll() {
		serverIDs = append(serverIDs, id)
	}

	cfg := orchestrator.DefaultConfig()
	cfg.SessionID = orchestrator.SessionId(*sessionID)
	cfg.CWD = *cwd
	cfg.ProjectSlug = *projectSlug
	cfg.TranscriptPath = *transcriptPath
	cfg.LastCompactSize = *lastCompactSize
	cfg.RetrieverEnabled = *retrieverEnabled
	cfg.LearnerEnabled = *learnerEnabled
	cfg.CompactorEnabled = *compactorEnabled
	cfg.CuratorEnabled = *curatorEnabled
	cfg.SessionBudgetUSD = *sessionBudget
	cfg.PerCallBudgetUSD = map[orchestrator.AgentKind]float64{
		orchestrator.AgentKindRetrieverKeyword: *retrieverCallBudget,
		orchestrator.AgentKindRetrieverCascade: *retrieverCallBudget,
		orchestrator.AgentKindLearner:          *learnerCallBudget,
		orchestrator.AgentKindCompactor:        *compactorCallBudget,
		orchestrator.AgentKindCurator:          *curatorCallBudget,
	}
	cfg.ParentPID = *parentPID
	cfg.MCPServerIDs = serverIDs
	cfg.Dispatcher.PollInterval = *pollInterval
	cfg.HeartbeatInterval = *heartbeatInterval
	cfg.Curator.Interval = *curatorInterval
	cfg.Compactor.Interval = *compactorInterval
	cfg.ExpirySweepEnabled = *expirySweep

	slog.Info("starting cognitive orchestrator",
		"session_id", cfg.SessionID, "cwd", cfg.CWD, "project_slug", cfg.ProjectSlug,
		"retriever", cfg.RetrieverEnabled, "learner", cfg.LearnerEnabled,
		"compactor", cfg.CompactorEnabled, "curator", cfg.CuratorEnabled)

	controller := orchestrator.NewController(cfg, store, llmClient)
	if err := controller.Start(ctx, mcpFactory); err != nil {
		slog.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := controller.Shutdown(shutdownCtx, "signal"); err != nil {
		slog.Error("error during shutdown", "error", err)
		os.Exit(1)
	}
}
