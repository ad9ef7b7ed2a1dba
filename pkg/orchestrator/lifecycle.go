package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/codeready-toolchain/cogsupervisor/pkg/mcp"
)

// Config mirrors the CLI flag surface a host process supplies at launch
// (§6.1), plus the additive ambient tunables each supervised component
// exposes.
type Config struct {
	SessionID      SessionId
	CWD            string
	ProjectSlug    string
	TranscriptPath string

	RetrieverEnabled bool
	LearnerEnabled   bool
	CompactorEnabled bool
	CuratorEnabled   bool

	LastCompactSize int64

	PerCallBudgetUSD map[AgentKind]float64
	SessionBudgetUSD float64

	ParentPID int

	MCPServerIDs []string
	ToolFilter   map[string][]string

	HeartbeatInterval   time.Duration
	Dispatcher          DispatcherConfig
	Retrieval           RetrievalConfig
	Learner             LearnerConfig
	Compactor           CompactorConfig
	Curator             CuratorConfig
	ZombieScanInterval  time.Duration
	ZombieStaleness     time.Duration
	ExpirySweepEnabled  bool
	ExpirySweepInterval time.Duration
	ParentWatchdogTick  time.Duration

	SlidingWindowCapacity int
}

// DefaultConfig fills in every tunable's §4/§6 default, leaving identity
// fields (SessionID, CWD, TranscriptPath, ProjectSlug) for the caller.
func DefaultConfig() Config {
	return Config{
		RetrieverEnabled:      true,
		LearnerEnabled:        true,
		CompactorEnabled:      true,
		CuratorEnabled:        false,
		HeartbeatInterval:     10 * time.Second,
		Dispatcher:            DefaultDispatcherConfig(),
		Retrieval:             DefaultRetrievalConfig(),
		Learner:               DefaultLearnerConfig(),
		Compactor:             DefaultCompactorConfig(),
		Curator:               DefaultCuratorConfig(),
		ZombieScanInterval:    30 * time.Second,
		ZombieStaleness:       60 * time.Second,
		ExpirySweepEnabled:    false,
		ExpirySweepInterval:   5 * time.Minute,
		ParentWatchdogTick:    5 * time.Second,
		SlidingWindowCapacity: 40,
	}
}

// Controller owns every supervised component for one orchestrator process
// and drives its lifecycle (§4.1): start, steady-state operation, the
// session-reset handoff, and shutdown.
type Controller struct {
	store     *Store
	mcpClient *mcp.Client
	llmClient AgentSessionClient
	manager   *AgentSessionManager
	window    *SlidingWindow
	budget    *BudgetTracker

	dispatcher *Dispatcher
	retrieval  *RetrievalCoordinator
	learner    *LearnerPath
	compactor  *CompactorScheduler
	curator    *CuratorScheduler
	zombie     *ZombieDetector
	sweeper    *ExpirySweeper
	watchdog   *ParentWatchdog

	mu         sync.Mutex
	cfg        Config
	status     OrchestratorStatus
	heartbeat  chan struct{}
	wg         sync.WaitGroup
	shutdownOnce sync.Once
}

// NewController wires a Controller from cfg. The LLM client is supplied by
// the caller (an AnthropicSessionClient in production, a fake in tests),
// keeping the provider an external collaborator per §1. The MCP toolserver
// connection is deferred to Start, which receives the factory directly.
func NewController(cfg Config, store *Store, llmClient AgentSessionClient) *Controller {
	return &Controller{
		cfg:       cfg,
		store:     store,
		llmClient: llmClient,
		heartbeat: make(chan struct{}),
		status:    StatusStarting,
	}
}

// systemPrompt returns the fixed system prompt for kind. These are the
// orchestrator's own prompts, distinct from the per-call prompts routed
// components build from inbox payloads.
func systemPrompt(kind AgentKind) string {
	switch kind {
	case AgentKindRetrieverKeyword:
		return "You are the keyword memory retriever. Given the recent conversation and a new " +
			"prompt, search memory for directly relevant context via the available tools, or " +
			"respond SKIP if nothing is relevant."
	case AgentKindRetrieverCascade:
		return "You are the cascade memory retriever. Given the recent conversation and a new " +
			"prompt, perform a broader associative memory search via the available tools, or " +
			"respond SKIP if nothing is relevant."
	case AgentKindLearner:
		return "You are the learner. Given a tool observation, extract durable, reusable " +
			"knowledge worth remembering via the available tools, or respond SKIP."
	case AgentKindCompactor:
		return "You are the session compactor. Given the previous session state and new " +
			"conversation, produce an updated, concise session state summary."
	case AgentKindCurator:
		return "You are the curator. Perform periodic memory maintenance: merge duplicates, " +
			"archive stale entries, and consolidate patterns."
	default:
		return ""
	}
}

// Start brings the orchestrator from (none) to running (§4.1): validates
// config, upserts the starting record, discovers the MCP toolserver's tools,
// then primes the LLM subsessions in parallel across kinds, then launches
// every enabled background task.
func (c *Controller) Start(ctx context.Context, mcpFactory *mcp.ClientFactory) error {
	if c.cfg.SessionID == "" {
		return NewConfigError(fmt.Errorf("session id must not be empty"))
	}
	if c.cfg.CompactorEnabled && c.cfg.TranscriptPath == "" {
		return NewConfigError(fmt.Errorf("transcript path required when compactor is enabled"))
	}

	pid := os.Getpid()
	if err := c.store.UpsertStarting(ctx, c.cfg.SessionID, pid, c.cfg.RetrieverEnabled, c.cfg.LearnerEnabled); err != nil {
		return NewInitError(fmt.Errorf("upserting starting record: %w", err))
	}

	toolset, err := c.buildToolset(ctx, mcpFactory)
	if err != nil {
		_ = c.store.SetCrashed(ctx, c.cfg.SessionID, err.Error())
		return NewInitError(err)
	}

	c.budget = NewBudgetTracker(c.cfg.PerCallBudgetUSD, c.cfg.SessionBudgetUSD)
	c.manager = NewAgentSessionManager(c.llmClient, c.budget, toolset)
	c.manager.OnBudgetExhausted(func(kind AgentKind) {
		slog.Warn("session budget exhausted, shutting down", "session_id", c.cfg.SessionID, "kind", kind)
		c.Shutdown(context.Background(), "budget")
	})
	c.window = NewSlidingWindow(c.cfg.SlidingWindowCapacity)

	if err := c.initAgents(ctx); err != nil {
		_ = c.store.SetCrashed(ctx, c.cfg.SessionID, err.Error())
		return err
	}

	if err := c.store.SetStatus(ctx, c.cfg.SessionID, StatusRunning); err != nil {
		return NewInitError(fmt.Errorf("transitioning to running: %w", err))
	}

	c.mu.Lock()
	c.status = StatusRunning
	c.mu.Unlock()

	c.buildComponents()
	c.startComponents(ctx)

	slog.Info("orchestrator started",
		"session_id", c.cfg.SessionID, "pid", pid,
		"retriever_enabled", c.cfg.RetrieverEnabled, "learner_enabled", c.cfg.LearnerEnabled,
		"compactor_enabled", c.cfg.CompactorEnabled, "curator_enabled", c.cfg.CuratorEnabled)

	return nil
}

// buildToolset discovers tools from every configured MCP server and hands
// every enabled agent kind the same whitelist. There are no per-kind tool
// carve-outs; the only filtering is the per-server tool filter from Config,
// passed to CreateToolExecutor, which applies to every kind alike.
func (c *Controller) buildToolset(ctx context.Context, mcpFactory *mcp.ClientFactory) (map[AgentKind][]ToolSpec, error) {
	if len(c.cfg.MCPServerIDs) == 0 {
		return map[AgentKind][]ToolSpec{}, nil
	}

	executor, client, err := mcpFactory.CreateToolExecutor(ctx, c.cfg.MCPServerIDs, c.cfg.ToolFilter)
	if err != nil {
		return nil, fmt.Errorf("connecting to mcp toolserver: %w", err)
	}
	c.mcpClient = client

	defs, err := executor.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing mcp tools: %w", err)
	}
	specs := toolSpecsFromMCP(defs)

	toolset := make(map[AgentKind][]ToolSpec)
	for _, kind := range []AgentKind{
		AgentKindRetrieverKeyword, AgentKindRetrieverCascade, AgentKindLearner,
		AgentKindCompactor, AgentKindCurator,
	} {
		toolset[kind] = specs
	}
	return toolset, nil
}

// initAgents primes every enabled agent kind's subsession concurrently; a
// compactor/curator subsession is always primed since both are mandatory
// supervisory roles even when their schedules are disabled via flags (only
// the trigger/scheduling is gated, per §4.6/§4.7).
func (c *Controller) initAgents(ctx context.Context) error {
	kinds := []AgentKind{AgentKindCompactor, AgentKindCurator}
	if c.cfg.RetrieverEnabled {
		kinds = append(kinds, AgentKindRetrieverKeyword, AgentKindRetrieverCascade)
	}
	if c.cfg.LearnerEnabled {
		kinds = append(kinds, AgentKindLearner)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(kinds))
	for i, kind := range kinds {
		wg.Add(1)
		go func(i int, kind AgentKind) {
			defer wg.Done()
			if _, err := c.manager.Init(ctx, kind, systemPrompt(kind)); err != nil {
				errs[i] = fmt.Errorf("initializing %s: %w", kind, err)
			}
		}(i, kind)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return NewInitError(err)
		}
	}

	retrieverSub, learnerSub := "", ""
	if sub := c.manager.Subsession(AgentKindRetrieverKeyword); sub != nil {
		retrieverSub = sub.SubsessionID
	}
	if sub := c.manager.Subsession(AgentKindLearner); sub != nil {
		learnerSub = sub.SubsessionID
	}
	return c.store.SetSubsessionIDs(ctx, c.cfg.SessionID, retrieverSub, learnerSub)
}

func (c *Controller) buildComponents() {
	c.retrieval = NewRetrievalCoordinator(c.cfg.SessionID, c.manager, c.store, c.window, c.cfg.Retrieval,
		c.cfg.RetrieverEnabled, c.cfg.RetrieverEnabled)
	c.learner = NewLearnerPath(c.cfg.SessionID, c.manager, c.cfg.Learner)
	c.compactor = NewCompactorScheduler(c.cfg.SessionID, c.cfg.ProjectSlug, c.cfg.TranscriptPath,
		c.manager, c.store, c.cfg.Compactor, c.cfg.LastCompactSize)
	c.curator = NewCuratorScheduler(c.cfg.SessionID, c.manager, c.cfg.Curator)

	c.dispatcher = NewDispatcher(c.cfg.SessionID, c.store, c.cfg.Dispatcher,
		c.retrieval, c.learner, c.compactor, c.curator,
		c.cfg.RetrieverEnabled, c.cfg.LearnerEnabled)
	c.dispatcher.OnSessionEnd(func(cause string) { c.Shutdown(context.Background(), cause) })
	c.dispatcher.OnSessionReset(c.handleSessionReset)

	c.zombie = NewZombieDetector(c.store, c.cfg.ZombieScanInterval, c.cfg.ZombieStaleness)
	if c.cfg.ExpirySweepEnabled {
		c.sweeper = NewExpirySweeper(c.store, c.cfg.ExpirySweepInterval)
	}
	if c.cfg.ParentPID > 0 {
		c.watchdog = NewParentWatchdog(c.cfg.ParentPID, c.cfg.ParentWatchdogTick, func() {
			c.Shutdown(context.Background(), "parent process gone")
			os.Exit(1)
		})
	}
}

func (c *Controller) startComponents(ctx context.Context) {
	c.dispatcher.Start(ctx)
	c.zombie.Start(ctx)
	if c.cfg.CompactorEnabled {
		c.compactor.Start(ctx)
	}
	if c.cfg.CuratorEnabled {
		c.curator.Start(ctx)
	}
	if c.sweeper != nil {
		c.sweeper.Start(ctx)
	}
	if c.watchdog != nil {
		c.watchdog.Start(ctx)
	}

	c.wg.Add(1)
	go c.runHeartbeat(ctx)
}

func (c *Controller) runHeartbeat(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.heartbeat:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.store.Heartbeat(ctx, c.cfg.SessionID); err != nil {
				slog.Error("heartbeat failed", "session_id", c.cfg.SessionID, "error", err)
			}
		}
	}
}

// handleSessionReset implements the cross-process session-reset handoff
// (§4.1, §4.3): the existing process rebinds to newID without restarting,
// retaining every AgentSubsession handle and its in-memory history.
func (c *Controller) handleSessionReset(ctx context.Context, newID SessionId, transcriptPath string) error {
	c.mu.Lock()
	oldID := c.cfg.SessionID
	c.mu.Unlock()

	if err := c.store.SetStatus(ctx, oldID, StatusClearing); err != nil {
		return fmt.Errorf("marking old session clearing: %w", err)
	}

	retrieverSub, learnerSub := "", ""
	if sub := c.manager.Subsession(AgentKindRetrieverKeyword); sub != nil {
		retrieverSub = sub.SubsessionID
	}
	if sub := c.manager.Subsession(AgentKindLearner); sub != nil {
		learnerSub = sub.SubsessionID
	}
	if err := c.store.RenameSession(ctx, oldID, newID, os.Getpid(),
		c.cfg.RetrieverEnabled, c.cfg.LearnerEnabled, retrieverSub, learnerSub); err != nil {
		return fmt.Errorf("renaming session: %w", err)
	}

	c.window.Reset()

	c.mu.Lock()
	c.cfg.SessionID = newID
	c.cfg.TranscriptPath = transcriptPath
	c.mu.Unlock()

	c.dispatcher.SetSessionID(newID)
	c.retrieval.SetSessionID(newID)
	c.learner.SetSessionID(newID)
	c.compactor.SetSessionID(newID, c.cfg.ProjectSlug, transcriptPath)
	c.curator.SetSessionID(newID)

	slog.Info("session reset handoff complete", "old_session_id", oldID, "new_session_id", newID)
	return nil
}

// HealthSnapshot is a point-in-time diagnostic read of a running
// orchestrator, analogous to the teacher's WorkerPool.Health(). Nothing in
// this process serves it over HTTP (no API surface per spec); the host
// process calls Controller.Health() directly, or reads orchestrator_state
// itself for the same status/heartbeat fields.
type HealthSnapshot struct {
	SessionID       SessionId
	Status          OrchestratorStatus
	PendingInbox    int64
	AgentBusy       map[AgentKind]bool
	LastHeartbeat   time.Time
	LastZombieScan  time.Time
	ZombieRecovered int
	SessionSpendUSD float64
}

// Health reports a snapshot of queue depth, per-agent busy state, the
// zombie detector's last scan, and cumulative session spend.
func (c *Controller) Health(ctx context.Context) (HealthSnapshot, error) {
	c.mu.Lock()
	sessionID := c.cfg.SessionID
	c.mu.Unlock()

	status, err := c.store.ReadStatus(ctx, sessionID)
	if err != nil {
		return HealthSnapshot{}, fmt.Errorf("reading status: %w", err)
	}

	pending, err := c.store.PendingInboxCount(ctx, sessionID)
	if err != nil {
		return HealthSnapshot{}, fmt.Errorf("reading pending inbox count: %w", err)
	}

	lastHeartbeat, err := c.store.ReadHeartbeat(ctx, sessionID)
	if err != nil {
		return HealthSnapshot{}, fmt.Errorf("reading last heartbeat: %w", err)
	}

	zombieStats := c.zombie.Stats()

	return HealthSnapshot{
		SessionID:       sessionID,
		Status:          status,
		PendingInbox:    pending,
		AgentBusy:       c.manager.BusyStates(),
		LastHeartbeat:   lastHeartbeat,
		LastZombieScan:  zombieStats.LastScan,
		ZombieRecovered: zombieStats.CrashedRecovered,
		SessionSpendUSD: c.budget.SessionSpend(),
	}, nil
}

// Shutdown drains in-flight work and transitions to a terminal state
// (§4.1). Idempotent: a second call after the first completes is a no-op.
func (c *Controller) Shutdown(ctx context.Context, cause string) error {
	var shutdownErr error
	c.shutdownOnce.Do(func() {
		sessionID := c.cfg.SessionID
		slog.Info("orchestrator shutting down", "session_id", sessionID, "cause", cause)

		if err := c.store.SetStatus(ctx, sessionID, StatusStopping); err != nil {
			slog.Error("failed to mark stopping", "error", err)
		}

		close(c.heartbeat)

		c.dispatcher.Stop()
		c.zombie.Stop()
		if c.cfg.CompactorEnabled {
			c.compactor.Stop()
		}
		if c.cfg.CuratorEnabled {
			c.curator.Stop()
		}
		if c.sweeper != nil {
			c.sweeper.Stop()
		}
		if c.watchdog != nil {
			c.watchdog.Stop()
		}

		c.learner.FlushOnShutdown(ctx)

		if err := c.store.FailAllPending(ctx, sessionID); err != nil {
			slog.Error("failed to fail pending inbox rows on shutdown", "error", err)
		}

		c.manager.Close()
		if c.mcpClient != nil {
			_ = c.mcpClient.Close()
		}

		status := StatusStopped
		if cause == "crash" {
			status = StatusCrashed
		}
		if err := c.store.SetStatus(ctx, sessionID, status); err != nil {
			slog.Error("failed to mark terminal status", "error", err)
			shutdownErr = err
		}

		c.wg.Wait()
	})
	return shutdownErr
}
