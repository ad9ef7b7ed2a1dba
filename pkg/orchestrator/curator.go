package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CuratorConfig tunables (§4.7).
type CuratorConfig struct {
	Interval time.Duration // default six hours
}

// DefaultCuratorConfig matches §4.7's default.
func DefaultCuratorConfig() CuratorConfig {
	return CuratorConfig{Interval: 6 * time.Hour}
}

// CuratorScheduler fires a single maintenance agent call periodically and
// on explicit curator_trigger (§4.7). Scheduling uses robfig/cron's
// interval-based (@every) entry rather than a plain ticker; each scheduler
// owns its own cron instance, and no other component uses cron.
type CuratorScheduler struct {
	mu        sync.Mutex
	sessionID SessionId
	busy      bool

	manager *AgentSessionManager
	cfg     CuratorConfig

	cronRunner *cron.Cron
	entryID    cron.EntryID
}

// NewCuratorScheduler constructs a scheduler.
func NewCuratorScheduler(sessionID SessionId, manager *AgentSessionManager, cfg CuratorConfig) *CuratorScheduler {
	return &CuratorScheduler{
		sessionID:  sessionID,
		manager:    manager,
		cfg:        cfg,
		cronRunner: cron.New(),
	}
}

// SetSessionID rebinds the scheduler to a new session during a
// session-reset handoff (§4.1).
func (c *CuratorScheduler) SetSessionID(id SessionId) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *CuratorScheduler) currentSessionID() SessionId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Start schedules the periodic maintenance run.
func (c *CuratorScheduler) Start(ctx context.Context) {
	spec := "@every " + c.cfg.Interval.String()
	id, err := c.cronRunner.AddFunc(spec, func() { c.run(ctx) })
	if err != nil {
		slog.Error("curator failed to schedule", "session_id", c.currentSessionID(), "error", err)
		return
	}
	c.entryID = id
	c.cronRunner.Start()
}

// Stop cancels the schedule and waits for any in-flight run to finish.
func (c *CuratorScheduler) Stop() {
	stopCtx := c.cronRunner.Stop()
	<-stopCtx.Done()
}

// FireOnDemand triggers an immediate maintenance run, bypassing the
// interval, triggered by a curator_trigger inbox message.
func (c *CuratorScheduler) FireOnDemand(ctx context.Context) {
	c.run(ctx)
}

func (c *CuratorScheduler) run(ctx context.Context) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return // Curator tick busy-queue policy: skip, wait for next interval.
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	prompt := "Run maintenance: merge duplicate memory entries, archive stale entries, " +
		"detect contradictions, and consolidate patterns using the available memory tools."

	if _, err := c.manager.Call(ctx, AgentKindCurator, prompt); err != nil {
		slog.Error("curator maintenance call failed", "session_id", c.currentSessionID(), "error", err)
	}
}
