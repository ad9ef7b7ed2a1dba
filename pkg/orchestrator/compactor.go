package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// CompactorConfig tunables (§4.6).
type CompactorConfig struct {
	Interval             time.Duration // tick frequency, default ~60s
	SizeThreshold        int64         // bytes-since-last-compaction that triggers a run
	InitialWindowChars   int           // first compaction window, default ~45000
	IncrementalWindowChars int         // subsequent compactions window, default ~25000
}

// DefaultCompactorConfig matches §4.6's defaults.
func DefaultCompactorConfig() CompactorConfig {
	return CompactorConfig{
		Interval:               60 * time.Second,
		SizeThreshold:          10_000,
		InitialWindowChars:     45_000,
		IncrementalWindowChars: 25_000,
	}
}

// CompactorScheduler monitors host transcript size and produces incremental
// session-state summaries (§4.6). A single instance is a per-kind singleton;
// ticks and on-demand fires are never invoked reentrantly against each other.
type CompactorScheduler struct {
	sessionID      SessionId
	projectSlug    string
	transcriptPath string
	manager        *AgentSessionManager
	store          *Store
	cfg            CompactorConfig

	mu                sync.Mutex
	busy              bool
	lastCompactedSize int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCompactorScheduler constructs a scheduler. lastCompactSize seeds the
// byte offset already consumed, per the --last-compact-size CLI flag.
func NewCompactorScheduler(sessionID SessionId, projectSlug, transcriptPath string, manager *AgentSessionManager, store *Store, cfg CompactorConfig, lastCompactSize int64) *CompactorScheduler {
	return &CompactorScheduler{
		sessionID:         sessionID,
		projectSlug:       projectSlug,
		transcriptPath:    transcriptPath,
		manager:           manager,
		store:             store,
		cfg:               cfg,
		lastCompactedSize: lastCompactSize,
		stopCh:            make(chan struct{}),
	}
}

// Start launches the periodic check timer.
func (c *CompactorScheduler) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop halts the timer.
func (c *CompactorScheduler) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *CompactorScheduler) run(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// SetSessionID rebinds the scheduler to a new session, project, and
// transcript during a session-reset handoff (§4.1); the compacted-size
// baseline resets since the new transcript starts fresh.
func (c *CompactorScheduler) SetSessionID(id SessionId, projectSlug, transcriptPath string) {
	c.mu.Lock()
	c.sessionID = id
	c.projectSlug = projectSlug
	c.transcriptPath = transcriptPath
	c.lastCompactedSize = 0
	c.mu.Unlock()
}

func (c *CompactorScheduler) snapshot() (sessionID SessionId, projectSlug, transcriptPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.projectSlug, c.transcriptPath
}

func (c *CompactorScheduler) tick(ctx context.Context) {
	sessionID, _, _ := c.snapshot()
	size, err := c.transcriptSize()
	if err != nil {
		slog.Error("compactor failed to stat transcript", "session_id", sessionID, "error", err)
		return
	}

	c.mu.Lock()
	delta := size - c.lastCompactedSize
	c.mu.Unlock()

	if delta < c.cfg.SizeThreshold {
		return // below the size threshold: nothing to compact this tick
	}

	c.compact(ctx)
}

// FireOnDemand bypasses the size check, triggered by a compactor_trigger
// inbox message.
func (c *CompactorScheduler) FireOnDemand(ctx context.Context) {
	c.compact(ctx)
}

func (c *CompactorScheduler) compact(ctx context.Context) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return // Compactor tick busy-queue policy: skip this tick.
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	sessionID, projectSlug, _ := c.snapshot()

	prev, err := c.store.LatestSessionState(ctx, sessionID, projectSlug)
	if err != nil {
		slog.Error("compactor failed to read previous state", "session_id", sessionID, "error", err)
		return
	}

	windowChars := c.cfg.IncrementalWindowChars
	label := "[UPDATE REQUEST]"
	prevText := ""
	nextVersion := 1
	if prev == nil {
		windowChars = c.cfg.InitialWindowChars
		label = "[INITIAL STATE REQUEST]"
	} else {
		prevText = prev.StateText
		nextVersion = prev.Version + 1
	}

	conversation, err := c.readTranscriptTail(windowChars)
	if err != nil {
		slog.Error("compactor failed to read transcript", "session_id", sessionID, "error", err)
		return
	}

	prompt := fmt.Sprintf("%s\n[PREVIOUS STATE]\n%s\n\n[NEW CONVERSATION]\n%s", label, prevText, conversation)

	text, err := c.manager.Call(ctx, AgentKindCompactor, prompt)
	if err != nil {
		slog.Error("compactor agent call failed", "session_id", sessionID, "error", err)
		return
	}

	if err := c.store.InsertSessionState(ctx, SessionStateRecord{
		SessionID:     sessionID,
		ProjectSlug:   projectSlug,
		StateText:     text,
		TokenEstimate: estimateTokens(text),
		Version:       nextVersion,
	}); err != nil {
		slog.Error("compactor failed to persist session state", "session_id", sessionID, "error", err)
		return
	}

	size, err := c.transcriptSize()
	if err == nil {
		c.mu.Lock()
		c.lastCompactedSize = size
		c.mu.Unlock()
	}
}

func (c *CompactorScheduler) transcriptSize() (int64, error) {
	_, _, transcriptPath := c.snapshot()
	info, err := os.Stat(transcriptPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// readTranscriptTail extracts up to maxChars of conversation from the tail
// of the transcript file, extracted backward until the char budget fills.
func (c *CompactorScheduler) readTranscriptTail(maxChars int) (string, error) {
	_, _, transcriptPath := c.snapshot()
	data, err := os.ReadFile(transcriptPath)
	if err != nil {
		return "", err
	}
	if maxChars <= 0 || len(data) <= maxChars {
		return string(data), nil
	}
	return string(data[len(data)-maxChars:]), nil
}

// estimateTokens approximates token count from text length (roughly 4
// characters per token), matching the "approximate token count" field in
// SessionStateRecord (§3); no tokenizer dependency is warranted for an
// estimate.
func estimateTokens(text string) int {
	return len(text) / 4
}
