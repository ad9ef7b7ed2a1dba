package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// RetrievalConfig tunables for the coordinator.
type RetrievalConfig struct {
	MinContextLength int           // below this, treat text as "no context" (default ~20)
	OutboxExpiry     time.Duration // expiry stamped on every written record
}

// DefaultRetrievalConfig matches §4.4's defaults.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{MinContextLength: 20, OutboxExpiry: 5 * time.Minute}
}

const skipMarker = "SKIP"

// RetrievalCoordinator runs the Keyword and Cascade retrievers concurrently
// per prompt, merges no merging itself (readers merge), peer-notifies, and
// writes the retrieval outbox (§4.4).
type RetrievalCoordinator struct {
	mu        sync.RWMutex
	sessionID SessionId

	manager *AgentSessionManager
	store   *Store
	window  *SlidingWindow
	cfg     RetrievalConfig

	keywordEnabled bool
	cascadeEnabled bool
}

// NewRetrievalCoordinator constructs a coordinator. Each of keywordEnabled/
// cascadeEnabled independently gates whether that retriever participates
// (both default on per §6.1's --retriever=on|off enabling both).
func NewRetrievalCoordinator(sessionID SessionId, manager *AgentSessionManager, store *Store, window *SlidingWindow, cfg RetrievalConfig, keywordEnabled, cascadeEnabled bool) *RetrievalCoordinator {
	return &RetrievalCoordinator{
		sessionID:      sessionID,
		manager:        manager,
		store:          store,
		window:         window,
		cfg:            cfg,
		keywordEnabled: keywordEnabled,
		cascadeEnabled: cascadeEnabled,
	}
}

// SetSessionID rebinds the coordinator to a new session during a
// session-reset handoff (§4.1).
func (c *RetrievalCoordinator) SetSessionID(id SessionId) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *RetrievalCoordinator) currentSessionID() SessionId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Handle processes one claimed prompt_context message.
func (c *RetrievalCoordinator) Handle(ctx context.Context, payload PromptContextPayload) error {
	c.window.Append(TurnRoleUser, payload.Prompt, time.Unix(payload.Timestamp, 0))

	var wg sync.WaitGroup
	if c.keywordEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runRetriever(ctx, AgentKindRetrieverKeyword, AgentKindRetrieverCascade, payload)
		}()
	}
	if c.cascadeEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runRetriever(ctx, AgentKindRetrieverCascade, AgentKindRetrieverKeyword, payload)
		}()
	}
	wg.Wait()

	return nil
}

func (c *RetrievalCoordinator) runRetriever(ctx context.Context, kind, peerKind AgentKind, payload PromptContextPayload) {
	sessionID := c.currentSessionID()
	log := slog.With("session_id", sessionID, "agent", kind, "prompt_hash", payload.PromptHash)

	prompt := fmt.Sprintf("%s\n\n[NEW PROMPT]\n%s", c.window.Snapshot(), payload.Prompt)

	text, err := c.manager.Call(ctx, kind, prompt)
	if err != nil {
		if errors.Is(err, ErrAgentBusy) {
			log.Info("retriever busy, writing safe outbox record")
		} else {
			var budgetErr *BudgetExhausted
			if errors.As(err, &budgetErr) {
				log.Warn("retriever budget exhausted, writing safe outbox record", "error", err)
			} else {
				log.Error("retriever call failed, writing safe outbox record", "error", err)
			}
		}
		c.writeNone(ctx, payload.PromptHash)
		return
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" || len(trimmed) < c.cfg.MinContextLength || trimmed == skipMarker {
		c.writeNone(ctx, payload.PromptHash)
		return
	}

	c.writeMemoryResult(ctx, payload.PromptHash, trimmed)

	// Peer notification: a best-effort ordering hint for the retriever calls
	// of later prompts (a peer still in flight took its window snapshot
	// before its call), not a sync barrier.
	c.window.AppendPeerMarker(kind, payload.PromptHash)
}

func (c *RetrievalCoordinator) writeNone(ctx context.Context, promptHash string) {
	expiry := time.Now().Add(c.cfg.OutboxExpiry)
	if err := c.store.WriteOutbox(ctx, RetrievalOutboxRecord{
		SessionID:   c.currentSessionID(),
		PromptHash:  promptHash,
		ContextType: ContextTypeNone,
		Status:      OutboxStatusPending,
		ExpiresAt:   &expiry,
	}); err != nil {
		slog.Error("failed to write none outbox record", "error", err)
	}
}

func (c *RetrievalCoordinator) writeMemoryResult(ctx context.Context, promptHash, text string) {
	expiry := time.Now().Add(c.cfg.OutboxExpiry)
	if err := c.store.WriteOutbox(ctx, RetrievalOutboxRecord{
		SessionID:      c.currentSessionID(),
		PromptHash:     promptHash,
		ContextType:    ContextTypeMemoryResults,
		ContextText:    text,
		RelevanceScore: 0.8,
		Status:         OutboxStatusPending,
		ExpiresAt:      &expiry,
	}); err != nil {
		slog.Error("failed to write memory_results outbox record", "error", err)
	}
}
