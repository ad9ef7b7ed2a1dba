package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LearnerConfig tunables, including the optional batching window (§4.5).
type LearnerConfig struct {
	TruncateLength int // bound on each observation's input/response length (default ~2000)

	BatchingEnabled bool
	MinBatchSize    int
	MaxBatchSize    int
	MaxBatchWindow  time.Duration
}

// DefaultLearnerConfig matches §4.5's defaults with batching off.
func DefaultLearnerConfig() LearnerConfig {
	return LearnerConfig{TruncateLength: 2000}
}

// LearnerPath extracts valuable knowledge from tool_use observations
// (§4.5). On busy-queue rejection the caller re-queues the message; this
// path never re-queues itself.
type LearnerPath struct {
	sessionID SessionId
	manager   *AgentSessionManager
	cfg       LearnerConfig

	mu      sync.Mutex
	batch   []ToolUsePayload
	flushAt time.Time
}

// NewLearnerPath constructs a learner path.
func NewLearnerPath(sessionID SessionId, manager *AgentSessionManager, cfg LearnerConfig) *LearnerPath {
	return &LearnerPath{sessionID: sessionID, manager: manager, cfg: cfg}
}

// Handle processes one claimed tool_use message. When batching is disabled
// (the default), each observation is flushed as its own learner call.
func (l *LearnerPath) Handle(ctx context.Context, payload ToolUsePayload) error {
	if !l.cfg.BatchingEnabled {
		return l.flushOne(ctx, payload)
	}
	return l.bufferAndMaybeFlush(ctx, payload)
}

func (l *LearnerPath) flushOne(ctx context.Context, payload ToolUsePayload) error {
	prompt := l.formatPrompt([]ToolUsePayload{payload})
	_, err := l.manager.Call(ctx, AgentKindLearner, prompt)
	return err
}

// bufferAndMaybeFlush appends payload to the bounded batch, flushing when
// max-size is reached or, for a positive MaxBatchWindow, when max-window has
// elapsed since the first buffered item. The window is checked only here,
// when a payload arrives; no timer flushes a waiting batch on its own, so a
// partial batch stays buffered until the next payload or FlushOnShutdown.
// Ordering within a batch is preserved.
func (l *LearnerPath) bufferAndMaybeFlush(ctx context.Context, payload ToolUsePayload) error {
	l.mu.Lock()
	if len(l.batch) == 0 {
		l.flushAt = time.Now().Add(l.cfg.MaxBatchWindow)
	}
	l.batch = append(l.batch, payload)

	maxSize := l.cfg.MaxBatchSize
	if maxSize <= 0 {
		maxSize = 1
	}
	shouldFlush := len(l.batch) >= maxSize || (l.cfg.MaxBatchWindow > 0 && time.Now().After(l.flushAt))
	var toFlush []ToolUsePayload
	if shouldFlush {
		toFlush = l.batch
		l.batch = nil
	}
	l.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}

	prompt := l.formatPrompt(toFlush)
	_, err := l.manager.Call(ctx, AgentKindLearner, prompt)
	return err
}

// FlushOnShutdown flushes any partially-filled batch. Called by the
// lifecycle controller during drain.
func (l *LearnerPath) FlushOnShutdown(ctx context.Context) {
	l.mu.Lock()
	toFlush := l.batch
	l.batch = nil
	sessionID := l.sessionID
	l.mu.Unlock()

	if len(toFlush) == 0 {
		return
	}
	prompt := l.formatPrompt(toFlush)
	if _, err := l.manager.Call(ctx, AgentKindLearner, prompt); err != nil {
		slog.Error("learner shutdown flush failed", "session_id", sessionID, "error", err)
	}
}

// SetSessionID rebinds the learner path to a new session during a
// session-reset handoff (§4.1).
func (l *LearnerPath) SetSessionID(id SessionId) {
	l.mu.Lock()
	l.sessionID = id
	l.mu.Unlock()
}

func (l *LearnerPath) formatPrompt(payloads []ToolUsePayload) string {
	out := "Extract valuable knowledge from the following tool observations, or respond SKIP.\n"
	for i, p := range payloads {
		out += fmt.Sprintf("\n[OBSERVATION %d]\ntool: %s\ninput: %s\nresponse: %s\n",
			i+1, p.ToolName, truncateAny(p.ToolInput, l.cfg.TruncateLength), truncateAny(p.ToolResponse, l.cfg.TruncateLength))
	}
	return out
}

func truncateAny(v any, max int) string {
	s := fmt.Sprintf("%v", v)
	if max > 0 && len(s) > max {
		return s[:max] + "...[truncated]"
	}
	return s
}
