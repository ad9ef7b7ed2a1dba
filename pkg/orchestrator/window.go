package orchestrator

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// TurnRole tags a SlidingWindow entry as originating from the user or the
// assistant.
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// Turn is one entry in the SlidingWindow.
type Turn struct {
	Role      TurnRole
	Content   string
	Timestamp time.Time
}

// SlidingWindow is a bounded, ordered sequence of recent conversation turns.
// Single-writer invariant per orchestrator: all mutations are funneled
// through the dispatcher or the retrieval coordinator task, guarded here by
// a mutex so the formatted snapshot can be read concurrently by retriever
// goroutines.
type SlidingWindow struct {
	mu       sync.Mutex
	capacity int
	turns    []Turn
}

// NewSlidingWindow creates a window holding at most capacity turns.
func NewSlidingWindow(capacity int) *SlidingWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &SlidingWindow{capacity: capacity}
}

// Append adds a turn, evicting the oldest entry once capacity is exceeded.
func (w *SlidingWindow) Append(role TurnRole, content string, ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = append(w.turns, Turn{Role: role, Content: content, Timestamp: ts})
	if len(w.turns) > w.capacity {
		w.turns = w.turns[len(w.turns)-w.capacity:]
	}
}

// AppendPeerMarker injects an internal marker summarizing that a peer
// retriever has already written context for the in-flight prompt, so the
// other retriever can return a shorter complementary answer or SKIP. This
// is a best-effort ordering hint, not a synchronization barrier.
func (w *SlidingWindow) AppendPeerMarker(peerKind AgentKind, promptHash string) {
	marker := fmt.Sprintf("[peer-notice] %s already returned context for prompt %s", peerKind, promptHash)
	w.Append(TurnRoleAssistant, marker, time.Now())
}

// Snapshot returns a formatted rendering of the window's current turns,
// suitable for embedding in an agent prompt.
func (w *SlidingWindow) Snapshot() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var b strings.Builder
	for _, t := range w.turns {
		fmt.Fprintf(&b, "[%s] %s\n", t.Role, t.Content)
	}
	return b.String()
}

// Reset clears the window. Used on session_reset handoff.
func (w *SlidingWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = nil
}

// Len returns the current number of buffered turns.
func (w *SlidingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.turns)
}
