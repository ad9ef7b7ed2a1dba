// Package orchestrator implements the per-session cognitive-agent orchestrator:
// process lifecycle, multi-agent supervision, the durable inbox/outbox protocol,
// and the concurrency model that ties these together.
package orchestrator

import "time"

// SessionId identifies one interactive host session. All orchestrator state
// is partitioned by this key. Opaque and non-empty.
type SessionId string

// OrchestratorStatus is the lifecycle tag of an OrchestratorRecord.
type OrchestratorStatus string

// Lifecycle states. See the transition diagram in OrchestratorRecord's doc comment.
const (
	StatusStarting OrchestratorStatus = "starting"
	StatusRunning  OrchestratorStatus = "running"
	StatusStopping OrchestratorStatus = "stopping"
	StatusStopped  OrchestratorStatus = "stopped"
	StatusClearing OrchestratorStatus = "clearing"
	StatusInjected OrchestratorStatus = "injected"
	StatusCrashed  OrchestratorStatus = "crashed"
)

// Terminal reports whether status is a terminal state (stopped, crashed).
func (s OrchestratorStatus) Terminal() bool {
	return s == StatusStopped || s == StatusCrashed
}

// OrchestratorRecord is the sole process-identity document for a session.
//
// Transitions:
//
//	(none)   -> starting (on upsert at boot)
//	starting -> running   (after all enabled agents initialized)
//	running  -> stopping  (on shutdown request: signal, inbox event, budget exhaustion, external UPDATE)
//	running  -> clearing  (on host /clear)
//	clearing -> running   (after session_reset handoff swaps SessionId)
//	running  -> crashed   (detector: no heartbeat advance within staleness window)
//	stopping -> stopped   (after drain)
//	*        -> crashed   (uncaught error; error_message populated)
type OrchestratorRecord struct {
	SessionID           SessionId
	PID                 int
	RetrieverEnabled    bool
	LearnerEnabled      bool
	Status              OrchestratorStatus
	StartedAt           time.Time
	LastHeartbeatAt     time.Time
	StoppedAt           *time.Time
	ErrorMessage        string
	RetrieverSessionID  string
	LearnerSessionID    string
}

// MessageType enumerates the cognitive_inbox payload variants.
type MessageType string

const (
	MessageTypePromptContext   MessageType = "prompt_context"
	MessageTypeToolUse         MessageType = "tool_use"
	MessageTypeSessionEvent    MessageType = "session_event"
	MessageTypeSessionReset    MessageType = "session_reset"
	MessageTypeCuratorTrigger  MessageType = "curator_trigger"
	MessageTypeCompactorTrigger MessageType = "compactor_trigger"
)

// MessageStatus tracks a CognitiveInboxMessage through its state machine:
// pending -> processing -> (completed | failed), with the sole permitted
// backward transition being processing -> pending on explicit re-queue.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusCompleted  MessageStatus = "completed"
	MessageStatusFailed     MessageStatus = "failed"
)

// CognitiveInboxMessage is a durable work item claimed and routed by the
// inbox dispatcher.
type CognitiveInboxMessage struct {
	ID          int64
	SessionID   SessionId
	MessageType MessageType
	Payload     []byte
	Status      MessageStatus
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// PromptContextPayload is the bit-exact payload for prompt_context messages.
type PromptContextPayload struct {
	Prompt     string `json:"prompt"`
	PromptHash string `json:"prompt_hash"`
	Timestamp  int64  `json:"timestamp"`
}

// ToolUsePayload is the bit-exact payload for tool_use messages.
type ToolUsePayload struct {
	ToolName     string `json:"tool_name"`
	ToolInput    any    `json:"tool_input"`
	ToolResponse any    `json:"tool_response"`
}

// SessionEventPayload is the bit-exact payload for session_event messages.
type SessionEventPayload struct {
	Event string `json:"event"`
}

// SessionEventEnd is the session_event value that triggers shutdown.
const SessionEventEnd = "session_end"

// SessionResetPayload is the bit-exact payload for session_reset messages.
type SessionResetPayload struct {
	NewSessionID   string `json:"new_session_id"`
	TranscriptPath string `json:"transcript_path"`
}

// ContextType enumerates retrieval outbox content kinds.
type ContextType string

const (
	ContextTypeMemoryResults ContextType = "memory_results"
	ContextTypeNone          ContextType = "none"
)

// OutboxStatus tracks a RetrievalOutboxRecord's delivery state.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusDelivered OutboxStatus = "delivered"
	OutboxStatusExpired   OutboxStatus = "expired"
	OutboxStatusSkipped   OutboxStatus = "skipped"
)

// RetrievalOutboxRecord is the result of a retriever run for one prompt.
// A prompt hash may have multiple records (one per retriever); merging is
// left to the reader.
type RetrievalOutboxRecord struct {
	ID             int64
	SessionID      SessionId
	PromptHash     string
	ContextType    ContextType
	ContextText    string
	RelevanceScore float64
	Status         OutboxStatus
	ExpiresAt      *time.Time
	DeliveredAt    *time.Time
}

// SessionStateRecord is a versioned compactor output for a session and
// project slug. Version is strictly increasing per SessionID.
type SessionStateRecord struct {
	SessionID     SessionId
	ProjectSlug   string
	StateText     string
	TokenEstimate int
	Version       int
	UpdatedAt     time.Time
}

// AgentKind identifies one of the five supervised agent subsessions.
type AgentKind string

const (
	AgentKindRetrieverKeyword AgentKind = "retriever_keyword"
	AgentKindRetrieverCascade AgentKind = "retriever_cascade"
	AgentKindLearner          AgentKind = "learner"
	AgentKindCompactor        AgentKind = "compactor"
	AgentKindCurator          AgentKind = "curator"
)

// AgentSubsession is the in-memory handle to one long-lived LLM subsession.
// Only Learner and Retrievers may be concurrently invoked (guarded by the
// agent session manager's per-kind busy flag); the Compactor and Curator
// are singletons per kind.
type AgentSubsession struct {
	Kind            AgentKind
	SubsessionID    string
	AllowedTools    []string
	PerCallBudget   float64
	PerSessionBudget float64
	SpentUSD        float64
}
