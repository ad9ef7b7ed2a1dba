package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// ErrStreamEndedUnexpectedly indicates a Resume channel closed without ever
// delivering a ResultChunk.
var ErrStreamEndedUnexpectedly = errors.New("agent stream ended unexpectedly")

func errResultSubtype(s ResultSubtype) error {
	return fmt.Errorf("terminal result subtype %s", s)
}

// AgentSessionClient is the Go-side interface for calling the LLM backend
// that hosts the five agent subsessions. It wraps the agent SDK's streaming
// query primitive with channel-based delivery so the agent session manager
// never depends on a concrete provider.
//
// Out of scope per specification: the LLM client itself is an external
// collaborator; this interface is the seam the orchestrator depends on.
type AgentSessionClient interface {
	// Prime starts a new persistent subsession for kind with the given
	// system prompt and allowed tool set, returning the subsession
	// identifier that subsequent calls resume.
	Prime(ctx context.Context, kind AgentKind, systemPrompt string, tools []ToolSpec) (subsessionID string, err error)

	// Resume sends userMessage to an existing subsession and streams the
	// response. The returned channel is closed when the stream completes;
	// the final element is always a *ResultChunk.
	Resume(ctx context.Context, subsessionID string, kind AgentKind, userMessage string, tools []ToolSpec) (<-chan Chunk, error)

	// Close releases any resources held for subsessionID (a no-op for
	// stateless backends where history is tracked in-memory).
	Close(subsessionID string) error
}

// ToolSpec mirrors pkg/mcp.ToolDefinition without importing pkg/mcp, keeping
// the agent client package-agnostic of the tool transport.
type ToolSpec struct {
	Name             string
	Description      string
	ParametersSchema string
}

// Chunk is the interface for all streaming chunk types returned by Resume.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeResult   ChunkType = "result"
)

// TextChunk is a chunk of the agent's text response.
type TextChunk struct{ Content string }

// ToolCallChunk signals the agent wants to call a tool.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption and cost for the call.
type UsageChunk struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// ResultSubtype tags the terminal element of a Resume stream.
type ResultSubtype string

// Result subtypes. Only ResultSuccess is non-terminal-error; all others
// cause the agent session manager to raise AgentError.
const (
	ResultSuccess            ResultSubtype = "success"
	ResultErrorMaxTurns      ResultSubtype = "error_max_turns"
	ResultErrorDuringExec    ResultSubtype = "error_during_execution"
	ResultErrorStreamClosed  ResultSubtype = "error_stream_closed"
)

// ResultChunk is always the final element delivered on a Resume channel.
type ResultChunk struct {
	Subtype ResultSubtype
	Text    string // final assistant text, populated on ResultSuccess
	Usage   UsageChunk
	Err     error // populated on non-success subtypes
}

func (c *TextChunk) chunkType() ChunkType    { return ChunkTypeText }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ResultChunk) chunkType() ChunkType   { return ChunkTypeResult }

// DrainResult consumes ch until ResultChunk, returning its final text on
// success or an AgentError on any other terminal subtype.
func DrainResult(kind AgentKind, ch <-chan Chunk) (string, float64, error) {
	var lastResult *ResultChunk
	for chunk := range ch {
		if r, ok := chunk.(*ResultChunk); ok {
			lastResult = r
		}
	}
	if lastResult == nil {
		return "", 0, NewAgentError(kind, ErrStreamEndedUnexpectedly)
	}
	if lastResult.Subtype != ResultSuccess {
		cause := lastResult.Err
		if cause == nil {
			cause = errResultSubtype(lastResult.Subtype)
		}
		return "", lastResult.Usage.CostUSD, NewAgentError(kind, cause)
	}
	return lastResult.Text, lastResult.Usage.CostUSD, nil
}
