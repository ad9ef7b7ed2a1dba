package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
)

// AnthropicSessionClient adapts anthropic-sdk-go's stateless Messages API to
// the persistent-subsession shape AgentSessionClient expects. The Anthropic
// API has no server-side notion of a resumable subsession, so each "prime"
// allocates a local UUID subsession identifier and the client keeps the
// full message history for that identifier in memory, replaying it on every
// Resume call. This mirrors the agent SDK's own in-process subsession
// handles: no serialization is required because the process never
// persists them.
type AnthropicSessionClient struct {
	client anthropic.Client
	model  anthropic.Model

	maxTokens   int64
	temperature float64

	mu        sync.Mutex
	histories map[string][]anthropic.MessageParam
	systems   map[string]string

	pricing map[AgentKind]ModelPricing
}

// ModelPricing is the per-million-token USD rate used to report UsageChunk.CostUSD.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// NewAnthropicSessionClient builds a client bound to model, which every
// agent kind uses, with a flat pricing table per agent kind for cost
// reporting.
func NewAnthropicSessionClient(client anthropic.Client, model anthropic.Model, maxTokens int64, temperature float64, pricing map[AgentKind]ModelPricing) *AnthropicSessionClient {
	return &AnthropicSessionClient{
		client:      client,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		histories:   make(map[string][]anthropic.MessageParam),
		systems:     make(map[string]string),
		pricing:     pricing,
	}
}

// Prime starts a new subsession and returns its locally-issued identifier.
func (c *AnthropicSessionClient) Prime(ctx context.Context, kind AgentKind, systemPrompt string, tools []ToolSpec) (string, error) {
	id := uuid.NewString()

	c.mu.Lock()
	c.histories[id] = nil
	c.systems[id] = systemPrompt
	c.mu.Unlock()

	slog.Debug("primed agent subsession", "kind", kind, "subsession_id", id)
	return id, nil
}

// Close drops the in-memory history for subsessionID.
func (c *AnthropicSessionClient) Close(subsessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.histories, subsessionID)
	delete(c.systems, subsessionID)
	return nil
}

// Resume appends userMessage to subsessionID's history, calls the streaming
// API, and delivers chunks until a ResultChunk closes the channel.
func (c *AnthropicSessionClient) Resume(ctx context.Context, subsessionID string, kind AgentKind, userMessage string, tools []ToolSpec) (<-chan Chunk, error) {
	c.mu.Lock()
	history, ok := c.histories[subsessionID]
	system := c.systems[subsessionID]
	c.mu.Unlock()
	if !ok {
		return nil, NewAgentError(kind, fmt.Errorf("unknown subsession %q", subsessionID))
	}

	history = append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)))

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    history,
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	out := make(chan Chunk, 8)
	go c.streamInto(ctx, subsessionID, kind, history, params, out)
	return out, nil
}

func convertTools(tools []ToolSpec) []anthropic.ToolUnionParam {
	unions := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name:        strings.Replace(t.Name, ".", "__", 1),
			Description: anthropic.String(t.Description),
		}
		if t.ParametersSchema != "" {
			var schema anthropic.ToolInputSchemaParam
			if err := json.Unmarshal([]byte(t.ParametersSchema), &schema); err == nil {
				tool.InputSchema = schema
			}
		}
		unions = append(unions, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return unions
}

func (c *AnthropicSessionClient) streamInto(ctx context.Context, subsessionID string, kind AgentKind, sentHistory []anthropic.MessageParam, params anthropic.MessageNewParams, out chan<- Chunk) {
	defer close(out)

	stream := c.client.Messages.NewStreaming(ctx, params)

	var textBuf strings.Builder
	var usage UsageChunk
	toolInputBuf := make(map[int64]*strings.Builder)
	toolMeta := make(map[int64]struct{ id, name string })
	var stopReason string

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			usage.InputTokens = int(event.Message.Usage.InputTokens)

		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				toolInputBuf[event.Index] = &strings.Builder{}
				toolMeta[event.Index] = struct{ id, name string }{event.ContentBlock.ID, event.ContentBlock.Name}
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					textBuf.WriteString(event.Delta.Text)
					out <- &TextChunk{Content: event.Delta.Text}
				}
			case "input_json_delta":
				if buf, ok := toolInputBuf[event.Index]; ok {
					buf.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if buf, ok := toolInputBuf[event.Index]; ok {
				meta := toolMeta[event.Index]
				out <- &ToolCallChunk{CallID: meta.id, Name: meta.name, Arguments: buf.String()}
				delete(toolInputBuf, event.Index)
				delete(toolMeta, event.Index)
			}

		case "message_delta":
			if event.Delta.StopReason != "" {
				stopReason = string(event.Delta.StopReason)
			}
			if event.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(event.Usage.OutputTokens)
			}
		}
	}

	if err := stream.Err(); err != nil && err != io.EOF {
		out <- &ResultChunk{Subtype: ResultErrorDuringExec, Err: err}
		return
	}

	usage.CostUSD = c.cost(kind, usage.InputTokens, usage.OutputTokens)
	out <- &UsageChunk{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens, CostUSD: usage.CostUSD}

	finalText := textBuf.String()

	c.mu.Lock()
	c.histories[subsessionID] = append(sentHistory, anthropic.NewAssistantMessage(anthropic.NewTextBlock(finalText)))
	c.mu.Unlock()

	switch stopReason {
	case "", "end_turn", "tool_use", "stop_sequence":
		out <- &ResultChunk{Subtype: ResultSuccess, Text: finalText, Usage: usage}
	case "max_tokens":
		out <- &ResultChunk{Subtype: ResultErrorMaxTurns, Usage: usage, Err: fmt.Errorf("stop_reason=max_tokens")}
	default:
		out <- &ResultChunk{Subtype: ResultErrorDuringExec, Usage: usage, Err: fmt.Errorf("stop_reason=%s", stopReason)}
	}
}

// cost estimates USD spend for kind using the configured pricing table,
// falling back to a conservative Sonnet-tier default when kind is unpriced.
func (c *AnthropicSessionClient) cost(kind AgentKind, inputTokens, outputTokens int) float64 {
	p, ok := c.pricing[kind]
	if !ok {
		p = ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0}
	}
	return float64(inputTokens)*p.InputPerMillion/1_000_000 + float64(outputTokens)*p.OutputPerMillion/1_000_000
}

var _ AgentSessionClient = (*AnthropicSessionClient)(nil)
