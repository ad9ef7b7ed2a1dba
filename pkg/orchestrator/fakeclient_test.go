package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// fakeAgentClient is a minimal in-memory AgentSessionClient for unit tests.
// Each Resume call returns a scripted response looked up by subsession kind,
// or a default echo if none is scripted.
type fakeAgentClient struct {
	mu        sync.Mutex
	responses map[AgentKind]string
	errs      map[AgentKind]error
	delay     chan struct{} // if non-nil, Resume blocks on this until closed
	started   chan struct{} // if non-nil, closed the instant Resume is entered

	callCount atomic.Int32
	nextSubID atomic.Int32
}

func newFakeAgentClient() *fakeAgentClient {
	return &fakeAgentClient{
		responses: make(map[AgentKind]string),
		errs:      make(map[AgentKind]error),
	}
}

func (f *fakeAgentClient) setResponse(kind AgentKind, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[kind] = text
}

func (f *fakeAgentClient) setErr(kind AgentKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[kind] = err
}

func (f *fakeAgentClient) Prime(ctx context.Context, kind AgentKind, systemPrompt string, tools []ToolSpec) (string, error) {
	id := f.nextSubID.Add(1)
	return subsessionIDFor(kind, id), nil
}

func (f *fakeAgentClient) Resume(ctx context.Context, subsessionID string, kind AgentKind, userMessage string, tools []ToolSpec) (<-chan Chunk, error) {
	f.callCount.Add(1)

	if f.started != nil {
		close(f.started)
	}
	if f.delay != nil {
		<-f.delay
	}

	f.mu.Lock()
	text, hasText := f.responses[kind]
	err, hasErr := f.errs[kind]
	f.mu.Unlock()

	ch := make(chan Chunk, 2)
	if hasErr {
		ch <- &ResultChunk{Subtype: ResultErrorDuringExec, Err: err}
		close(ch)
		return ch, nil
	}
	if !hasText {
		text = "ok: " + userMessage
	}
	ch <- &TextChunk{Content: text}
	ch <- &ResultChunk{Subtype: ResultSuccess, Text: text, Usage: UsageChunk{CostUSD: 0.01}}
	close(ch)
	return ch, nil
}

func (f *fakeAgentClient) Close(subsessionID string) error { return nil }

func subsessionIDFor(kind AgentKind, n int32) string {
	return fmt.Sprintf("%s-sub-%d", kind, n)
}

var _ AgentSessionClient = (*fakeAgentClient)(nil)
