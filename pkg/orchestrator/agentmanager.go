package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/codeready-toolchain/cogsupervisor/pkg/mcp"
)

// reentrant reports whether kind is guarded by the busy flag, so that a
// second call made while one is in flight is rejected with ErrAgentBusy.
// Only the two Retrievers and the Learner are reentrancy-guarded per §4.2;
// calls to the Compactor and Curator, which run as scheduled singletons,
// wait on the agent's mutex instead.
func reentrant(kind AgentKind) bool {
	switch kind {
	case AgentKindRetrieverKeyword, AgentKindRetrieverCascade, AgentKindLearner:
		return true
	default:
		return false
	}
}

// managedAgent bundles a subsession handle with its reentrancy guard.
type managedAgent struct {
	mu   sync.Mutex
	busy bool
	sub  *AgentSubsession
}

// AgentSessionManager wraps the LLM SDK's streaming query primitive with a
// persistent subsession handle per agent kind, enforcing allowed-tool sets
// and per-call/per-session budgets.
type AgentSessionManager struct {
	client  AgentSessionClient
	budget  *BudgetTracker
	toolset map[AgentKind][]ToolSpec

	mu     sync.RWMutex
	agents map[AgentKind]*managedAgent

	// onBudgetExhausted fires once the session-wide spend cap is crossed
	// (spec: "per-session: triggers orderly shutdown(cause=budget)").
	onBudgetExhausted func(kind AgentKind)
}

// NewAgentSessionManager creates a manager bound to client and budget, with
// toolset providing each kind's fixed allowed-tool whitelist.
func NewAgentSessionManager(client AgentSessionClient, budget *BudgetTracker, toolset map[AgentKind][]ToolSpec) *AgentSessionManager {
	return &AgentSessionManager{
		client:  client,
		budget:  budget,
		toolset: toolset,
		agents:  make(map[AgentKind]*managedAgent),
	}
}

// OnBudgetExhausted registers the callback fired when a call pushes the
// session-wide spend over its hard cap.
func (m *AgentSessionManager) OnBudgetExhausted(fn func(kind AgentKind)) {
	m.onBudgetExhausted = fn
}

// Init primes a subsession for kind with the given system prompt. Called at
// orchestrator start (in parallel across kinds); the session-reset handoff
// does not call it.
func (m *AgentSessionManager) Init(ctx context.Context, kind AgentKind, systemPrompt string) (*AgentSubsession, error) {
	subID, err := m.client.Prime(ctx, kind, systemPrompt, m.toolset[kind])
	if err != nil {
		return nil, NewInitError(fmt.Errorf("priming %s subsession: %w", kind, err))
	}

	sub := &AgentSubsession{Kind: kind, SubsessionID: subID, AllowedTools: toolNames(m.toolset[kind])}

	m.mu.Lock()
	m.agents[kind] = &managedAgent{sub: sub}
	m.mu.Unlock()

	return sub, nil
}

func toolNames(tools []ToolSpec) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

// Call resumes kind's subsession with prompt, enforcing the busy flag and
// budget caps. Returns ErrAgentBusy if kind is reentrancy-guarded and
// already in flight — the caller applies the per-path busy-queue policy
// from §5.
func (m *AgentSessionManager) Call(ctx context.Context, kind AgentKind, prompt string) (string, error) {
	m.mu.RLock()
	agent, ok := m.agents[kind]
	m.mu.RUnlock()
	if !ok {
		return "", NewAgentError(kind, fmt.Errorf("agent kind %s not initialized", kind))
	}

	if reentrant(kind) {
		agent.mu.Lock()
		if agent.busy {
			agent.mu.Unlock()
			return "", ErrAgentBusy
		}
		agent.busy = true
		agent.mu.Unlock()
		defer func() {
			agent.mu.Lock()
			agent.busy = false
			agent.mu.Unlock()
		}()
	} else {
		agent.mu.Lock()
		defer agent.mu.Unlock()
	}

	if err := m.budget.CheckCall(kind); err != nil {
		return "", err
	}

	ch, err := m.client.Resume(ctx, agent.sub.SubsessionID, kind, prompt, m.toolset[kind])
	if err != nil {
		return "", NewAgentError(kind, err)
	}

	text, costUSD, err := DrainResult(kind, ch)

	agent.sub.SpentUSD += costUSD
	if exhausted := m.budget.Record(kind, costUSD); exhausted {
		// The caller may be running on a component's own supervised
		// goroutine (the dispatcher's poll loop, the compactor's or
		// curator's ticker loop); onBudgetExhausted drives
		// Controller.Shutdown, which calls that same component's Stop and
		// blocks on its wg.Wait. Fire on a new goroutine so the caller can
		// return and release its wg.Done first.
		if m.onBudgetExhausted != nil {
			go m.onBudgetExhausted(kind)
		}
		return text, &BudgetExhausted{Kind: kind, PerSession: true}
	}

	return text, err
}

// Reset re-primes every currently-managed kind under a fresh subsession.
// The session_reset handoff does not call it ("retains AgentSubsession
// handles" per §4.1 — handoff keeps the subsession identifiers unchanged),
// and no other code in this module calls it either.
func (m *AgentSessionManager) Reset(ctx context.Context, systemPrompts map[AgentKind]string) error {
	m.mu.RLock()
	kinds := make([]AgentKind, 0, len(m.agents))
	for k := range m.agents {
		kinds = append(kinds, k)
	}
	m.mu.RUnlock()

	for _, kind := range kinds {
		if _, err := m.Init(ctx, kind, systemPrompts[kind]); err != nil {
			return err
		}
	}
	return nil
}

// BusyStates reports whether each currently-managed agent kind is mid-call,
// for Controller.Health's diagnostic snapshot.
func (m *AgentSessionManager) BusyStates() map[AgentKind]bool {
	m.mu.RLock()
	kinds := make([]AgentKind, 0, len(m.agents))
	agents := make([]*managedAgent, 0, len(m.agents))
	for k, a := range m.agents {
		kinds = append(kinds, k)
		agents = append(agents, a)
	}
	m.mu.RUnlock()

	states := make(map[AgentKind]bool, len(kinds))
	for i, kind := range kinds {
		agents[i].mu.Lock()
		states[kind] = agents[i].busy
		agents[i].mu.Unlock()
	}
	return states
}

// Subsession returns the handle for kind, or nil if not initialized.
func (m *AgentSessionManager) Subsession(kind AgentKind) *AgentSubsession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if agent, ok := m.agents[kind]; ok {
		return agent.sub
	}
	return nil
}

// Close tears down every managed subsession. Called on shutdown.
func (m *AgentSessionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for kind, agent := range m.agents {
		_ = m.client.Close(agent.sub.SubsessionID)
		delete(m.agents, kind)
	}
}

// toolSpecsFromMCP adapts pkg/mcp's ToolDefinition list to this package's
// provider-agnostic ToolSpec, keeping the agent client free of an MCP
// dependency.
func toolSpecsFromMCP(defs []mcp.ToolDefinition) []ToolSpec {
	specs := make([]ToolSpec, len(defs))
	for i, d := range defs {
		specs[i] = ToolSpec{Name: d.Name, Description: d.Description, ParametersSchema: d.ParametersSchema}
	}
	return specs
}
