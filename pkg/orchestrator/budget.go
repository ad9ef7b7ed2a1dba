package orchestrator

import "sync"

// BudgetTracker tracks cumulative USD spend per agent kind and for the
// session as a whole. Accounting is best-effort durable: accumulators are
// in-memory only; if the process crashes, budgets reset (acceptable because
// the host session ending reclaims state).
type BudgetTracker struct {
	mu           sync.Mutex
	perCallCap   map[AgentKind]float64
	sessionCap   float64
	perKindSpend map[AgentKind]float64
	sessionSpend float64
}

// NewBudgetTracker creates a tracker with the given per-kind per-call caps
// and a hard session cap.
func NewBudgetTracker(perCallCap map[AgentKind]float64, sessionCap float64) *BudgetTracker {
	return &BudgetTracker{
		perCallCap:   perCallCap,
		sessionCap:   sessionCap,
		perKindSpend: make(map[AgentKind]float64, len(perCallCap)),
	}
}

// CheckCall returns BudgetExhausted if a call of this kind is not allowed to
// proceed: either the session cap has already been reached, or spending the
// per-call cap on top of current session spend would exceed it.
func (b *BudgetTracker) CheckCall(kind AgentKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sessionCap > 0 && b.sessionSpend >= b.sessionCap {
		return &BudgetExhausted{Kind: kind, PerSession: true}
	}

	perCall := b.perCallCap[kind]
	if perCall > 0 && b.sessionCap > 0 && b.sessionSpend+perCall > b.sessionCap {
		return &BudgetExhausted{Kind: kind, PerSession: true}
	}

	return nil
}

// Record adds costUSD to the per-kind and session-wide accumulators. It
// returns true if this call pushed the session over its hard cap, meaning
// the controller should initiate shutdown(cause=budget).
func (b *BudgetTracker) Record(kind AgentKind, costUSD float64) (sessionExhausted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.perKindSpend[kind] += costUSD
	b.sessionSpend += costUSD

	return b.sessionCap > 0 && b.sessionSpend >= b.sessionCap
}

// SessionSpend returns the current cumulative session spend.
func (b *BudgetTracker) SessionSpend() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionSpend
}

// KindSpend returns the current cumulative spend for a single agent kind.
func (b *BudgetTracker) KindSpend(kind AgentKind) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perKindSpend[kind]
}
