package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBudgetTrackerSessionCapBlocksFurtherCalls(t *testing.T) {
	b := NewBudgetTracker(map[AgentKind]float64{AgentKindLearner: 0.5}, 1.0)

	assert.NoError(t, b.CheckCall(AgentKindLearner))

	exhausted := b.Record(AgentKindLearner, 1.0)
	assert.True(t, exhausted)

	err := b.CheckCall(AgentKindLearner)
	var budgetErr *BudgetExhausted
	assert.ErrorAs(t, err, &budgetErr)
	assert.True(t, budgetErr.PerSession)
}

func TestBudgetTrackerPerCallWouldExceedSessionCap(t *testing.T) {
	b := NewBudgetTracker(map[AgentKind]float64{AgentKindCompactor: 0.8}, 1.0)
	b.Record(AgentKindCompactor, 0.5)

	err := b.CheckCall(AgentKindCompactor)
	assert.Error(t, err, "0.5 spent + 0.8 per-call cap would exceed the 1.0 session cap")
}

func TestBudgetTrackerZeroCapsMeanUnlimited(t *testing.T) {
	b := NewBudgetTracker(nil, 0)
	for i := 0; i < 5; i++ {
		assert.NoError(t, b.CheckCall(AgentKindCurator))
		exhausted := b.Record(AgentKindCurator, 100)
		assert.False(t, exhausted)
	}
}

func TestBudgetTrackerTracksPerKindAndSessionSpend(t *testing.T) {
	b := NewBudgetTracker(nil, 0)
	b.Record(AgentKindRetrieverKeyword, 0.3)
	b.Record(AgentKindRetrieverCascade, 0.2)

	assert.InDelta(t, 0.3, b.KindSpend(AgentKindRetrieverKeyword), 1e-9)
	assert.InDelta(t, 0.5, b.SessionSpend(), 1e-9)
}
