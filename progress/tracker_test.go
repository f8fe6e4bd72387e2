package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradingagents/analysisd/pipeline"
)

func newTestTracker(t *testing.T, analysts ...pipeline.Analyst) (*Tracker, *time.Time) {
	t.Helper()
	if len(analysts) == 0 {
		analysts = []pipeline.Analyst{pipeline.AnalystMarket, pipeline.AnalystFundamentals}
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr, err := NewTracker("task-1", analysts, pipeline.DepthStandard, pipeline.ProviderDashScope,
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return tr, &now
}

func TestTrackerStageEventsAdvanceToBoundaries(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.Update(StageEvent(pipeline.StageEngineStart))
	assert.InDelta(t, 10.0, tr.Percent(), 1e-9)

	tr.Update(StageEvent(pipeline.StageMarketAnalyst))
	assert.InDelta(t, 27.5, tr.Percent(), 1e-9)

	tr.Update(StageEvent(pipeline.StageFundamentalsAnalyst))
	assert.InDelta(t, 45.0, tr.Percent(), 1e-9)

	snap := tr.Snapshot()
	assert.Equal(t, LedgerRunning, snap.Status)
	// Everything through the second analyst is complete, the next stage
	// is pending and reported as current.
	assert.Equal(t, StageCompleted, snap.Stages[6].Status)
	assert.Equal(t, "Bull Researcher", snap.CurrentStepName)
}

func TestTrackerRegressionGuard(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.Update(StageEvent(pipeline.StageFundamentalsAnalyst))
	require.InDelta(t, 45.0, tr.Percent(), 1e-9)

	// A late event for an earlier stage must not move progress backward,
	// but its message still lands.
	tr.Update(Event{Stage: pipeline.StageMarketAnalyst, Message: "retrying market data"})
	assert.InDelta(t, 45.0, tr.Percent(), 1e-9)
	assert.Equal(t, "retrying market data", tr.Snapshot().LastMessage)

	tr.Update(PercentEvent(20, ""))
	assert.InDelta(t, 45.0, tr.Percent(), 1e-9)
}

func TestTrackerPercentEventsClampAtHundred(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.Update(PercentEvent(250, "overshoot"))
	assert.InDelta(t, 100.0, tr.Percent(), 1e-9)
}

func TestTrackerUnknownStageIgnored(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.Update(StageEvent(pipeline.StageNewsAnalyst)) // not in this plan
	assert.InDelta(t, 0.0, tr.Percent(), 1e-9)
}

func TestTrackerMessageEventOnlyRefreshes(t *testing.T) {
	tr, now := newTestTracker(t)

	tr.Update(StageEvent(pipeline.StagePrepare))
	before := tr.Percent()

	*now = now.Add(30 * time.Second)
	tr.Update(MessageEvent("still working"))

	snap := tr.Snapshot()
	assert.InDelta(t, before, snap.Percent, 1e-9)
	assert.Equal(t, "still working", snap.LastMessage)
	assert.Equal(t, *now, snap.LastUpdate)
}

func TestTrackerMarkCompleted(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.Update(StageEvent(pipeline.StageTrader))
	tr.MarkCompleted()

	snap := tr.Snapshot()
	assert.Equal(t, LedgerCompleted, snap.Status)
	assert.InDelta(t, 100.0, snap.Percent, 1e-9)
	for _, s := range snap.Stages {
		assert.Equal(t, StageCompleted, s.Status, "stage %s", s.Stage)
		assert.NotNil(t, s.EndedAt, "stage %s", s.Stage)
	}
	assert.Zero(t, snap.RemainingSeconds)
}

func TestTrackerMarkFailedPreservesPercent(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.Update(StageEvent(pipeline.StageMarketAnalyst))
	require.InDelta(t, 27.5, tr.Percent(), 1e-9)

	tr.MarkFailed("provider timeout")

	snap := tr.Snapshot()
	assert.Equal(t, LedgerFailed, snap.Status)
	assert.InDelta(t, 27.5, snap.Percent, 1e-9)
	assert.Equal(t, "provider timeout", snap.FailureReason)

	// Completed stages stay completed; the rest are failed.
	assert.Equal(t, StageCompleted, snap.Stages[0].Status)
	last := snap.Stages[len(snap.Stages)-1]
	assert.Equal(t, StageFailed, last.Status)
}

func TestTrackerTerminalIgnoresLateEvents(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.Update(StageEvent(pipeline.StageFundamentalsAnalyst))
	require.InDelta(t, 45.0, tr.Percent(), 1e-9)
	tr.MarkFailed("pipeline aborted")

	// A callback still in flight when the failure was recorded must not
	// revive the ledger or un-fail its stages.
	tr.Update(PercentEvent(70, "late callback"))
	tr.Update(StageEvent(pipeline.StageTrader))

	snap := tr.Snapshot()
	assert.Equal(t, LedgerFailed, snap.Status)
	assert.InDelta(t, 45.0, snap.Percent, 1e-9)
	assert.Equal(t, "pipeline aborted", snap.FailureReason)
	assert.NotEqual(t, "late callback", snap.LastMessage)
	last := snap.Stages[len(snap.Stages)-1]
	assert.Equal(t, StageFailed, last.Status)

	// Same freeze after a successful finish.
	tr2, _ := newTestTracker(t)
	tr2.MarkCompleted()
	tr2.Update(PercentEvent(10, "straggler"))
	snap2 := tr2.Snapshot()
	assert.Equal(t, LedgerCompleted, snap2.Status)
	assert.InDelta(t, 100.0, snap2.Percent, 1e-9)
}

func TestTrackerEstimateIsFixedWhileRunning(t *testing.T) {
	tr, now := newTestTracker(t)
	initial := tr.Snapshot().EstimatedTotalSeconds
	require.InDelta(t, 360.0, initial, 1e-9)

	// Run long past the estimate; the total never grows, remaining
	// bottoms out at zero.
	*now = now.Add(20 * time.Minute)
	tr.Update(StageEvent(pipeline.StageMarketAnalyst))

	snap := tr.Snapshot()
	assert.InDelta(t, initial, snap.EstimatedTotalSeconds, 1e-9)
	assert.Zero(t, snap.RemainingSeconds)
	assert.InDelta(t, 1200.0, snap.ElapsedSeconds, 1e-9)

	// On completion the estimate collapses to the observed elapsed time.
	tr.MarkCompleted()
	snap = tr.Snapshot()
	assert.InDelta(t, 1200.0, snap.EstimatedTotalSeconds, 1e-9)
}

func TestTrackerFullRunScenario(t *testing.T) {
	tr, _ := newTestTracker(t)

	req := pipeline.Request{
		Analysts: []pipeline.Analyst{pipeline.AnalystMarket, pipeline.AnalystFundamentals},
		Depth:    pipeline.DepthStandard,
	}
	for _, stage := range pipeline.StageOrder(req) {
		tr.Update(StageEvent(stage))
	}

	assert.InDelta(t, 100.0, tr.Percent(), 1e-9)
	tr.MarkCompleted()
	assert.Equal(t, LedgerCompleted, tr.Snapshot().Status)
}
