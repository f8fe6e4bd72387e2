package progress

import (
	"sync"
	"time"

	"github.com/tradingagents/analysisd/pipeline"
)

// Event is one progress update. A message-only event refreshes the last
// message and timestamp without moving progress; an event carrying a stage
// or an explicit percentage advances the ledger, subject to the regression
// guard.
type Event struct {
	Stage      pipeline.Stage
	Percent    float64
	HasPercent bool
	Message    string
}

// MessageEvent builds an event that only updates the last message.
func MessageEvent(msg string) Event {
	return Event{Message: msg}
}

// StageEvent builds an event reporting that the named pipeline stage has
// finished; the ledger resolves it to the stage's cumulative boundary.
func StageEvent(stage pipeline.Stage) Event {
	return Event{Stage: stage}
}

// PercentEvent builds an event carrying an explicit target percentage.
func PercentEvent(pct float64, msg string) Event {
	return Event{Percent: pct, HasPercent: true, Message: msg}
}

type stageState struct {
	status    StageStatus
	startedAt *time.Time
	endedAt   *time.Time
}

// Tracker is the progress ledger for one in-flight task. It is owned by the
// worker executing the task but safe for concurrent Snapshot reads from the
// status service.
type Tracker struct {
	mu sync.Mutex

	taskID string
	plan   Plan
	stages []stageState

	status        LedgerStatus
	percent       float64
	lastMessage   string
	failureReason string

	startTime  time.Time
	lastUpdate time.Time

	// estimatedTotal is fixed at construction and never revised upward.
	estimatedTotal float64

	clock func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// NewTracker builds the ledger for a task, computing the fixed stage plan
// and total-time estimate from the requested configuration.
func NewTracker(taskID string, analysts []pipeline.Analyst, depth pipeline.Depth, provider pipeline.Provider, opts ...Option) (*Tracker, error) {
	plan, err := BuildPlan(analysts, depth)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		taskID:         taskID,
		plan:           plan,
		stages:         make([]stageState, len(plan.Stages)),
		status:         LedgerRunning,
		lastMessage:    "analysis task started",
		estimatedTotal: EstimateTotalSeconds(analysts, depth, provider),
		clock:          time.Now,
	}
	for i := range t.stages {
		t.stages[i].status = StagePending
	}
	for _, opt := range opts {
		opt(t)
	}
	now := t.clock()
	t.startTime = now
	t.lastUpdate = now
	return t, nil
}

// Update applies one progress event. Percentage and stage statuses never
// move backward: an event whose target is at or below the recorded
// percentage only refreshes the message and timestamp. A terminal ledger
// ignores events entirely; a late pipeline callback must not un-fail a
// recorded outcome.
func (t *Tracker) Update(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != LedgerRunning {
		return
	}

	now := t.clock()
	t.lastUpdate = now
	if ev.Message != "" {
		t.lastMessage = ev.Message
	}

	target, ok := t.resolveTarget(ev)
	if !ok {
		return
	}
	if ev.Message == "" {
		if name := t.stageNameFor(ev.Stage); name != "" {
			t.lastMessage = name
		}
	}

	if target <= t.percent {
		return
	}
	if target > 100 {
		target = 100
	}
	t.percent = target
	t.applyPercent(target, now)
}

func (t *Tracker) resolveTarget(ev Event) (float64, bool) {
	if ev.HasPercent {
		return ev.Percent, true
	}
	if ev.Stage != "" {
		return t.plan.BoundaryFor(ev.Stage)
	}
	return 0, false
}

func (t *Tracker) stageNameFor(stage pipeline.Stage) string {
	for _, s := range t.plan.Stages {
		if s.Stage == stage {
			return s.Name
		}
	}
	return ""
}

// applyPercent recomputes every stage's status against the cumulative
// weight boundaries. Stages entirely below the percentage complete, the
// straddling stage becomes current, later stages stay pending. Start and
// end timestamps are set exactly once.
func (t *Tracker) applyPercent(pct float64, now time.Time) {
	var cumulative float64
	for i := range t.stages {
		start := cumulative
		end := cumulative + t.plan.Stages[i].Weight
		cumulative = end

		st := &t.stages[i]
		switch {
		case pct >= end:
			if st.status != StageCompleted {
				st.status = StageCompleted
				if st.startedAt == nil {
					st.startedAt = timePtr(now)
				}
				if st.endedAt == nil {
					st.endedAt = timePtr(now)
				}
			}
		case pct > start:
			if st.status != StageCurrent {
				st.status = StageCurrent
				if st.startedAt == nil {
					st.startedAt = timePtr(now)
				}
			}
		default:
			if st.status != StagePending && st.status != StageFailed {
				st.status = StagePending
			}
		}
	}
}

// MarkCompleted finalizes the ledger: every stage not already failed is
// completed, the percentage is forced to 100 and the status to completed.
// A ledger already terminal stays as it is.
func (t *Tracker) MarkCompleted() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != LedgerRunning {
		return
	}
	now := t.clock()
	t.status = LedgerCompleted
	t.percent = 100
	t.lastUpdate = now
	for i := range t.stages {
		st := &t.stages[i]
		if st.status == StageFailed {
			continue
		}
		st.status = StageCompleted
		if st.startedAt == nil {
			st.startedAt = timePtr(now)
		}
		if st.endedAt == nil {
			st.endedAt = timePtr(now)
		}
	}
}

// MarkFailed finalizes the ledger on failure. The recorded percentage is
// left as-is so the partial completion remains visible for diagnostics.
// A ledger already terminal stays as it is.
func (t *Tracker) MarkFailed(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != LedgerRunning {
		return
	}
	now := t.clock()
	t.status = LedgerFailed
	t.failureReason = reason
	t.lastUpdate = now
	for i := range t.stages {
		st := &t.stages[i]
		if st.status == StageCompleted || st.status == StageFailed {
			continue
		}
		st.status = StageFailed
		if st.endedAt == nil {
			st.endedAt = timePtr(now)
		}
	}
}

// Percent returns the recorded overall percentage.
func (t *Tracker) Percent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent
}

// CurrentStep returns the index of the stage currently in progress.
func (t *Tracker) CurrentStep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentStepLocked()
}

func (t *Tracker) currentStepLocked() int {
	for i, st := range t.stages {
		if st.status == StageCurrent {
			return i
		}
	}
	for i, st := range t.stages {
		if st.status == StagePending {
			return i
		}
	}
	for i := len(t.stages) - 1; i >= 0; i-- {
		if t.stages[i].status == StageCompleted {
			return i
		}
	}
	return 0
}

// Snapshot returns an immutable copy of the ledger with the time estimates
// recomputed against the wall clock. The total estimate stays fixed while
// running; remaining time only shrinks toward zero.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	elapsed := now.Sub(t.startTime).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	estimated := t.estimatedTotal
	var remaining float64
	if t.percent >= 100 {
		estimated = elapsed
		remaining = 0
	} else {
		remaining = estimated - elapsed
		if remaining < 0 {
			remaining = 0
		}
	}

	current := t.currentStepLocked()
	snap := Snapshot{
		TaskID:                t.taskID,
		Status:                t.status,
		Percent:               t.percent,
		CurrentStep:           current,
		LastMessage:           t.lastMessage,
		FailureReason:         t.failureReason,
		StartTime:             t.startTime,
		LastUpdate:            t.lastUpdate,
		ElapsedSeconds:        elapsed,
		RemainingSeconds:      remaining,
		EstimatedTotalSeconds: estimated,
		Stages:                make([]StageSnapshot, len(t.stages)),
	}
	if current >= 0 && current < len(t.plan.Stages) {
		snap.CurrentStepName = t.plan.Stages[current].Name
		snap.CurrentStepDescription = t.plan.Stages[current].Description
	}
	for i, st := range t.stages {
		ps := t.plan.Stages[i]
		snap.Stages[i] = StageSnapshot{
			Stage:       string(ps.Stage),
			Name:        ps.Name,
			Description: ps.Description,
			Status:      st.status,
			Weight:      ps.Weight,
			StartedAt:   st.startedAt,
			EndedAt:     st.endedAt,
		}
	}
	return snap
}

func timePtr(t time.Time) *time.Time { return &t }
