// Package task defines the analysis task data model shared by the
// registry, the durable store, and the status service.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tradingagents/analysisd/pipeline"
)

// Status represents the lifecycle state of a task.
type Status string

// Task lifecycle states.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. A terminal task never
// transitions again; in particular a late pipeline completion must not
// overwrite a recorded cancellation.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown task status: %q", s)
}

// Params carries the analysis parameters chosen at submission.
type Params struct {
	Analysts []pipeline.Analyst `json:"analysts"`
	Depth    pipeline.Depth     `json:"depth"`
	Provider pipeline.Provider  `json:"provider"`
	Date     string             `json:"date,omitempty"`
}

// Validate checks that the parameters describe a runnable analysis.
func (p Params) Validate() error {
	if len(p.Analysts) == 0 {
		return fmt.Errorf("at least one analyst is required")
	}
	for _, a := range p.Analysts {
		if !a.Valid() {
			return fmt.Errorf("unknown analyst: %q", a)
		}
	}
	return nil
}

// Task is one analysis request. Invariants:
//   - Progress is monotonically non-decreasing while status is running.
//   - EndTime is set if and only if the status is terminal.
//   - Exactly one of Result / Error is populated in a terminal state.
type Task struct {
	ID          string         `json:"task_id"`
	UserID      string         `json:"user_id"`
	Symbol      string         `json:"symbol"`
	BatchID     string         `json:"batch_id,omitempty"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	CurrentStep string         `json:"current_step,omitempty"`
	Message     string         `json:"message,omitempty"`
	Params      Params         `json:"parameters"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// EstimatedSeconds is the fixed total-duration estimate computed at
	// submission. Advisory only; never used as a timeout.
	EstimatedSeconds float64 `json:"estimated_seconds,omitempty"`
}

// New creates a pending task with a fresh id.
func New(userID, symbol string, params Params, now time.Time) (*Task, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("empty symbol")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Task{
		ID:        uuid.New().String(),
		UserID:    userID,
		Symbol:    strings.ToUpper(symbol),
		Status:    StatusPending,
		Params:    params,
		CreatedAt: now,
	}, nil
}

// Clone returns a shallow copy safe to hand out of a locked section. The
// Result map is shared; callers treat it as read-only.
func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// ExecutionSeconds returns the wall-clock run time for a terminal task,
// or zero when the task has no recorded span.
func (t *Task) ExecutionSeconds() float64 {
	if t.StartedAt == nil || t.EndedAt == nil {
		return 0
	}
	return t.EndedAt.Sub(*t.StartedAt).Seconds()
}

// Batch groups tasks submitted together and carries aggregate counters.
type Batch struct {
	ID        string    `json:"batch_id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
	CreatedAt time.Time `json:"created_at"`
}

// Done reports whether every task in the batch is terminal.
func (b *Batch) Done() bool {
	return b.Completed+b.Failed+b.Cancelled >= b.Total
}

// Progress returns overall batch completion on the 0-100 scale.
func (b *Batch) BatchProgress() int {
	if b.Total == 0 {
		return 0
	}
	return (b.Completed + b.Failed + b.Cancelled) * 100 / b.Total
}
