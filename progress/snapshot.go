package progress

import (
	"time"
)

// StageStatus is the lifecycle state of a single stage.
type StageStatus string

// Stage states.
const (
	StagePending   StageStatus = "pending"
	StageCurrent   StageStatus = "current"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// LedgerStatus is the terminal state of the ledger itself.
type LedgerStatus string

// Ledger states.
const (
	LedgerRunning   LedgerStatus = "running"
	LedgerCompleted LedgerStatus = "completed"
	LedgerFailed    LedgerStatus = "failed"
)

// StageSnapshot is the externally visible state of one stage.
type StageSnapshot struct {
	Stage       string      `json:"stage"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Status      StageStatus `json:"status"`
	Weight      float64     `json:"weight"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
}

// Snapshot is an immutable copy of the ledger state, suitable for
// persistence and for merging in the status reconciler.
type Snapshot struct {
	TaskID                 string          `json:"task_id"`
	Status                 LedgerStatus    `json:"status"`
	Percent                float64         `json:"progress_percentage"`
	CurrentStep            int             `json:"current_step"`
	CurrentStepName        string          `json:"current_step_name,omitempty"`
	CurrentStepDescription string          `json:"current_step_description,omitempty"`
	LastMessage            string          `json:"last_message,omitempty"`
	FailureReason          string          `json:"failure_reason,omitempty"`
	StartTime              time.Time       `json:"start_time"`
	LastUpdate             time.Time       `json:"last_update"`
	ElapsedSeconds         float64         `json:"elapsed_time"`
	RemainingSeconds       float64         `json:"remaining_time"`
	EstimatedTotalSeconds  float64         `json:"estimated_total_time"`
	Stages                 []StageSnapshot `json:"steps"`
}

// RecomputeTimes refreshes the elapsed and remaining estimates against the
// given wall-clock time. The total estimate stays fixed while the run is in
// flight; it only collapses to the observed elapsed time on completion.
// Used when serving a snapshot loaded from the cache or file fallback.
func (s *Snapshot) RecomputeTimes(now time.Time) {
	if s.StartTime.IsZero() {
		return
	}
	elapsed := now.Sub(s.StartTime).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	s.ElapsedSeconds = elapsed

	if s.Percent >= 100 {
		s.EstimatedTotalSeconds = elapsed
		s.RemainingSeconds = 0
		return
	}
	if s.EstimatedTotalSeconds <= 0 {
		s.EstimatedTotalSeconds = 300
	}
	remaining := s.EstimatedTotalSeconds - elapsed
	if remaining < 0 {
		remaining = 0
	}
	s.RemainingSeconds = remaining
}
