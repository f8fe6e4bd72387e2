package service

import (
	"sort"

	"github.com/tradingagents/analysisd/progress"
	"github.com/tradingagents/analysisd/task"
)

// TaskStatus is the merged view of a task across the three state tiers,
// with the stage-level detail from the progress cache when available.
type TaskStatus struct {
	Task   *task.Task         `json:"task"`
	Detail *progress.Snapshot `json:"progress_detail,omitempty"`
	Source string             `json:"source"`
}

// statusRank orders statuses by merge precedence. Terminal states beat
// in-flight ones, and cancellation beats every other terminal state so a
// late pipeline completion can never override it.
func statusRank(s task.Status) int {
	switch s {
	case task.StatusPending:
		return 0
	case task.StatusRunning:
		return 1
	case task.StatusCompleted:
		return 2
	case task.StatusFailed:
		return 3
	case task.StatusCancelled:
		return 4
	}
	return 0
}

// mergeStatus combines the in-process view, the cached progress snapshot
// and the durable record. The in-process view wins for live fields, the
// snapshot contributes stage detail and the freshest percent, the durable
// record fills everything the others lack. Progress never merges
// downward and terminal states always win.
func mergeStatus(mem *task.Task, snap *progress.Snapshot, durable *task.Task) *TaskStatus {
	if mem == nil && snap == nil && durable == nil {
		return nil
	}

	var merged *task.Task
	source := "store"
	switch {
	case mem != nil:
		merged = mem.Clone()
		source = "memory"
	case durable != nil:
		merged = durable.Clone()
	default:
		merged = taskFromSnapshot(snap)
		source = "cache"
	}

	if durable != nil && mem != nil {
		mergeInto(merged, durable)
	}

	if snap != nil {
		if int(snap.Percent) > merged.Progress {
			merged.Progress = int(snap.Percent)
		}
		if merged.CurrentStep == "" {
			merged.CurrentStep = snap.CurrentStepName
		}
		if merged.Message == "" {
			merged.Message = snap.LastMessage
		}
		if merged.Error == "" && snap.FailureReason != "" {
			merged.Error = snap.FailureReason
		}
		if source == "store" {
			source = "cache"
		}
	}

	if merged.Status == task.StatusCompleted && merged.Progress < 100 {
		merged.Progress = 100
	}

	return &TaskStatus{Task: merged, Detail: snap, Source: source}
}

// mergeInto folds other into merged. Progress is monotonic across
// sources; a higher-ranked status brings its outcome fields along; empty
// fields are filled, never overwritten.
func mergeInto(merged, other *task.Task) {
	if other.Progress > merged.Progress {
		merged.Progress = other.Progress
	}
	if statusRank(other.Status) > statusRank(merged.Status) {
		merged.Status = other.Status
		merged.Result = other.Result
		merged.Error = other.Error
		if other.EndedAt != nil {
			merged.EndedAt = other.EndedAt
		}
		if other.Message != "" {
			merged.Message = other.Message
		}
	}
	if merged.StartedAt == nil {
		merged.StartedAt = other.StartedAt
	}
	if merged.EndedAt == nil && merged.Status.Terminal() {
		merged.EndedAt = other.EndedAt
	}
	if merged.CurrentStep == "" {
		merged.CurrentStep = other.CurrentStep
	}
	if merged.Message == "" {
		merged.Message = other.Message
	}
	if merged.Result == nil {
		merged.Result = other.Result
	}
	if merged.EstimatedSeconds == 0 {
		merged.EstimatedSeconds = other.EstimatedSeconds
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = other.CreatedAt
	}
}

// taskFromSnapshot reconstructs a minimal task view when only the progress
// cache still knows the task, e.g. after a restart wiped the registry
// before the durable write landed.
func taskFromSnapshot(snap *progress.Snapshot) *task.Task {
	status := task.StatusRunning
	switch snap.Status {
	case progress.LedgerCompleted:
		status = task.StatusCompleted
	case progress.LedgerFailed:
		status = task.StatusFailed
	}
	return &task.Task{
		ID:          snap.TaskID,
		Status:      status,
		Progress:    int(snap.Percent),
		CurrentStep: snap.CurrentStepName,
		Message:     snap.LastMessage,
		CreatedAt:   snap.StartTime,
	}
}

func sortTasksNewestFirst(tasks []*task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
