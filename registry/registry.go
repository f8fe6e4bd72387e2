// Package registry provides the in-process task registry: a mutex-guarded
// map from task id to task state. It is the fastest and most current view
// of tasks running in this process, and is lost on restart; the durable
// store remains the system of record.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tradingagents/analysisd/task"
)

// ErrNotFound is returned when the task is not present in this process.
var ErrNotFound = errors.New("task not found in registry")

// ErrTerminal is returned when an update targets a task whose status is
// already final.
var ErrTerminal = errors.New("task already terminal")

// Update describes a partial mutation of a task's state. Nil fields are
// left untouched.
type Update struct {
	Status      *task.Status
	Progress    *int
	Message     *string
	CurrentStep *string
	Result      map[string]any
	Error       *string
}

// Notifier receives task state changes, e.g. for WebSocket fan-out. It is
// invoked outside the registry lock.
type Notifier interface {
	NotifyTask(t *task.Task)
}

// Registry is the in-process task map. A plain OS-level mutex guards all
// reads and writes: updates arrive from pipeline worker goroutines as well
// as request handlers, so the lock must exclude across all of them.
type Registry struct {
	mu       sync.Mutex
	tasks    map[string]*task.Task
	clock    func() time.Time
	logger   *slog.Logger
	notifier Notifier
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		tasks:  make(map[string]*task.Task),
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetNotifier installs the state-change notifier. Must be called before
// the registry receives traffic.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// Create inserts a task. An existing entry with the same id is replaced;
// submission generates fresh ids so collisions indicate re-registration of
// the same task by a worker in another process, where replace is correct.
func (r *Registry) Create(t *task.Task) {
	r.mu.Lock()
	r.tasks[t.ID] = t.Clone()
	count := len(r.tasks)
	r.mu.Unlock()

	r.logger.Debug("task registered", "task_id", t.ID, "registry_size", count)
}

// Get returns a copy of the task state.
func (r *Registry) Get(taskID string) (*task.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Apply mutates the task under the lock. Progress is monotonic while the
// task is running: a lower progress value is ignored. Terminal states are
// immutable; attempting a second terminal transition (or any update to a
// terminal task) returns ErrTerminal, preserving the cancelled-wins rule.
func (r *Registry) Apply(taskID string, u Update) (*task.Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if t.Status.Terminal() {
		r.mu.Unlock()
		return nil, ErrTerminal
	}

	if u.Status != nil {
		if *u.Status == task.StatusRunning && t.StartedAt == nil {
			now := r.clock()
			t.StartedAt = &now
		}
		t.Status = *u.Status
	}
	if u.Progress != nil && *u.Progress > t.Progress {
		t.Progress = *u.Progress
	}
	if u.Message != nil {
		t.Message = *u.Message
	}
	if u.CurrentStep != nil {
		t.CurrentStep = *u.CurrentStep
	}
	if u.Result != nil {
		t.Result = u.Result
	}
	if u.Error != nil {
		t.Error = *u.Error
	}

	if t.Status.Terminal() && t.EndedAt == nil {
		now := r.clock()
		t.EndedAt = &now
		if t.Status == task.StatusCompleted {
			t.Progress = 100
		}
	}

	out := t.Clone()
	notifier := r.notifier
	r.mu.Unlock()

	if notifier != nil {
		notifier.NotifyTask(out)
	}
	return out, nil
}

// Filter selects tasks for listing.
type Filter struct {
	UserID string
	Status task.Status
	Limit  int
	Offset int
}

// List returns task copies matching the filter, newest first.
func (r *Registry) List(f Filter) []*task.Task {
	r.mu.Lock()
	matched := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		matched = append(matched, t.Clone())
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched
}

// Remove deletes the task from the registry.
func (r *Registry) Remove(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[taskID]; !ok {
		return false
	}
	delete(r.tasks, taskID)
	return true
}

// Stats summarizes the registry contents by status.
func (r *Registry) Stats() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := map[string]int{"total": len(r.tasks)}
	for _, t := range r.tasks {
		stats[string(t.Status)]++
	}
	return stats
}

// CleanupOld removes terminal tasks older than maxAge and returns how
// many were removed.
func (r *Registry) CleanupOld(maxAge time.Duration) int {
	cutoff := r.clock().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, t := range r.tasks {
		if t.Status.Terminal() && t.CreatedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// CleanupZombies force-fails non-terminal tasks that have been running
// longer than the ceiling, and returns how many were reclaimed. This is
// the in-memory half of zombie reclamation; the durable store runs its own
// sweep.
func (r *Registry) CleanupZombies(maxRunning time.Duration, reason string) int {
	now := r.clock()
	cutoff := now.Add(-maxRunning)

	r.mu.Lock()
	var reclaimed []*task.Task
	for _, t := range r.tasks {
		if t.Status != task.StatusRunning && t.Status != task.StatusPending {
			continue
		}
		started := t.CreatedAt
		if t.StartedAt != nil {
			started = *t.StartedAt
		}
		if !started.Before(cutoff) {
			continue
		}
		t.Status = task.StatusFailed
		t.Error = reason
		t.Message = "task timed out and was marked failed"
		end := now
		t.EndedAt = &end
		reclaimed = append(reclaimed, t.Clone())
	}
	notifier := r.notifier
	r.mu.Unlock()

	for _, t := range reclaimed {
		r.logger.Warn("zombie task reclaimed",
			"task_id", t.ID,
			"running_seconds", t.ExecutionSeconds())
		if notifier != nil {
			notifier.NotifyTask(t)
		}
	}
	return len(reclaimed)
}
