// Package service is the application layer: it accepts analysis
// submissions, serves merged task status from the three state tiers, and
// owns cancellation and cleanup.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tradingagents/analysisd/metrics"
	"github.com/tradingagents/analysisd/progress"
	"github.com/tradingagents/analysisd/queue"
	"github.com/tradingagents/analysisd/registry"
	"github.com/tradingagents/analysisd/store"
	"github.com/tradingagents/analysisd/task"
)

// ErrNotFound is returned when no tier knows the task.
var ErrNotFound = errors.New("task not found")

// ErrAlreadyTerminal is returned when cancelling a finished task.
var ErrAlreadyTerminal = errors.New("task already finished")

// TaskQueue is the ready-queue surface the service needs. *queue.Queue is
// the production implementation.
type TaskQueue interface {
	Enqueue(ctx context.Context, env queue.Envelope) error
	QueueStats(ctx context.Context) (queue.Stats, error)
	UserQueueStatus(ctx context.Context, userID string) (queue.UserStatus, error)
}

// Service wires the registry, the progress cache, the durable store and
// the ready queue behind one API.
type Service struct {
	registry  *registry.Registry
	snapshots progress.Store
	store     *store.Store
	queue     TaskQueue
	logger    *slog.Logger
	clock     func() time.Time
}

// New assembles the service.
func New(reg *registry.Registry, snapshots progress.Store, st *store.Store, q TaskQueue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:  reg,
		snapshots: snapshots,
		store:     st,
		queue:     q,
		logger:    logger,
		clock:     time.Now,
	}
}

// Submit validates the request, records the pending task in the registry
// and the durable store, and enqueues it. Validation happens before any
// state is written, so a rejected submission leaves no trace.
func (s *Service) Submit(ctx context.Context, userID, symbol string, params task.Params) (*task.Task, error) {
	return s.submit(ctx, userID, symbol, "", params)
}

func (s *Service) submit(ctx context.Context, userID, symbol, batchID string, params task.Params) (*task.Task, error) {
	t, err := task.New(userID, symbol, params, s.clock())
	if err != nil {
		return nil, err
	}
	t.BatchID = batchID
	t.EstimatedSeconds = progress.EstimateTotalSeconds(params.Analysts, params.Depth, params.Provider)

	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	s.registry.Create(t)

	if err := s.queue.Enqueue(ctx, queue.Envelope{
		TaskID:     t.ID,
		UserID:     t.UserID,
		Symbol:     t.Symbol,
		BatchID:    t.BatchID,
		Params:     t.Params,
		EnqueuedAt: t.CreatedAt,
	}); err != nil {
		// The pending rows stay; the zombie pass will fail them if the
		// queue never recovers.
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	metrics.TasksSubmitted.Inc()
	s.logger.Info("task submitted",
		"task_id", t.ID,
		"user_id", t.UserID,
		"symbol", t.Symbol,
		"estimated_seconds", t.EstimatedSeconds)
	return t, nil
}

// SubmitBatch submits one task per symbol under a shared batch id. Symbols
// that fail validation are reported per entry; the rest of the batch still
// runs.
func (s *Service) SubmitBatch(ctx context.Context, userID string, symbols []string, params task.Params) (*task.Batch, []*task.Task, []error, error) {
	if len(symbols) == 0 {
		return nil, nil, nil, fmt.Errorf("no symbols in batch")
	}
	if err := params.Validate(); err != nil {
		return nil, nil, nil, err
	}

	batch := &task.Batch{
		ID:        uuid.New().String(),
		UserID:    userID,
		Status:    "running",
		Total:     len(symbols),
		CreatedAt: s.clock(),
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return nil, nil, nil, fmt.Errorf("persist batch: %w", err)
	}

	tasks := make([]*task.Task, 0, len(symbols))
	errs := make([]error, len(symbols))
	for i, symbol := range symbols {
		t, err := s.submit(ctx, userID, symbol, batch.ID, params)
		if err != nil {
			errs[i] = err
			if berr := s.store.BumpBatch(ctx, batch.ID, task.StatusFailed); berr != nil {
				s.logger.Warn("batch counter update failed", "batch_id", batch.ID, "error", berr)
			}
			continue
		}
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return batch, nil, errs, fmt.Errorf("all %d submissions failed", len(symbols))
	}
	return batch, tasks, errs, nil
}

// GetBatch returns the batch record with its aggregate counters.
func (s *Service) GetBatch(ctx context.Context, batchID string) (*task.Batch, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

// GetStatus merges the task's state across the registry, the progress
// cache and the durable store. The registry is the most current source
// for a task running in this process; the cache carries the stage ledger;
// the durable store survives restarts.
func (s *Service) GetStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	mem, _ := s.registry.Get(taskID)

	var snap *progress.Snapshot
	if loaded, found, err := s.snapshots.Load(ctx, taskID); err != nil {
		s.logger.Warn("progress snapshot load failed", "task_id", taskID, "error", err)
	} else if found {
		loaded.RecomputeTimes(s.clock())
		snap = &loaded
	}

	durable, err := s.store.GetTask(ctx, taskID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("durable task load failed", "task_id", taskID, "error", err)
	}

	status := mergeStatus(mem, snap, durable)
	if status == nil {
		return nil, ErrNotFound
	}
	return status, nil
}

// List returns tasks matching the filter, newest first, merging the
// registry's live view over the durable store's records. Pagination is
// applied once, to the merged result; paging the store query directly
// would shift page boundaries by however many registry-only tasks exist.
func (s *Service) List(ctx context.Context, f store.Filter) ([]*task.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	durable, err := s.store.ListTasks(ctx, store.Filter{
		UserID: f.UserID,
		Status: f.Status,
		Limit:  offset + limit,
	})
	if err != nil {
		return nil, err
	}
	live := s.registry.List(registry.Filter{
		UserID: f.UserID,
		Status: f.Status,
	})

	merged := make([]*task.Task, 0, len(durable)+len(live))
	seen := make(map[string]int, len(durable))
	for _, t := range durable {
		seen[t.ID] = len(merged)
		merged = append(merged, t)
	}
	for _, t := range live {
		if i, ok := seen[t.ID]; ok {
			// The registry is ahead of the store for in-flight tasks.
			if !merged[i].Status.Terminal() {
				merged[i] = t
			}
			continue
		}
		merged = append(merged, t)
	}

	sortTasksNewestFirst(merged)
	if offset >= len(merged) {
		return nil, nil
	}
	merged = merged[offset:]
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// Cancel marks the task cancelled. A task cancelled while queued is
// skipped at dequeue; a task cancelled mid-run keeps the cancellation even
// if the pipeline later reports completion.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	applied, err := s.store.SetCancelled(ctx, taskID)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}

	cancelled := task.StatusCancelled
	_, regErr := s.registry.Apply(taskID, registry.Update{Status: &cancelled})

	if applied || regErr == nil {
		s.logger.Info("task cancelled", "task_id", taskID)
		return nil
	}
	if errors.Is(regErr, registry.ErrTerminal) {
		return ErrAlreadyTerminal
	}
	// Neither tier applied the cancellation. Distinguish a finished task
	// from an unknown one.
	if _, gerr := s.store.GetTask(ctx, taskID); gerr == nil {
		return ErrAlreadyTerminal
	}
	return ErrNotFound
}

// CleanupReport summarizes a zombie cleanup pass.
type CleanupReport struct {
	MemoryCleaned int `json:"memory_cleaned"`
	StoreCleaned  int `json:"store_cleaned"`
	Total         int `json:"total"`
}

// CleanupZombies force-fails tasks that have been running longer than
// maxRunning, in both the registry and the durable store.
func (s *Service) CleanupZombies(ctx context.Context, maxRunning time.Duration) (CleanupReport, error) {
	const reason = "task timed out and was marked failed"
	var report CleanupReport

	report.MemoryCleaned = s.registry.CleanupZombies(maxRunning, reason)

	n, err := s.store.ReclaimZombies(ctx, maxRunning, reason)
	if err != nil {
		return report, fmt.Errorf("store zombie cleanup: %w", err)
	}
	report.StoreCleaned = n
	report.Total = report.MemoryCleaned + report.StoreCleaned

	if report.Total > 0 {
		metrics.ZombiesCleaned.Add(float64(report.Total))
		s.logger.Warn("zombie cleanup",
			"memory_cleaned", report.MemoryCleaned,
			"store_cleaned", report.StoreCleaned)
	}
	return report, nil
}

// QueueStats returns queue occupancy.
func (s *Service) QueueStats(ctx context.Context) (queue.Stats, error) {
	return s.queue.QueueStats(ctx)
}

// UserQueueStatus returns the user's admission headroom.
func (s *Service) UserQueueStatus(ctx context.Context, userID string) (queue.UserStatus, error) {
	return s.queue.UserQueueStatus(ctx, userID)
}

// RegistryStats returns per-status counts of the in-process registry.
func (s *Service) RegistryStats() map[string]int {
	return s.registry.Stats()
}
