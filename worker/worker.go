// Package worker runs analysis tasks pulled from the ready queue. A worker
// executes one pipeline run at a time, heartbeats its liveness, and
// periodically reclaims state left behind by crashed peers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradingagents/analysisd/metrics"
	"github.com/tradingagents/analysisd/pipeline"
	"github.com/tradingagents/analysisd/progress"
	"github.com/tradingagents/analysisd/queue"
	"github.com/tradingagents/analysisd/registry"
	"github.com/tradingagents/analysisd/store"
	"github.com/tradingagents/analysisd/task"
)

// Source supplies admitted task deliveries. *queue.Queue is the production
// implementation.
type Source interface {
	Dequeue(ctx context.Context, workerID string) (Delivery, error)
	ReclaimExpired(ctx context.Context) (int, error)
}

// Delivery is one admitted task the worker must finish exactly once.
type Delivery interface {
	Task() queue.Envelope
	KeepAlive()
	Finish(ctx context.Context, success bool) error
}

// Heartbeats records worker liveness. *queue.Controller is the production
// implementation.
type Heartbeats interface {
	Heartbeat(ctx context.Context, workerID string, payload []byte) error
	RemoveHeartbeat(ctx context.Context, workerID string) error
}

// queueSource adapts *queue.Queue to the Source interface.
type queueSource struct {
	q *queue.Queue
}

// NewQueueSource wraps the queue as a delivery source.
func NewQueueSource(q *queue.Queue) Source {
	return queueSource{q: q}
}

func (s queueSource) Dequeue(ctx context.Context, workerID string) (Delivery, error) {
	d, err := s.q.Dequeue(ctx, workerID)
	if err != nil || d == nil {
		return nil, err
	}
	return d, nil
}

func (s queueSource) ReclaimExpired(ctx context.Context) (int, error) {
	return s.q.ReclaimExpired(ctx)
}

// Settings tunes the worker loops.
type Settings struct {
	// HeartbeatInterval is how often the liveness record is refreshed.
	// The heartbeat key TTL should be twice this.
	HeartbeatInterval time.Duration

	// KeepAliveInterval is how often the redelivery window is extended
	// while a pipeline runs.
	KeepAliveInterval time.Duration

	// CleanupInterval is how often expired claims and zombie tasks are
	// reclaimed.
	CleanupInterval time.Duration

	// ZombieMaxRunning is the longest a task may stay running before the
	// cleanup pass force-fails it.
	ZombieMaxRunning time.Duration

	// Retention is how long terminal tasks stay in the registry and the
	// durable store before cleanup removes them.
	Retention time.Duration

	// IdleDelay is the pause after a dequeue error before retrying.
	IdleDelay time.Duration
}

// DefaultSettings returns the worker defaults.
func DefaultSettings() Settings {
	return Settings{
		HeartbeatInterval: 30 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		CleanupInterval:   time.Minute,
		ZombieMaxRunning:  2 * time.Hour,
		Retention:         24 * time.Hour,
		IdleDelay:         2 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = d.HeartbeatInterval
	}
	if s.KeepAliveInterval <= 0 {
		s.KeepAliveInterval = d.KeepAliveInterval
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = d.CleanupInterval
	}
	if s.ZombieMaxRunning <= 0 {
		s.ZombieMaxRunning = d.ZombieMaxRunning
	}
	if s.Retention <= 0 {
		s.Retention = d.Retention
	}
	if s.IdleDelay <= 0 {
		s.IdleDelay = d.IdleDelay
	}
	return s
}

// Worker pulls tasks off the queue and runs them through the pipeline,
// one at a time.
type Worker struct {
	id         string
	source     Source
	beats      Heartbeats
	registry   *registry.Registry
	snapshots  progress.Store
	store      *store.Store
	pipe       pipeline.Pipeline
	settings   Settings
	logger     *slog.Logger
	clock      func() time.Time
	zombieNote string

	mu          sync.Mutex
	currentTask string
	state       string
}

// New assembles a worker with a generated id.
func New(source Source, beats Heartbeats, reg *registry.Registry, snapshots progress.Store, st *store.Store, pipe pipeline.Pipeline, settings Settings, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	id := "worker-" + uuid.New().String()[:8]
	return &Worker{
		id:         id,
		source:     source,
		beats:      beats,
		registry:   reg,
		snapshots:  snapshots,
		store:      st,
		pipe:       pipe,
		settings:   settings.withDefaults(),
		logger:     logger.With("worker_id", id),
		clock:      time.Now,
		zombieNote: "task timed out and was marked failed",
		state:      "starting",
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.id
}

// Run executes the worker until the context is cancelled. The in-flight
// task, if any, finishes before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.setState("running", "")
	w.logger.Info("worker started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		w.cleanupLoop(ctx)
	}()

	for ctx.Err() == nil {
		d, err := w.source.Dequeue(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Warn("dequeue failed", "error", err)
			sleep(ctx, w.settings.IdleDelay)
			continue
		}
		if d == nil {
			continue
		}
		w.process(ctx, d)
	}

	w.setState("stopping", "")
	wg.Wait()

	// The run context is gone; deregister with a short-lived one.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.beats.RemoveHeartbeat(shutdownCtx, w.id); err != nil {
		w.logger.Warn("failed to remove heartbeat", "error", err)
	}

	w.setState("stopped", "")
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) setState(state, taskID string) {
	w.mu.Lock()
	w.state = state
	w.currentTask = taskID
	w.mu.Unlock()
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.settings.HeartbeatInterval)
	defer ticker.Stop()

	w.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	w.mu.Lock()
	payload, err := json.Marshal(map[string]any{
		"worker_id":    w.id,
		"timestamp":    w.clock().UTC().Format(time.RFC3339),
		"current_task": w.currentTask,
		"status":       w.state,
	})
	w.mu.Unlock()
	if err != nil {
		return
	}
	if err := w.beats.Heartbeat(ctx, w.id, payload); err != nil {
		w.logger.Warn("heartbeat failed", "error", err)
	}
}

func (w *Worker) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(w.settings.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

// cleanup reclaims abandoned claims, force-fails zombie tasks, and prunes
// terminal tasks past retention. Each pass is independent; a failure in
// one is logged and the others still run.
func (w *Worker) cleanup(ctx context.Context) {
	if n, err := w.source.ReclaimExpired(ctx); err != nil {
		w.logger.Warn("claim reclaim failed", "error", err)
	} else if n > 0 {
		metrics.ClaimsReclaimed.Add(float64(n))
		w.logger.Info("reclaimed expired claims", "count", n)
	}

	if n, err := w.store.ReclaimZombies(ctx, w.settings.ZombieMaxRunning, w.zombieNote); err != nil {
		w.logger.Warn("zombie reclaim failed", "error", err)
	} else if n > 0 {
		metrics.ZombiesCleaned.Add(float64(n))
		w.logger.Warn("force-failed zombie tasks", "count", n)
	}

	if n := w.registry.CleanupZombies(w.settings.ZombieMaxRunning, w.zombieNote); n > 0 {
		metrics.ZombiesCleaned.Add(float64(n))
	}
	w.registry.CleanupOld(w.settings.Retention)

	if _, err := w.store.DeleteOlderThan(ctx, w.settings.Retention); err != nil {
		w.logger.Warn("retention cleanup failed", "error", err)
	}
}

// process runs one delivered task end to end. The delivery is finished
// exactly once regardless of outcome; failed pipeline runs are not
// redelivered because the failure is recorded durably.
func (w *Worker) process(ctx context.Context, d Delivery) {
	env := d.Task()
	logger := w.logger.With("task_id", env.TaskID, "symbol", env.Symbol)

	success := false
	defer func() {
		if err := d.Finish(ctx, success); err != nil {
			logger.Error("failed to finish delivery", "error", err)
		}
	}()

	// A task cancelled while queued must not run.
	stored, err := w.store.GetTask(ctx, env.TaskID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// The submitting process's durable write never landed. Recreate
		// the row from the envelope so completion has somewhere to go.
		stored = taskFromEnvelope(env, w.clock())
		if cerr := w.store.CreateTask(ctx, stored); cerr != nil {
			logger.Warn("failed to recreate durable record", "error", cerr)
			stored = nil
		}
	case err != nil:
		logger.Warn("durable lookup failed, running anyway", "error", err)
	}
	if stored != nil && stored.Status.Terminal() {
		logger.Info("skipping terminal task", "status", stored.Status)
		success = true
		return
	}

	w.ensureRegistered(env, stored)

	applied, err := w.store.SetRunning(ctx, env.TaskID, w.id)
	if err != nil {
		logger.Warn("failed to mark running in store", "error", err)
	} else if !applied && stored != nil {
		// Lost a race with a cancellation between lookup and start.
		logger.Info("task went terminal before start")
		success = true
		return
	}
	running := task.StatusRunning
	if _, err := w.registry.Apply(env.TaskID, registry.Update{Status: &running}); err != nil {
		logger.Warn("failed to mark running in registry", "error", err)
	}

	tracker, err := progress.NewTracker(env.TaskID, env.Params.Analysts, env.Params.Depth, env.Params.Provider)
	if err != nil {
		w.fail(ctx, env, tracker, fmt.Sprintf("invalid parameters: %v", err), logger)
		return
	}
	w.publishSnapshot(ctx, tracker, logger)

	w.setState("busy", env.TaskID)
	metrics.TasksDequeued.Inc()
	metrics.TasksRunning.Inc()
	started := w.clock()
	defer func() {
		metrics.TasksRunning.Dec()
		metrics.TaskDuration.Observe(w.clock().Sub(started).Seconds())
		w.setState("running", "")
	}()

	decision, err := w.runPipeline(ctx, env, tracker, d, logger)
	if err != nil {
		w.fail(ctx, env, tracker, err.Error(), logger)
		return
	}

	w.complete(ctx, env, tracker, decision, logger)
	success = true
}

// runPipeline executes the pipeline while a single applier goroutine
// serializes progress writes and a keepalive ticker extends the delivery's
// redelivery window.
func (w *Worker) runPipeline(ctx context.Context, env queue.Envelope, tracker *progress.Tracker, d Delivery, logger *slog.Logger) (pipeline.Decision, error) {
	events := make(chan pipeline.Stage, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for stage := range events {
			tracker.Update(progress.StageEvent(stage))
			w.publishSnapshot(ctx, tracker, logger)
			w.applyProgress(ctx, env.TaskID, tracker, logger)
		}
	}()

	keepCtx, stopKeep := context.WithCancel(ctx)
	var keepWG sync.WaitGroup
	keepWG.Add(1)
	go func() {
		defer keepWG.Done()
		ticker := time.NewTicker(w.settings.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-keepCtx.Done():
				return
			case <-ticker.C:
				d.KeepAlive()
			}
		}
	}()

	req := pipeline.Request{
		TaskID:   env.TaskID,
		Symbol:   env.Symbol,
		Date:     env.Params.Date,
		Analysts: env.Params.Analysts,
		Depth:    env.Params.Depth,
		Provider: env.Params.Provider,
	}
	decision, err := w.pipe.Propagate(ctx, req, func(stage pipeline.Stage) {
		select {
		case events <- stage:
		case <-ctx.Done():
		}
	})

	stopKeep()
	keepWG.Wait()
	close(events)
	<-done

	return decision, err
}

// applyProgress pushes the tracker's current state into the registry and
// the durable store. Both writes are best effort; the snapshot in the fast
// cache already carries the detail.
func (w *Worker) applyProgress(ctx context.Context, taskID string, tracker *progress.Tracker, logger *slog.Logger) {
	snap := tracker.Snapshot()
	pct := int(snap.Percent)
	step := snap.CurrentStepName
	msg := snap.LastMessage
	if _, err := w.registry.Apply(taskID, registry.Update{
		Progress:    &pct,
		CurrentStep: &step,
		Message:     &msg,
	}); err != nil && !errors.Is(err, registry.ErrNotFound) {
		logger.Debug("registry progress update skipped", "error", err)
	}
	if err := w.store.UpdateProgress(ctx, taskID, pct, step, msg); err != nil {
		logger.Warn("durable progress update failed", "error", err)
	}
}

func (w *Worker) publishSnapshot(ctx context.Context, tracker *progress.Tracker, logger *slog.Logger) {
	if err := w.snapshots.Save(ctx, tracker.Snapshot()); err != nil {
		logger.Warn("snapshot save failed", "error", err)
	}
}

func (w *Worker) complete(ctx context.Context, env queue.Envelope, tracker *progress.Tracker, decision pipeline.Decision, logger *slog.Logger) {
	tracker.MarkCompleted()
	w.publishSnapshot(ctx, tracker, logger)

	result := map[string]any{
		"action":     decision.Action,
		"confidence": decision.Confidence,
		"summary":    decision.Summary,
		"reports":    decision.Reports,
	}

	applied, err := w.store.SetCompleted(ctx, env.TaskID, result)
	if err != nil {
		logger.Error("failed to record completion", "error", err)
	} else if !applied {
		// Cancelled mid-run; the recorded cancellation stands.
		logger.Info("late completion ignored, task already terminal")
		metrics.TasksCompleted.WithLabelValues("superseded").Inc()
		return
	}

	completed := task.StatusCompleted
	if _, err := w.registry.Apply(env.TaskID, registry.Update{
		Status: &completed,
		Result: result,
	}); err != nil && !errors.Is(err, registry.ErrNotFound) {
		logger.Debug("registry completion skipped", "error", err)
	}

	w.bumpBatch(ctx, env, task.StatusCompleted, logger)
	metrics.TasksCompleted.WithLabelValues("completed").Inc()
	logger.Info("task completed", "action", decision.Action)
}

func (w *Worker) fail(ctx context.Context, env queue.Envelope, tracker *progress.Tracker, reason string, logger *slog.Logger) {
	if tracker != nil {
		tracker.MarkFailed(reason)
		w.publishSnapshot(ctx, tracker, logger)
	}

	applied, err := w.store.SetFailed(ctx, env.TaskID, reason)
	if err != nil {
		logger.Error("failed to record failure", "error", err)
	} else if !applied {
		logger.Info("late failure ignored, task already terminal")
		metrics.TasksCompleted.WithLabelValues("superseded").Inc()
		return
	}

	failed := task.StatusFailed
	if _, err := w.registry.Apply(env.TaskID, registry.Update{
		Status: &failed,
		Error:  &reason,
	}); err != nil && !errors.Is(err, registry.ErrNotFound) {
		logger.Debug("registry failure skipped", "error", err)
	}

	w.bumpBatch(ctx, env, task.StatusFailed, logger)
	metrics.TasksCompleted.WithLabelValues("failed").Inc()
	logger.Error("task failed", "reason", reason)
}

func (w *Worker) bumpBatch(ctx context.Context, env queue.Envelope, outcome task.Status, logger *slog.Logger) {
	if env.BatchID == "" {
		return
	}
	if err := w.store.BumpBatch(ctx, env.BatchID, outcome); err != nil {
		logger.Warn("batch counter update failed", "batch_id", env.BatchID, "error", err)
	}
}

// ensureRegistered makes the task visible in this process's registry,
// preferring the durable record over the queue envelope.
func (w *Worker) ensureRegistered(env queue.Envelope, stored *task.Task) {
	if _, ok := w.registry.Get(env.TaskID); ok {
		return
	}
	if stored != nil {
		w.registry.Create(stored)
		return
	}
	w.registry.Create(taskFromEnvelope(env, w.clock()))
}

func taskFromEnvelope(env queue.Envelope, now time.Time) *task.Task {
	created := env.EnqueuedAt
	if created.IsZero() {
		created = now
	}
	return &task.Task{
		ID:        env.TaskID,
		UserID:    env.UserID,
		Symbol:    env.Symbol,
		BatchID:   env.BatchID,
		Status:    task.StatusPending,
		Params:    env.Params,
		CreatedAt: created,
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
