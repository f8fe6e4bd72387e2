package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tradingagents/analysisd/metrics"
	"github.com/tradingagents/analysisd/task"
)

// Envelope is the opaque task descriptor carried on the ready queue.
type Envelope struct {
	TaskID     string      `json:"task_id"`
	UserID     string      `json:"user_id"`
	Symbol     string      `json:"symbol"`
	BatchID    string      `json:"batch_id,omitempty"`
	Params     task.Params `json:"params"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// Settings tunes queue behavior.
type Settings struct {
	// RequeueDelay is how long a task over the concurrency ceiling waits
	// before redelivery.
	RequeueDelay time.Duration

	// FetchWait bounds how long Dequeue blocks waiting for work.
	FetchWait time.Duration

	// AckWait is the JetStream redelivery window. Workers extend it with
	// in-progress heartbeats while the pipeline runs, so it only needs to
	// cover the gaps between extensions.
	AckWait time.Duration
}

// DefaultSettings returns the queue defaults.
func DefaultSettings() Settings {
	return Settings{
		RequeueDelay: 5 * time.Second,
		FetchWait:    5 * time.Second,
		AckWait:      2 * time.Minute,
	}
}

// Queue is the ready queue: a JetStream work-queue stream plus the
// admission controller gating entry into processing.
type Queue struct {
	js        jetstream.JetStream
	consumer  jetstream.Consumer
	admission *Controller
	settings  Settings
	logger    *slog.Logger
}

// New ensures the stream and durable consumer exist and returns the queue.
func New(ctx context.Context, js jetstream.JetStream, admission *Controller, settings Settings, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultSettings()
	if settings.RequeueDelay <= 0 {
		settings.RequeueDelay = defaults.RequeueDelay
	}
	if settings.FetchWait <= 0 {
		settings.FetchWait = defaults.FetchWait
	}
	if settings.AckWait <= 0 {
		settings.AckWait = defaults.AckWait
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Analysis task ready queue",
		Subjects:    []string{ReadySubject},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure task stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerConfig(settings))
	if err != nil {
		return nil, fmt.Errorf("ensure task consumer: %w", err)
	}

	return &Queue{
		js:        js,
		consumer:  consumer,
		admission: admission,
		settings:  settings,
		logger:    logger,
	}, nil
}

// consumerConfig describes the durable work consumer. Deliveries are
// unlimited: a task held back by a concurrency ceiling is Nak'd every
// RequeueDelay for as long as the ceiling stays saturated, and a bounded
// MaxDeliver would silently drop it mid-wait. Poison messages do not need
// the budget either; malformed envelopes are terminated explicitly at
// dequeue.
func consumerConfig(settings Settings) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       settings.AckWait,
		FilterSubject: ReadySubject,
		MaxDeliver:    -1,
	}
}

// Admission exposes the admission controller for stats and reclamation.
func (q *Queue) Admission() *Controller {
	return q.admission
}

// Enqueue publishes the task descriptor onto the ready queue.
func (q *Queue) Enqueue(ctx context.Context, env Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := q.js.Publish(ctx, ReadySubject, data); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	q.logger.Info("task enqueued", "task_id", env.TaskID, "symbol", env.Symbol)
	return nil
}

// Delivery is one dequeued, admitted task. The holder must call Finish
// exactly once; Finish is idempotent so a deferred call after an explicit
// one is harmless.
type Delivery struct {
	Envelope Envelope
	WorkerID string

	once sync.Once
	msg  jetstream.Msg
	q    *Queue
}

// Dequeue fetches the next ready task and runs it through admission. A nil
// delivery with a nil error means no work was admitted this round: either
// the queue was empty or a ceiling was reached, in which case the task is
// redelivered after RequeueDelay.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Delivery, error) {
	msgs, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(q.settings.FetchWait))
	if err != nil {
		return nil, fmt.Errorf("fetch task: %w", err)
	}

	var msg jetstream.Msg
	for m := range msgs.Messages() {
		msg = m
	}
	if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
		q.logger.Warn("task fetch error", "error", msgs.Error())
	}
	if msg == nil {
		return nil, nil
	}

	var env Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		// A malformed envelope can never become runnable; drop it.
		q.logger.Error("malformed task envelope, terminating message", "error", err)
		if err := msg.Term(); err != nil {
			q.logger.Warn("failed to terminate message", "error", err)
		}
		return nil, nil
	}

	admitted, err := q.admit(ctx, env)
	if err != nil {
		q.logger.Warn("admission check failed, requeueing", "task_id", env.TaskID, "error", err)
		admitted = false
	}
	if !admitted {
		// Backpressure, not an error: leave the task queued for later.
		metrics.AdmissionRejections.Inc()
		if err := msg.NakWithDelay(q.settings.RequeueDelay); err != nil {
			q.logger.Warn("failed to requeue task", "task_id", env.TaskID, "error", err)
		}
		return nil, nil
	}

	if err := q.admission.MarkProcessing(ctx, env.TaskID, env.UserID, workerID); err != nil {
		q.logger.Warn("failed to mark processing, requeueing", "task_id", env.TaskID, "error", err)
		if err := msg.NakWithDelay(q.settings.RequeueDelay); err != nil {
			q.logger.Warn("failed to requeue task", "task_id", env.TaskID, "error", err)
		}
		return nil, nil
	}
	if err := q.admission.SetClaim(ctx, env.TaskID, env.UserID, workerID); err != nil {
		q.logger.Warn("failed to set visibility claim", "task_id", env.TaskID, "error", err)
	}

	q.logger.Info("task dequeued", "task_id", env.TaskID, "worker_id", workerID)
	return &Delivery{Envelope: env, WorkerID: workerID, msg: msg, q: q}, nil
}

func (q *Queue) admit(ctx context.Context, env Envelope) (bool, error) {
	ok, err := q.admission.CheckUserLimit(ctx, env.UserID)
	if err != nil || !ok {
		return false, err
	}
	return q.admission.CheckGlobalLimit(ctx)
}

// Task returns the delivered task descriptor.
func (d *Delivery) Task() Envelope {
	return d.Envelope
}

// KeepAlive extends the redelivery window while the pipeline runs.
func (d *Delivery) KeepAlive() {
	if d.msg == nil {
		return
	}
	if err := d.msg.InProgress(); err != nil {
		d.q.logger.Debug("in-progress extension failed", "task_id", d.Envelope.TaskID, "error", err)
	}
}

// Finish acknowledges the task exactly once, releasing its admission
// record and visibility claim. The success flag is informational: failed
// pipelines are not redelivered, the durable store carries the failure.
func (d *Delivery) Finish(ctx context.Context, success bool) error {
	var out error
	d.once.Do(func() {
		env := d.Envelope
		if err := d.q.admission.UnmarkProcessing(ctx, env.TaskID, env.UserID); err != nil {
			d.q.logger.Error("failed to release admission record", "task_id", env.TaskID, "error", err)
			out = err
		}
		if err := d.q.admission.ClearClaim(ctx, env.TaskID); err != nil {
			d.q.logger.Warn("failed to clear claim", "task_id", env.TaskID, "error", err)
		}
		if err := d.msg.Ack(); err != nil {
			d.q.logger.Error("failed to ack task", "task_id", env.TaskID, "error", err)
			if out == nil {
				out = err
			}
		}
		d.q.logger.Info("task acknowledged", "task_id", env.TaskID, "success", success)
	})
	return out
}

// Stats summarizes queue occupancy.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
}

// QueueStats returns current queue occupancy.
func (q *Queue) QueueStats(ctx context.Context) (Stats, error) {
	var stats Stats
	info, err := q.consumer.Info(ctx)
	if err != nil {
		return stats, fmt.Errorf("consumer info: %w", err)
	}
	stats.Queued = int(info.NumPending) + info.NumAckPending
	processing, err := q.admission.CountGlobal(ctx)
	if err != nil {
		return stats, err
	}
	stats.Processing = processing
	return stats, nil
}

// UserStatus describes a user's admission headroom.
type UserStatus struct {
	Processing     int `json:"processing"`
	Limit          int `json:"concurrent_limit"`
	AvailableSlots int `json:"available_slots"`
}

// UserQueueStatus returns the user's current slot usage.
func (q *Queue) UserQueueStatus(ctx context.Context, userID string) (UserStatus, error) {
	count, err := q.admission.CountUser(ctx, userID)
	if err != nil {
		return UserStatus{}, err
	}
	limit, _, _ := q.admission.Limits()
	avail := limit - count
	if avail < 0 {
		avail = 0
	}
	return UserStatus{Processing: count, Limit: limit, AvailableSlots: avail}, nil
}

// ReclaimExpired releases the admission records and claims of tasks whose
// visibility timeout elapsed or whose worker heartbeat disappeared. The
// tasks themselves are redelivered by the stream once their ack window
// lapses; this pass only frees the slots a crashed worker held.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	expired, err := q.admission.ExpiredClaims(ctx)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, claim := range expired {
		if err := q.admission.UnmarkProcessing(ctx, claim.TaskID, claim.UserID); err != nil {
			q.logger.Warn("failed to release expired claim", "task_id", claim.TaskID, "error", err)
			continue
		}
		if err := q.admission.ClearClaim(ctx, claim.TaskID); err != nil {
			q.logger.Warn("failed to delete expired claim", "task_id", claim.TaskID, "error", err)
		}
		q.logger.Warn("released claim of unresponsive worker",
			"task_id", claim.TaskID,
			"worker_id", claim.WorkerID)
		released++
	}
	return released, nil
}
