package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// kvBucket is the subset of jetstream.KeyValue the admission controller
// needs, narrowed so tests can run against an in-memory bucket.
type kvBucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

// Claim records which worker holds a dequeued task and when the claim
// expires. Claims of crashed workers are detected by expiry plus the
// disappearance of the worker's heartbeat key.
type Claim struct {
	TaskID    string    `json:"task_id"`
	UserID    string    `json:"user_id"`
	WorkerID  string    `json:"worker_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Controller enforces the per-user and global concurrency ceilings and
// tracks visibility-timeout claims, all against KV buckets in the fast
// cache.
//
// The ceilings are deliberately soft: the count check and the member write
// are separate operations, so two concurrent dequeues can transiently
// admit one task over the limit. The reclaim pass corrects any drift; the
// alternative (a distributed reservation) costs more than the tolerance.
type Controller struct {
	processing kvBucket
	claims     kvBucket
	workers    kvBucket

	mu                sync.RWMutex
	userLimit         int
	globalLimit       int
	visibilityTimeout time.Duration

	clock func() time.Time
}

// NewController creates the admission buckets if needed and returns a
// controller over them. heartbeatTTL sets the workers bucket TTL and
// should be roughly twice the heartbeat interval, so a crashed worker's
// key expires on its own.
func NewController(ctx context.Context, js jetstream.JetStream, heartbeatTTL time.Duration) (*Controller, error) {
	if heartbeatTTL <= 0 {
		heartbeatTTL = time.Minute
	}
	processing, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      ProcessingBucket,
		Description: "Tasks currently processing, per user and globally",
	})
	if err != nil {
		return nil, fmt.Errorf("create processing bucket: %w", err)
	}
	claims, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      ClaimsBucket,
		Description: "Visibility-timeout claims for dequeued tasks",
		TTL:         claimRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("create claims bucket: %w", err)
	}
	workers, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      WorkersBucket,
		Description: "Worker heartbeats",
		TTL:         heartbeatTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create workers bucket: %w", err)
	}
	return newController(processing, claims, workers), nil
}

func newController(processing, claims, workers kvBucket) *Controller {
	return &Controller{
		processing:        processing,
		claims:            claims,
		workers:           workers,
		userLimit:         DefaultUserLimit,
		globalLimit:       DefaultGlobalLimit,
		visibilityTimeout: DefaultVisibilityTimeout,
		clock:             time.Now,
	}
}

// SetLimits updates the concurrency ceilings and visibility timeout.
// Safe to call while the worker runs; the config watcher uses it for hot
// reload.
func (c *Controller) SetLimits(userLimit, globalLimit int, visibility time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if userLimit > 0 {
		c.userLimit = userLimit
	}
	if globalLimit > 0 {
		c.globalLimit = globalLimit
	}
	if visibility > 0 {
		c.visibilityTimeout = visibility
	}
}

// Limits returns the current ceilings.
func (c *Controller) Limits() (userLimit, globalLimit int, visibility time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userLimit, c.globalLimit, c.visibilityTimeout
}

func userKey(userID, taskID string) string {
	return userPrefix + sanitizeKeyPart(userID) + "." + sanitizeKeyPart(taskID)
}

func globalKey(taskID string) string {
	return globalPrefix + sanitizeKeyPart(taskID)
}

// sanitizeKeyPart maps an id onto the KV key alphabet. Task and user ids
// are UUIDs in practice, so this is defensive normalization only.
func sanitizeKeyPart(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func (c *Controller) countPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := c.processing.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("list processing keys: %w", err)
	}
	count := 0
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			count++
		}
	}
	return count, nil
}

// CheckUserLimit reports whether the user has a free processing slot.
func (c *Controller) CheckUserLimit(ctx context.Context, userID string) (bool, error) {
	count, err := c.countPrefix(ctx, userPrefix+sanitizeKeyPart(userID)+".")
	if err != nil {
		return false, err
	}
	c.mu.RLock()
	limit := c.userLimit
	c.mu.RUnlock()
	return count < limit, nil
}

// CheckGlobalLimit reports whether a global processing slot is free.
func (c *Controller) CheckGlobalLimit(ctx context.Context) (bool, error) {
	count, err := c.countPrefix(ctx, globalPrefix)
	if err != nil {
		return false, err
	}
	c.mu.RLock()
	limit := c.globalLimit
	c.mu.RUnlock()
	return count < limit, nil
}

// CountUser returns the user's current processing count.
func (c *Controller) CountUser(ctx context.Context, userID string) (int, error) {
	return c.countPrefix(ctx, userPrefix+sanitizeKeyPart(userID)+".")
}

// CountGlobal returns the global processing count.
func (c *Controller) CountGlobal(ctx context.Context) (int, error) {
	return c.countPrefix(ctx, globalPrefix)
}

// MarkProcessing adds the task to both the user's and the global
// processing sets. Call only after both limit checks pass.
func (c *Controller) MarkProcessing(ctx context.Context, taskID, userID, workerID string) error {
	member, err := json.Marshal(Claim{
		TaskID:   taskID,
		UserID:   userID,
		WorkerID: workerID,
	})
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}
	if _, err := c.processing.Put(ctx, userKey(userID, taskID), member); err != nil {
		return fmt.Errorf("mark user processing: %w", err)
	}
	if _, err := c.processing.Put(ctx, globalKey(taskID), member); err != nil {
		return fmt.Errorf("mark global processing: %w", err)
	}
	return nil
}

// UnmarkProcessing removes the task from both processing sets. Idempotent:
// removing an absent member is a no-op.
func (c *Controller) UnmarkProcessing(ctx context.Context, taskID, userID string) error {
	if err := c.processing.Delete(ctx, userKey(userID, taskID)); err != nil && !isKeyNotFound(err) {
		return fmt.Errorf("unmark user processing: %w", err)
	}
	if err := c.processing.Delete(ctx, globalKey(taskID)); err != nil && !isKeyNotFound(err) {
		return fmt.Errorf("unmark global processing: %w", err)
	}
	return nil
}

// SetClaim records the worker's visibility-timeout claim on the task.
func (c *Controller) SetClaim(ctx context.Context, taskID, userID, workerID string) error {
	c.mu.RLock()
	visibility := c.visibilityTimeout
	c.mu.RUnlock()

	claim := Claim{
		TaskID:    taskID,
		UserID:    userID,
		WorkerID:  workerID,
		ExpiresAt: c.clock().Add(visibility),
	}
	data, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	if _, err := c.claims.Put(ctx, sanitizeKeyPart(taskID), data); err != nil {
		return fmt.Errorf("set claim: %w", err)
	}
	return nil
}

// ClearClaim removes the claim on normal completion. Idempotent.
func (c *Controller) ClearClaim(ctx context.Context, taskID string) error {
	if err := c.claims.Delete(ctx, sanitizeKeyPart(taskID)); err != nil && !isKeyNotFound(err) {
		return fmt.Errorf("clear claim: %w", err)
	}
	return nil
}

// ExpiredClaims returns claims whose visibility timeout has elapsed and
// whose owning worker's heartbeat key has also expired. Both conditions
// are required: a pipeline routinely outlives the visibility timeout, and
// its slot must stay held as long as the owner keeps heartbeating.
func (c *Controller) ExpiredClaims(ctx context.Context) ([]Claim, error) {
	keys, err := c.claims.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list claims: %w", err)
	}

	now := c.clock()
	var expired []Claim
	for _, key := range keys {
		entry, err := c.claims.Get(ctx, key)
		if err != nil {
			continue
		}
		var claim Claim
		if err := json.Unmarshal(entry.Value(), &claim); err != nil {
			continue
		}
		if now.After(claim.ExpiresAt) && !c.workerAlive(ctx, claim.WorkerID) {
			expired = append(expired, claim)
		}
	}
	return expired, nil
}

// workerAlive reports whether the worker's heartbeat key still exists.
// Heartbeat keys carry a TTL of twice the heartbeat interval, so a crashed
// worker's key expires on its own.
func (c *Controller) workerAlive(ctx context.Context, workerID string) bool {
	if workerID == "" {
		return false
	}
	_, err := c.workers.Get(ctx, sanitizeKeyPart(workerID))
	return err == nil
}

// Heartbeat writes the worker's liveness record.
func (c *Controller) Heartbeat(ctx context.Context, workerID string, payload []byte) error {
	if _, err := c.workers.Put(ctx, sanitizeKeyPart(workerID), payload); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// RemoveHeartbeat deletes the worker's heartbeat key on graceful shutdown.
func (c *Controller) RemoveHeartbeat(ctx context.Context, workerID string) error {
	if err := c.workers.Delete(ctx, sanitizeKeyPart(workerID)); err != nil && !isKeyNotFound(err) {
		return fmt.Errorf("remove heartbeat: %w", err)
	}
	return nil
}

func isKeyNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}
