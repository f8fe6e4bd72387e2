package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SnapshotBucket is the KV bucket holding progress snapshots.
const SnapshotBucket = "ANALYSIS_PROGRESS"

// DefaultSnapshotTTL bounds how long a snapshot outlives its last write.
const DefaultSnapshotTTL = time.Hour

// Store persists progress snapshots keyed by task id with at-least-once
// overwrite semantics.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, taskID string) (Snapshot, bool, error)
	Delete(ctx context.Context, taskID string) error
}

// kvBucket is the subset of jetstream.KeyValue the store needs. Narrowed
// so tests can substitute an in-memory bucket.
type kvBucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// KVStore persists snapshots in a JetStream KV bucket.
type KVStore struct {
	bucket kvBucket
}

// NewKVStore creates the snapshot bucket if needed and returns a store over
// it. The bucket carries a TTL so snapshots of finished tasks age out on
// their own.
func NewKVStore(ctx context.Context, js jetstream.JetStream, ttl time.Duration) (*KVStore, error) {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      SnapshotBucket,
		Description: "Analysis task progress snapshots",
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create progress bucket: %w", err)
	}
	return &KVStore{bucket: bucket}, nil
}

// Save overwrites the snapshot for the task.
func (s *KVStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := s.bucket.Put(ctx, snap.TaskID, data); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Load retrieves the snapshot for the task; the boolean is false when no
// snapshot exists.
func (s *KVStore) Load(ctx context.Context, taskID string) (Snapshot, bool, error) {
	entry, err := s.bucket.Get(ctx, taskID)
	if err != nil {
		if isKeyNotFound(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("get snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

// Delete removes the snapshot for the task.
func (s *KVStore) Delete(ctx context.Context, taskID string) error {
	if err := s.bucket.Delete(ctx, taskID); err != nil && !isKeyNotFound(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func isKeyNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}

// FileStore persists snapshots as JSON files under a data directory. It is
// the degraded path when the cache is unreachable.
type FileStore struct {
	dir string
}

// NewFileStore returns a file-backed snapshot store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

// Save writes the snapshot file, creating the directory on first use.
func (s *FileStore) Save(_ context.Context, snap Snapshot) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(s.path(snap.TaskID), data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file if present.
func (s *FileStore) Load(_ context.Context, taskID string) (Snapshot, bool, error) {
	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

// Delete removes the snapshot file; missing files are not an error.
func (s *FileStore) Delete(_ context.Context, taskID string) error {
	if err := os.Remove(s.path(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

// FallbackStore writes through to a primary store and degrades to a
// fallback when the primary is unavailable. A failed snapshot write must
// never fail the task, so Save errors against the primary are logged and
// the write retried against the fallback.
type FallbackStore struct {
	primary  Store
	fallback Store
	logger   *slog.Logger
}

// NewFallbackStore composes a primary store with a fallback.
func NewFallbackStore(primary, fallback Store, logger *slog.Logger) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{primary: primary, fallback: fallback, logger: logger}
}

// Save attempts the primary store and falls back on error.
func (s *FallbackStore) Save(ctx context.Context, snap Snapshot) error {
	if s.primary != nil {
		err := s.primary.Save(ctx, snap)
		if err == nil {
			return nil
		}
		s.logger.Warn("progress cache write failed, using file fallback",
			"task_id", snap.TaskID,
			"error", err)
	}
	return s.fallback.Save(ctx, snap)
}

// Load tries the primary store first and falls back on miss or error.
func (s *FallbackStore) Load(ctx context.Context, taskID string) (Snapshot, bool, error) {
	if s.primary != nil {
		snap, ok, err := s.primary.Load(ctx, taskID)
		if err == nil && ok {
			return snap, true, nil
		}
		if err != nil {
			s.logger.Debug("progress cache read failed, trying file fallback",
				"task_id", taskID,
				"error", err)
		}
	}
	return s.fallback.Load(ctx, taskID)
}

// Delete removes the snapshot from both stores.
func (s *FallbackStore) Delete(ctx context.Context, taskID string) error {
	var firstErr error
	if s.primary != nil {
		if err := s.primary.Delete(ctx, taskID); err != nil {
			firstErr = err
		}
	}
	if err := s.fallback.Delete(ctx, taskID); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
