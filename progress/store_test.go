package progress

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	ctx := context.Background()

	_, ok, err := fs.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	snap := Snapshot{
		TaskID:      "task-1",
		Status:      LedgerRunning,
		Percent:     42.5,
		CurrentStep: 3,
		LastMessage: "fundamentals analysis",
		StartTime:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, fs.Save(ctx, snap))

	got, ok, err := fs.Load(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.TaskID, got.TaskID)
	assert.Equal(t, snap.Percent, got.Percent)
	assert.Equal(t, snap.LastMessage, got.LastMessage)

	require.NoError(t, fs.Delete(ctx, "task-1"))
	_, ok, err = fs.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting twice is not an error.
	require.NoError(t, fs.Delete(ctx, "task-1"))
}

// brokenStore simulates an unreachable snapshot cache.
type brokenStore struct{}

func (brokenStore) Save(context.Context, Snapshot) error { return errors.New("connection refused") }
func (brokenStore) Load(context.Context, string) (Snapshot, bool, error) {
	return Snapshot{}, false, errors.New("connection refused")
}
func (brokenStore) Delete(context.Context, string) error { return errors.New("connection refused") }

func TestFallbackStoreDegradesToFile(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	store := NewFallbackStore(brokenStore{}, fs, slog.Default())
	ctx := context.Background()

	snap := Snapshot{TaskID: "task-2", Status: LedgerRunning, Percent: 10}
	require.NoError(t, store.Save(ctx, snap))

	// The write landed in the file store despite the primary failure.
	got, ok, err := fs.Load(ctx, "task-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10.0, got.Percent)

	// Reads fall through to the file store as well.
	got, ok, err = store.Load(ctx, "task-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "task-2", got.TaskID)

	// Delete reports the primary failure but still clears the fallback.
	err = store.Delete(ctx, "task-2")
	assert.Error(t, err)
	_, ok, err = fs.Load(ctx, "task-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFallbackStorePrimaryWins(t *testing.T) {
	primary := NewFileStore(t.TempDir())
	fallback := NewFileStore(t.TempDir())
	store := NewFallbackStore(primary, fallback, nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Snapshot{TaskID: "task-3", Percent: 55}))

	got, ok, err := primary.Load(ctx, "task-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 55.0, got.Percent)

	// Nothing reached the fallback on the healthy path.
	_, ok, err = fallback.Load(ctx, "task-3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotRecomputeTimes(t *testing.T) {
	start := time.Now().Add(-2 * time.Minute)
	snap := Snapshot{
		TaskID:                "task-4",
		Status:                LedgerRunning,
		Percent:               40,
		StartTime:             start,
		EstimatedTotalSeconds: 300,
	}
	now := start.Add(2 * time.Minute)
	snap.RecomputeTimes(now)
	assert.InDelta(t, 120, snap.ElapsedSeconds, 0.01)
	assert.InDelta(t, 180, snap.RemainingSeconds, 0.01)
	assert.InDelta(t, 300, snap.EstimatedTotalSeconds, 0.01)

	// The estimate never goes negative when the run overshoots.
	snap.RecomputeTimes(start.Add(10 * time.Minute))
	assert.InDelta(t, 600, snap.ElapsedSeconds, 0.01)
	assert.Zero(t, snap.RemainingSeconds)

	// Completion collapses the estimate to the observed elapsed time.
	snap.Percent = 100
	snap.RecomputeTimes(start.Add(4 * time.Minute))
	assert.InDelta(t, 240, snap.EstimatedTotalSeconds, 0.01)
	assert.Zero(t, snap.RemainingSeconds)
}

func TestSnapshotRecomputeTimesZeroStart(t *testing.T) {
	snap := Snapshot{TaskID: "task-5", Percent: 10}
	snap.RecomputeTimes(time.Now())
	assert.Zero(t, snap.ElapsedSeconds)
	assert.Zero(t, snap.RemainingSeconds)
}
