package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBucket is an in-memory kvBucket for controller tests.
type fakeBucket struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{data: map[string][]byte{}}
}

func (b *fakeBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{key: key, value: v}, nil
}

func (b *fakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
	return 1, nil
}

func (b *fakeBucket) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; !ok {
		return jetstream.ErrKeyNotFound
	}
	delete(b.data, key)
	return nil
}

func (b *fakeBucket) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	return keys, nil
}

type fakeEntry struct {
	key   string
	value []byte
}

func (e fakeEntry) Bucket() string                  { return "fake" }
func (e fakeEntry) Key() string                     { return e.key }
func (e fakeEntry) Value() []byte                   { return e.value }
func (e fakeEntry) Revision() uint64                { return 1 }
func (e fakeEntry) Created() time.Time              { return time.Time{} }
func (e fakeEntry) Delta() uint64                   { return 0 }
func (e fakeEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

func testController() *Controller {
	return newController(newFakeBucket(), newFakeBucket(), newFakeBucket())
}

func TestControllerUserLimit(t *testing.T) {
	ctx := context.Background()
	c := testController()

	ok, err := c.CheckUserLimit(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	for i := 0; i < DefaultUserLimit; i++ {
		require.NoError(t, c.MarkProcessing(ctx, taskID(i), "alice", "w1"))
	}

	ok, err = c.CheckUserLimit(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok, "user at limit should be rejected")

	// A different user still has headroom against the user ceiling even
	// though the global ceiling is exhausted.
	ok, err = c.CheckUserLimit(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.CheckGlobalLimit(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "global ceiling should be exhausted")
}

func TestControllerUnmarkFreesSlot(t *testing.T) {
	ctx := context.Background()
	c := testController()

	require.NoError(t, c.MarkProcessing(ctx, "t1", "alice", "w1"))

	count, err := c.CountUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, c.UnmarkProcessing(ctx, "t1", "alice"))

	count, err = c.CountUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	global, err := c.CountGlobal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, global)

	// Removing an absent member is a no-op, not an error.
	require.NoError(t, c.UnmarkProcessing(ctx, "t1", "alice"))
}

func TestControllerSetLimits(t *testing.T) {
	ctx := context.Background()
	c := testController()
	c.SetLimits(1, 10, time.Minute)

	require.NoError(t, c.MarkProcessing(ctx, "t1", "alice", "w1"))

	ok, err := c.CheckUserLimit(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.CheckGlobalLimit(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Zero and negative values leave the current settings untouched.
	c.SetLimits(0, -1, 0)
	user, global, visibility := c.Limits()
	assert.Equal(t, 1, user)
	assert.Equal(t, 10, global)
	assert.Equal(t, time.Minute, visibility)
}

func TestControllerExpiredClaims(t *testing.T) {
	ctx := context.Background()
	c := testController()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return now }

	require.NoError(t, c.Heartbeat(ctx, "w-live", []byte(`{}`)))

	require.NoError(t, c.SetClaim(ctx, "t-live", "alice", "w-live"))
	require.NoError(t, c.SetClaim(ctx, "t-dead-worker", "bob", "w-gone"))

	// The dead worker's claim has not timed out yet; nothing is released.
	expired, err := c.ExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	// Past the visibility timeout, only the claim whose owner stopped
	// heartbeating is released.
	now = now.Add(DefaultVisibilityTimeout + time.Second)
	expired, err = c.ExpiredClaims(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "t-dead-worker", expired[0].TaskID)
}

func TestControllerLongRunKeepsSlotWhileHeartbeating(t *testing.T) {
	ctx := context.Background()
	c := testController()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return now }

	require.NoError(t, c.Heartbeat(ctx, "w1", []byte(`{}`)))
	require.NoError(t, c.MarkProcessing(ctx, "t1", "alice", "w1"))
	require.NoError(t, c.SetClaim(ctx, "t1", "alice", "w1"))

	// A pipeline routinely runs far past the visibility timeout. As long
	// as the owner heartbeats, the claim and the admission slot stay put.
	now = now.Add(10 * time.Minute)
	expired, err := c.ExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired, "claim of a live worker must survive the visibility timeout")

	count, err := c.CountUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The same claim is released once the heartbeat disappears.
	require.NoError(t, c.RemoveHeartbeat(ctx, "w1"))
	expired, err = c.ExpiredClaims(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "t1", expired[0].TaskID)
}

func TestControllerAdmitsUpToGlobalLimit(t *testing.T) {
	ctx := context.Background()
	c := testController()
	c.SetLimits(10, 3, time.Minute)

	// Five tasks arrive while three slots exist: exactly three are
	// admitted, the other two stay queued for a later attempt.
	admitted := 0
	rejected := 0
	for i := 0; i < 5; i++ {
		ok, err := c.CheckGlobalLimit(ctx)
		require.NoError(t, err)
		if !ok {
			rejected++
			continue
		}
		require.NoError(t, c.MarkProcessing(ctx, taskID(i), "alice", "w1"))
		admitted++
	}
	assert.Equal(t, 3, admitted)
	assert.Equal(t, 2, rejected)

	count, err := c.CountGlobal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Finishing one task frees a slot for a waiting one.
	require.NoError(t, c.UnmarkProcessing(ctx, taskID(0), "alice"))
	ok, err := c.CheckGlobalLimit(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c.MarkProcessing(ctx, taskID(3), "alice", "w1"))

	ok, err = c.CheckGlobalLimit(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "ceiling is saturated again")
}

func TestControllerClearClaimIdempotent(t *testing.T) {
	ctx := context.Background()
	c := testController()

	require.NoError(t, c.SetClaim(ctx, "t1", "alice", "w1"))
	require.NoError(t, c.ClearClaim(ctx, "t1"))
	require.NoError(t, c.ClearClaim(ctx, "t1"))
}

func TestSanitizeKeyPart(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"user-123", "user-123"},
		{"a.b/c", "a_b_c"},
		{"UPPER_ok", "UPPER_ok"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeKeyPart(tt.in))
		})
	}
}

func taskID(i int) string {
	return string(rune('a'+i)) + "-task"
}
