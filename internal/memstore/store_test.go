package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nfrund/dmsync/internal/domain"
	"github.com/nfrund/dmsync/internal/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feedRecorder struct {
	mu      sync.Mutex
	events  []string
	inserts []domain.Message
}

func (r *feedRecorder) onInsert(m domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "insert:"+m.ID)
	r.inserts = append(r.inserts, m)
}

func (r *feedRecorder) onUpdate(m domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "update:"+m.ID+":"+string(m.Status))
}

func (r *feedRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestMessageStore_InsertAndSnapshotOrder(t *testing.T) {
	bridge := pubsub.NewWatermillBridge()
	defer bridge.Close()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{base.Add(2 * time.Second), base, base.Add(3 * time.Second)}
	i := 0
	store := NewMessageStore(bridge, WithClock(func() time.Time {
		t := times[i]
		i++
		return t
	}))
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		_, err := store.Insert(ctx, "conv1", "alice", content, domain.StatusDelivered)
		require.NoError(t, err)
	}

	snapshot, err := store.FetchSnapshot(ctx, "conv1")
	require.NoError(t, err)
	require.Len(t, snapshot, 3)
	// The clock went backwards for "two"; it is clamped to the previous time.
	assert.Equal(t, []string{"one", "two", "three"}, []string{snapshot[0].Content, snapshot[1].Content, snapshot[2].Content})
	assert.Equal(t, snapshot[0].CreatedAt, snapshot[1].CreatedAt)
	assert.Equal(t, 3, store.GetMessageCount("conv1"))
	assert.Equal(t, 0, store.GetMessageCount("conv2"))
}

func TestMessageStore_RejectsEmptyContent(t *testing.T) {
	store := NewMessageStore(pubsub.NewWatermillBridge())

	_, err := store.Insert(context.Background(), "conv1", "alice", "", domain.StatusDelivered)
	assert.Error(t, err)
}

func TestMessageStore_StatusTrackingOff(t *testing.T) {
	store := NewMessageStore(pubsub.NewWatermillBridge(), WithStatusTracking(false))
	ctx := context.Background()

	supported, err := store.ProbeStatusCapability(ctx)
	require.NoError(t, err)
	assert.False(t, supported)

	m, err := store.Insert(ctx, "conv1", "alice", "hi", domain.StatusDelivered)
	require.NoError(t, err)
	assert.Empty(t, m.Status)

	assert.ErrorIs(t, store.UpdateStatus(ctx, []string{m.ID}, domain.StatusRead), domain.ErrStatusUnsupported)
}

func TestChangeFeed_DeliversInsertBeforeUpdate(t *testing.T) {
	bridge := pubsub.NewWatermillBridge()
	defer bridge.Close()
	store := NewMessageStore(bridge)
	feed := NewChangeFeed(bridge)
	ctx := context.Background()

	rec := &feedRecorder{}
	h, err := feed.Subscribe(ctx, "conv1", rec.onInsert, rec.onUpdate, nil)
	require.NoError(t, err)
	defer feed.Unsubscribe(h)

	m, err := store.Insert(ctx, "conv1", "alice", "hi", domain.StatusDelivered)
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, []string{m.ID, "unknown"}, domain.StatusRead))
	// A repeated update with no change is not announced.
	require.NoError(t, store.UpdateStatus(ctx, []string{m.ID}, domain.StatusRead))

	assert.Equal(t, []string{"insert:" + m.ID, "update:" + m.ID + ":read"}, rec.snapshot())
}

func TestChangeFeed_ScopedToConversation(t *testing.T) {
	bridge := pubsub.NewWatermillBridge()
	defer bridge.Close()
	store := NewMessageStore(bridge)
	feed := NewChangeFeed(bridge)
	ctx := context.Background()

	rec := &feedRecorder{}
	h, err := feed.Subscribe(ctx, "conv1", rec.onInsert, rec.onUpdate, nil)
	require.NoError(t, err)
	defer feed.Unsubscribe(h)

	_, err = store.Insert(ctx, "conv2", "alice", "elsewhere", domain.StatusDelivered)
	require.NoError(t, err)

	assert.Empty(t, rec.snapshot())
}

func TestChangeFeed_UnsubscribeStopsDelivery(t *testing.T) {
	bridge := pubsub.NewWatermillBridge()
	defer bridge.Close()
	store := NewMessageStore(bridge)
	feed := NewChangeFeed(bridge)
	ctx := context.Background()

	rec := &feedRecorder{}
	h, err := feed.Subscribe(ctx, "conv1", rec.onInsert, rec.onUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, feed.Unsubscribe(h))
	require.NoError(t, feed.Unsubscribe(h))

	time.Sleep(50 * time.Millisecond)
	_, err = store.Insert(ctx, "conv1", "alice", "hi", domain.StatusDelivered)
	require.NoError(t, err)

	assert.Empty(t, rec.snapshot())
}

func TestDirectory_GetOrCreate(t *testing.T) {
	dir := NewDirectory()
	ctx := context.Background()

	first, err := dir.GetOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	again, err := dir.GetOrCreate(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	got, err := dir.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.Has("alice"))

	_, err = dir.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = dir.GetOrCreate(ctx, "alice", "alice")
	assert.ErrorIs(t, err, domain.ErrSameParticipant)
}

func TestMessageStore_Latest(t *testing.T) {
	bridge := pubsub.NewWatermillBridge()
	defer bridge.Close()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMessageStore(bridge, WithClock(func() time.Time { return base }))
	ctx := context.Background()

	_, ok, err := store.Latest(ctx, "conv1")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, content := range []string{"one", "two"} {
		_, err := store.Insert(ctx, "conv1", "alice", content, domain.StatusDelivered)
		require.NoError(t, err)
	}
	latest, ok, err := store.Latest(ctx, "conv1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "two", latest.Content, "ties go to the later insert")
}

func TestDirectory_ListFor(t *testing.T) {
	dir := NewDirectory()
	ctx := context.Background()

	withBob, err := dir.GetOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	withCarol, err := dir.GetOrCreate(ctx, "carol", "alice")
	require.NoError(t, err)
	_, err = dir.GetOrCreate(ctx, "bob", "carol")
	require.NoError(t, err)

	list, err := dir.ListFor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, withCarol.ID, list[0].ID)
	assert.Equal(t, withBob.ID, list[1].ID)
	assert.Equal(t, "carol", list[0].Peer("alice"))

	list, err = dir.ListFor(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, list)
}
