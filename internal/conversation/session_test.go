package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nfrund/dmsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	clock    *fakeClock
	store    *fakeStore
	feed     *fakeFeed
	presence *fakePresence
	session  *Session
}

func newHarness(t *testing.T, supported bool, opts ...Option) *harness {
	t.Helper()
	clock := newFakeClock()
	h := &harness{
		clock:    clock,
		store:    newFakeStore(clock, supported),
		feed:     &fakeFeed{},
		presence: &fakePresence{},
	}
	opts = append([]Option{WithClock(clock)}, opts...)
	s, err := NewSession(Config{ConversationID: "conv1", LocalID: "alice", RemoteID: "bob"},
		h.store, h.feed, h.presence, opts...)
	require.NoError(t, err)
	h.session = s
	t.Cleanup(func() { _ = s.Close() })
	return h
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Open(context.Background()))
}

func TestNewSession_RejectsInvalidConfig(t *testing.T) {
	_, err := NewSession(Config{ConversationID: "conv1", LocalID: "alice", RemoteID: "alice"}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewSession(Config{LocalID: "alice", RemoteID: "bob"}, nil, nil, nil)
	assert.Error(t, err)
}

func TestSession_OpenLoadsSnapshotAndAnnouncesPresence(t *testing.T) {
	h := newHarness(t, true)
	h.store.seed(
		msg("srv2", "bob", 2*time.Second, domain.StatusDelivered),
		msg("srv1", "alice", time.Second, domain.StatusRead),
	)

	h.open(t)

	assert.Equal(t, []string{"srv1", "srv2"}, ids(h.session.Messages()))
	assert.True(t, h.session.StatusSupported())
	assert.Equal(t, []bool{false}, h.presence.typingPublishes())
}

func TestSession_ProbeFailureDegradesSilently(t *testing.T) {
	h := newHarness(t, true)
	h.store.probeErr = errors.New("no such field")

	h.open(t)
	assert.False(t, h.session.StatusSupported())

	h.feed.insert(msg("srv1", "bob", time.Second, domain.StatusDelivered))
	h.feed.update(msg("srv1", "bob", time.Second, domain.StatusRead))
	got := h.session.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, domain.StatusDelivered, got[0].Status)

	require.NoError(t, h.session.MarkVisibleAsRead(context.Background()))
	assert.Empty(t, h.store.updates())
}

// An optimistic send is swapped for the confirmed row.
func TestSession_SendMessageOptimisticSwap(t *testing.T) {
	h := newHarness(t, true)
	h.open(t)
	h.store.insertStarted = make(chan struct{})
	h.store.insertGate = make(chan struct{})

	type result struct {
		m   domain.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := h.session.SendMessage(context.Background(), "hi")
		done <- result{m, err}
	}()

	<-h.store.insertStarted
	pending := h.session.Messages()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].IsTemporary())
	assert.Equal(t, "hi", pending[0].Content)
	assert.Equal(t, domain.StatusSending, pending[0].Status)

	close(h.store.insertGate)
	res := <-done
	require.NoError(t, res.err)

	got := h.session.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "srv1", got[0].ID)
	assert.Equal(t, "hi", got[0].Content)
	assert.Equal(t, domain.StatusDelivered, got[0].Status)
	assert.Equal(t, res.m, got[0])
}

// The feed echo of our own insert never duplicates the message.
func TestSession_FeedEchoBeforeConfirmationIsNotDuplicated(t *testing.T) {
	h := newHarness(t, true)
	h.open(t)
	h.store.beforeReturn = func(m domain.Message) { h.feed.insert(m) }

	_, err := h.session.SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	// A late redelivery after the swap is dropped as well.
	h.feed.insert(h.session.Messages()[0])

	assert.Equal(t, []string{"srv1"}, ids(h.session.Messages()))
}

// A rejected send removes the optimistic entry and restores the draft.
func TestSession_FailedSendRollsBack(t *testing.T) {
	h := newHarness(t, true)
	h.open(t)
	h.store.insertErr = errors.New("network down")

	h.session.DraftChanged("hello there")
	_, err := h.session.SendMessage(context.Background(), "hello there")
	require.Error(t, err)

	state := h.session.State()
	assert.Empty(t, state.Messages)
	assert.Equal(t, "hello there", state.Draft)

	select {
	case f := <-h.session.Failures():
		assert.Equal(t, "hello there", f.Draft)
		assert.True(t, domain.IsTemporaryID(f.TempID))
		assert.EqualError(t, f.Err, "network down")
	default:
		t.Fatal("expected a send failure notice")
	}
}

func TestSession_SendWithoutStatusSupport(t *testing.T) {
	h := newHarness(t, false)
	h.open(t)

	m, err := h.session.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, domain.Status(""), m.Status)
}

func TestSession_SendRejectsEmptyContentAndUnopened(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.session.SendMessage(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyContent)

	_, err = h.session.SendMessage(context.Background(), "hi")
	assert.ErrorIs(t, err, domain.ErrSessionNotOpen)
}

// A remote insert lands last by createdAt.
func TestSession_RemoteInsertAppends(t *testing.T) {
	h := newHarness(t, true)
	h.store.seed(
		msg("srv1", "alice", time.Second, domain.StatusRead),
		msg("srv2", "bob", 2*time.Second, domain.StatusRead),
		msg("srv3", "alice", 3*time.Second, domain.StatusDelivered),
	)
	h.open(t)

	h.feed.insert(msg("srv4", "bob", 4*time.Second, domain.StatusDelivered))

	got := h.session.Messages()
	require.Len(t, got, 4)
	assert.Equal(t, "srv4", got[3].ID)
}

// Duplicate feed delivery grows the list by exactly one.
func TestSession_DuplicateFeedInsert(t *testing.T) {
	h := newHarness(t, true)
	h.open(t)
	m := msg("srv9", "bob", time.Second, domain.StatusDelivered)

	h.feed.insert(m)
	h.feed.insert(m)

	assert.Len(t, h.session.Messages(), 1)
}

func TestSession_FeedUpdateInPlaceAndUnknownDropped(t *testing.T) {
	h := newHarness(t, true)
	h.store.seed(msg("srv1", "alice", time.Second, domain.StatusDelivered))
	h.open(t)

	h.feed.update(msg("srv1", "alice", time.Second, domain.StatusRead))
	h.feed.update(msg("ghost", "alice", time.Second, domain.StatusRead))

	got := h.session.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, domain.StatusRead, got[0].Status)
}

func TestSession_IgnoresOtherConversations(t *testing.T) {
	h := newHarness(t, true)
	h.open(t)

	other := msg("srv1", "bob", time.Second, domain.StatusDelivered)
	other.ConversationID = "conv2"
	h.feed.insert(other)

	assert.Empty(t, h.session.Messages())
}

// A second mark pass with nothing new makes no network call.
func TestSession_MarkVisibleAsReadIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	h.store.seed(
		msg("srv1", "bob", time.Second, domain.StatusDelivered),
		msg("srv2", "alice", 2*time.Second, domain.StatusDelivered),
		msg("srv3", "bob", 3*time.Second, domain.StatusDelivered),
	)
	h.open(t)

	require.NoError(t, h.session.MarkVisibleAsRead(context.Background()))
	require.NoError(t, h.session.MarkVisibleAsRead(context.Background()))

	assert.Equal(t, [][]string{{"srv1", "srv3"}}, h.store.updates())
	for _, m := range h.session.Messages() {
		if m.AuthorID == "bob" {
			assert.Equal(t, domain.StatusRead, m.Status)
		}
	}
}

func TestSession_MarkVisibleAsReadFailureKeepsStatus(t *testing.T) {
	h := newHarness(t, true)
	h.store.seed(msg("srv1", "bob", time.Second, domain.StatusDelivered))
	h.open(t)
	h.store.updateErr = errors.New("timeout")

	assert.Error(t, h.session.MarkVisibleAsRead(context.Background()))
	assert.Equal(t, domain.StatusDelivered, h.session.Messages()[0].Status)

	h.store.updateErr = nil
	require.NoError(t, h.session.MarkVisibleAsRead(context.Background()))
	assert.Len(t, h.store.updates(), 2)
}

// One true on the first keystroke, one false two seconds after the last.
func TestSession_DraftDrivesTypingDebounce(t *testing.T) {
	h := newHarness(t, true)
	h.open(t)

	h.session.DraftChanged("h")
	h.clock.Advance(500 * time.Millisecond)
	h.session.DraftChanged("he")
	h.clock.Advance(1999 * time.Millisecond)
	assert.Equal(t, []bool{false, true}, h.presence.typingPublishes())

	h.clock.Advance(time.Millisecond)
	assert.Equal(t, []bool{false, true, false}, h.presence.typingPublishes())
}

func TestSession_ClearTypingOnSend(t *testing.T) {
	h := newHarness(t, true, WithClearTypingOnSend(true))
	h.open(t)

	h.session.DraftChanged("hi")
	_, err := h.session.SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	assert.Equal(t, []bool{false, true, false}, h.presence.typingPublishes())
	assert.False(t, h.session.LocalTypingActive())
}

// Typing before the presence subscription is ready is a silent no-op.
func TestSession_TypingBeforeOpenIsNoop(t *testing.T) {
	h := newHarness(t, true)

	h.session.DraftChanged("h")
	assert.Empty(t, h.presence.typingPublishes())
	assert.False(t, h.session.LocalTypingActive())

	h.open(t)
	h.session.DraftChanged("hi")
	assert.Equal(t, []bool{false, true}, h.presence.typingPublishes())
}

func TestSession_RemoteTypingFromSnapshot(t *testing.T) {
	h := newHarness(t, true)
	h.open(t)

	h.presence.snapshot(
		domain.PresenceRecord{ParticipantID: "alice", Typing: true, UpdatedAt: h.clock.Now()},
		domain.PresenceRecord{ParticipantID: "bob", Typing: true, UpdatedAt: h.clock.Now()},
	)
	assert.True(t, h.session.RemoteTypingActive())

	h.presence.snapshot(
		domain.PresenceRecord{ParticipantID: "bob", Typing: false, UpdatedAt: h.clock.Now()},
	)
	assert.False(t, h.session.RemoteTypingActive())
}

// A stuck remote indicator expires after the staleness cutoff.
func TestSession_RemoteTypingExpires(t *testing.T) {
	h := newHarness(t, true, WithStaleAfter(5*time.Second))
	h.open(t)

	h.presence.snapshot(domain.PresenceRecord{ParticipantID: "bob", Typing: true, UpdatedAt: h.clock.Now()})
	require.True(t, h.session.RemoteTypingActive())

	h.clock.Advance(4 * time.Second)
	assert.True(t, h.session.RemoteTypingActive())

	h.clock.Advance(time.Second)
	assert.False(t, h.session.RemoteTypingActive())
}

// Nothing mutates state once the session is closed.
func TestSession_CloseStopsMutation(t *testing.T) {
	h := newHarness(t, true)
	h.open(t)

	require.NoError(t, h.session.Close())
	assert.True(t, h.feed.unsubscribed)
	assert.True(t, h.presence.unsubscribed)

	h.feed.insert(msg("srv1", "bob", time.Second, domain.StatusDelivered))
	h.presence.snapshot(domain.PresenceRecord{ParticipantID: "bob", Typing: true, UpdatedAt: h.clock.Now()})
	h.session.DraftChanged("late")

	state := h.session.State()
	assert.Empty(t, state.Messages)
	assert.False(t, state.RemoteTyping)
	assert.Empty(t, state.Draft)

	// The channel may still hold a buffered signal but must be closed.
	for range h.session.Updates() {
	}

	_, err := h.session.SendMessage(context.Background(), "hi")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	assert.ErrorIs(t, h.session.Open(context.Background()), domain.ErrSessionClosed)
	assert.NoError(t, h.session.Close())
}

func TestSession_InsertResolvingAfterCloseIsIgnored(t *testing.T) {
	h := newHarness(t, true)
	h.open(t)
	h.store.insertStarted = make(chan struct{})
	h.store.insertGate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.session.SendMessage(context.Background(), "hi")
		done <- err
	}()
	<-h.store.insertStarted
	require.NoError(t, h.session.Close())
	close(h.store.insertGate)

	require.NoError(t, <-done)
	require.Len(t, h.session.Messages(), 1)
	assert.True(t, h.session.Messages()[0].IsTemporary())
}

func TestSession_ResyncMergesSnapshot(t *testing.T) {
	h := newHarness(t, true)
	h.open(t)

	h.store.seed(msg("srv1", "bob", time.Second, domain.StatusDelivered))
	require.NoError(t, h.session.Resync(context.Background()))

	assert.Equal(t, []string{"srv1"}, ids(h.session.Messages()))
}

func TestSession_UpdatesSignalCoalesces(t *testing.T) {
	h := newHarness(t, true)
	h.open(t)

	// Drain the signal left by Open.
	select {
	case <-h.session.Updates():
	default:
	}

	h.feed.insert(msg("srv1", "bob", time.Second, domain.StatusDelivered))
	h.feed.insert(msg("srv2", "bob", 2*time.Second, domain.StatusDelivered))

	select {
	case <-h.session.Updates():
	default:
		t.Fatal("expected an update signal")
	}
	select {
	case <-h.session.Updates():
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestSession_DraftDoesNotSignalUpdates(t *testing.T) {
	h := newHarness(t, true)
	h.open(t)
	select {
	case <-h.session.Updates():
	default:
	}

	h.session.DraftChanged("h")
	h.session.DraftChanged("he")

	select {
	case <-h.session.Updates():
		t.Fatal("draft input must not push state")
	default:
	}
	assert.Equal(t, "he", h.session.State().Draft)
}

func newPeer(t *testing.T, clock *fakeClock, presence PresenceChannel, local, remote string) *Session {
	t.Helper()
	s, err := NewSession(Config{ConversationID: "conv1", LocalID: local, RemoteID: remote},
		newFakeStore(clock, true), &fakeFeed{}, presence, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// A peer who keeps typing longer than the staleness cutoff stays visible
// as typing, because the tracker refreshes its record while active.
func TestSession_RemoteTypingSurvivesContinuousInput(t *testing.T) {
	clock := newFakeClock()
	presence := newLoopbackPresence()
	alice := newPeer(t, clock, presence, "alice", "bob")
	bob := newPeer(t, clock, presence, "bob", "alice")

	draft := ""
	for i := 1; i <= 15; i++ {
		draft += "x"
		bob.DraftChanged(draft)
		clock.Advance(time.Second)
		require.True(t, bob.LocalTypingActive(), "bob at t=%ds", i)
		require.True(t, alice.RemoteTypingActive(), "alice at t=%ds", i)
	}

	// Bob stops; his tracker goes idle two seconds after the last input.
	clock.Advance(2 * time.Second)
	assert.False(t, bob.LocalTypingActive())
	assert.False(t, alice.RemoteTypingActive())
}

func TestSession_FeedLossResubscribesAndResyncs(t *testing.T) {
	h := newHarness(t, true)
	h.open(t)
	require.Equal(t, 1, h.feed.subscribeCount())

	// Written while the feed was down, so no insert event arrives for it.
	h.store.seed(msg("srv1", "bob", time.Second, domain.StatusDelivered))
	h.feed.lose()

	assert.Equal(t, 2, h.feed.subscribeCount())
	assert.Equal(t, []string{"srv1"}, ids(h.session.Messages()))

	h.feed.insert(msg("srv2", "bob", 2*time.Second, domain.StatusDelivered))
	assert.Equal(t, []string{"srv1", "srv2"}, ids(h.session.Messages()))
}

func TestSession_FeedLossRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, true, WithFeedRetry(time.Second))
	h.open(t)

	h.feed.setSubscribeErr(errors.New("connection refused"))
	h.feed.lose()
	assert.Equal(t, 2, h.feed.subscribeCount())

	h.clock.Advance(999 * time.Millisecond)
	assert.Equal(t, 2, h.feed.subscribeCount())
	h.clock.Advance(time.Millisecond)
	assert.Equal(t, 3, h.feed.subscribeCount())

	// The second failure doubled the delay.
	h.store.seed(msg("srv1", "bob", time.Second, domain.StatusDelivered))
	h.feed.setSubscribeErr(nil)
	h.clock.Advance(1999 * time.Millisecond)
	assert.Equal(t, 3, h.feed.subscribeCount())
	h.clock.Advance(time.Millisecond)
	assert.Equal(t, 4, h.feed.subscribeCount())
	assert.Equal(t, []string{"srv1"}, ids(h.session.Messages()))

	h.clock.Advance(time.Minute)
	assert.Equal(t, 4, h.feed.subscribeCount())
}

func TestSession_CloseCancelsFeedRecovery(t *testing.T) {
	h := newHarness(t, true)
	h.open(t)

	h.feed.setSubscribeErr(errors.New("connection refused"))
	h.feed.lose()
	require.NoError(t, h.session.Close())

	h.clock.Advance(time.Minute)
	assert.Equal(t, 2, h.feed.subscribeCount())
}
