package presence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/dmsync/internal/conversation"
	"github.com/nfrund/dmsync/internal/domain"
	"github.com/nfrund/dmsync/internal/pubsub"
)

var (
	// DefaultStaleThreshold is how long a typing record survives without a
	// refresh. Sessions republish typing:true every half of this window while
	// their participant keeps typing, so only vanished clients hit it.
	DefaultStaleThreshold = conversation.DefaultStaleAfter

	// DefaultCleanupInterval is how often stale typing records are swept.
	DefaultCleanupInterval = conversation.HeartbeatFor(conversation.DefaultStaleAfter)
)

// ErrUnknownHandle is returned when publishing through a handle that is not subscribed.
var ErrUnknownHandle = errors.New("unknown presence handle")

// Snapshot is the full presence state of one conversation.
type Snapshot struct {
	ConversationID string                  `json:"conversation_id"`
	Records        []domain.PresenceRecord `json:"records"`
}

// SnapshotEvent is broadcast to every member after any presence change.
var SnapshotEvent = pubsub.NewEvent[Snapshot]("presence.conversation")

type membership struct {
	conversationID string
	participantID  string
	record         domain.PresenceRecord
	tracked        bool
	cancel         context.CancelFunc
}

// Service implements conversation.PresenceChannel on top of the pub/sub bus.
// Each subscription is a handle; the records of all handles in a conversation
// form its snapshot, last write wins per participant.
type Service struct {
	mu      sync.RWMutex
	members map[conversation.Handle]*membership
	rooms   map[string]map[conversation.Handle]struct{} // conversationID -> handles

	broadcastMu sync.Mutex // orders snapshots per service

	publisher  pubsub.Publisher
	subscriber pubsub.Subscriber
	logger     *slog.Logger
	now        func() time.Time

	cleanupTicker   *time.Ticker
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	staleThreshold  time.Duration
	stopOnce        sync.Once
}

// Option is a function that configures a Service.
type Option func(*Service)

// WithStaleThreshold sets a custom stale threshold for typing records.
func WithStaleThreshold(d time.Duration) Option {
	return func(s *Service) {
		s.staleThreshold = d
	}
}

// WithCleanupInterval sets how often stale typing records are swept.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Service) {
		s.cleanupInterval = d
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a presence service and starts its cleanup loop.
func NewService(publisher pubsub.Publisher, subscriber pubsub.Subscriber, opts ...Option) *Service {
	svc := &Service{
		members:         make(map[conversation.Handle]*membership),
		rooms:           make(map[string]map[conversation.Handle]struct{}),
		publisher:       publisher,
		subscriber:      subscriber,
		logger:          slog.Default().With("service", "presence"),
		now:             func() time.Time { return time.Now().UTC() },
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		staleThreshold:  DefaultStaleThreshold,
	}

	for _, opt := range opts {
		opt(svc)
	}

	svc.cleanupTicker = time.NewTicker(svc.cleanupInterval)
	go svc.startCleanup()

	svc.logger.Info("Presence service initialized", "stale_threshold", svc.staleThreshold)
	return svc
}

// Subscribe joins a conversation's presence channel. The subscription is
// active when Subscribe returns, and onSnapshot immediately receives the
// current state.
func (s *Service) Subscribe(ctx context.Context, conversationID string, onSnapshot func([]domain.PresenceRecord)) (conversation.Handle, error) {
	handle := conversation.Handle(uuid.NewString())
	// The subscription belongs to the handle, not to the caller's request context.
	subCtx, cancel := context.WithCancel(context.Background())

	event := SnapshotEvent.Scoped(conversationID)
	err := pubsub.Subscribe(subCtx, s.subscriber, event, func(ctx context.Context, snap Snapshot) error {
		onSnapshot(snap.Records)
		return nil
	})
	if err != nil {
		cancel()
		return "", err
	}

	s.mu.Lock()
	s.members[handle] = &membership{conversationID: conversationID, cancel: cancel}
	if s.rooms[conversationID] == nil {
		s.rooms[conversationID] = make(map[conversation.Handle]struct{})
	}
	s.rooms[conversationID][handle] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("Presence subscription added", "conversation_id", conversationID, "handle", handle)
	s.broadcast(ctx, conversationID)
	return handle, nil
}

// Publish records rec for the handle and broadcasts the new snapshot.
func (s *Service) Publish(ctx context.Context, h conversation.Handle, rec domain.PresenceRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}

	s.mu.Lock()
	m, ok := s.members[h]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownHandle
	}
	m.record = rec
	m.participantID = rec.ParticipantID
	m.tracked = true
	cid := m.conversationID
	s.mu.Unlock()

	s.broadcast(ctx, cid)
	return nil
}

// Unsubscribe leaves the channel. The handle's record disappears from the
// snapshot the remaining members receive.
func (s *Service) Unsubscribe(h conversation.Handle) error {
	s.mu.Lock()
	m, ok := s.members[h]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.members, h)
	room := s.rooms[m.conversationID]
	delete(room, h)
	remaining := len(room)
	if remaining == 0 {
		delete(s.rooms, m.conversationID)
	}
	s.mu.Unlock()

	m.cancel()
	s.logger.Debug("Presence subscription removed",
		"conversation_id", m.conversationID,
		"participant_id", m.participantID,
		"handle", h)

	if remaining > 0 {
		s.broadcast(context.Background(), m.conversationID)
	}
	return nil
}

// GetSnapshot returns the current records of a conversation.
func (s *Service) GetSnapshot(conversationID string) []domain.PresenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotUnsafe(conversationID)
}

// snapshotUnsafe collapses handles to one record per participant, newest
// write first in case of ties. Caller holds mu.
func (s *Service) snapshotUnsafe(conversationID string) []domain.PresenceRecord {
	latest := make(map[string]domain.PresenceRecord)
	for h := range s.rooms[conversationID] {
		m := s.members[h]
		if m == nil || !m.tracked {
			continue
		}
		cur, seen := latest[m.participantID]
		if !seen || m.record.UpdatedAt.After(cur.UpdatedAt) {
			latest[m.participantID] = m.record
		}
	}

	records := make([]domain.PresenceRecord, 0, len(latest))
	for _, rec := range latest {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ParticipantID < records[j].ParticipantID })
	return records
}

func (s *Service) broadcast(ctx context.Context, conversationID string) {
	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()

	s.mu.RLock()
	snap := Snapshot{ConversationID: conversationID, Records: s.snapshotUnsafe(conversationID)}
	s.mu.RUnlock()

	event := SnapshotEvent.Scoped(conversationID)
	if err := pubsub.Publish(ctx, s.publisher, event, "", snap); err != nil {
		s.logger.Error("Failed to publish presence snapshot",
			"error", err,
			"topic", event.Name())
	}
}

// startCleanup runs periodic cleanup of stale typing records
func (s *Service) startCleanup() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanupStaleTyping()
		case <-s.stopCleanup:
			s.cleanupTicker.Stop()
			return
		}
	}
}

// cleanupStaleTyping clears typing flags that have not been refreshed within
// the stale threshold, so a publisher that vanished without sending
// typing:false does not leave the indicator stuck for everyone else.
func (s *Service) cleanupStaleTyping() {
	threshold := s.now().Add(-s.staleThreshold)

	s.mu.Lock()
	touched := make(map[string]struct{})
	for _, m := range s.members {
		if m.tracked && m.record.Typing && m.record.UpdatedAt.Before(threshold) {
			m.record.Typing = false
			m.record.UpdatedAt = s.now()
			touched[m.conversationID] = struct{}{}
		}
	}
	s.mu.Unlock()

	if len(touched) == 0 {
		return
	}

	s.logger.Info("Cleared stale typing records", "conversations", len(touched))
	for cid := range touched {
		s.broadcast(context.Background(), cid)
	}
}

// Shutdown gracefully stops the presence service
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}
