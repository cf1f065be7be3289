// Package memstore keeps conversations and messages in process memory. It
// backs single-instance deployments and tests, and publishes row changes on
// the pub/sub bus so sessions can follow them like a database change feed.
package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/dmsync/internal/domain"
	"github.com/nfrund/dmsync/internal/pubsub"
)

// Action names a row-level change.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
)

// ChangeEvent is one row change of the message table.
type ChangeEvent struct {
	Action  Action         `json:"action"`
	Message domain.Message `json:"message"`
}

// ChangeEventTopic carries ChangeEvents, scoped by conversation id.
var ChangeEventTopic = pubsub.NewEvent[ChangeEvent]("messages.changes")

// Option is a function that configures a MessageStore.
type Option func(*MessageStore)

// WithStatusTracking turns the status attribute on or off.
func WithStatusTracking(enabled bool) Option {
	return func(s *MessageStore) { s.statusTracking = enabled }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *MessageStore) { s.now = now }
}

// MessageStore implements conversation.MessageStore in memory.
type MessageStore struct {
	// messages stores messages per conversation: conversationID -> []Message
	messages map[string][]domain.Message
	// owner maps message id -> conversationID
	owner map[string]string
	mu    sync.RWMutex

	publisher      pubsub.Publisher
	statusTracking bool
	now            func() time.Time
	last           time.Time
	logger         *slog.Logger
}

// NewMessageStore creates an empty store that announces changes on publisher.
func NewMessageStore(publisher pubsub.Publisher, opts ...Option) *MessageStore {
	s := &MessageStore{
		messages:       make(map[string][]domain.Message),
		owner:          make(map[string]string),
		publisher:      publisher,
		statusTracking: true,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         slog.Default().With("component", "memstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchSnapshot returns all messages of a conversation ordered by creation time.
func (s *MessageStore) FetchSnapshot(ctx context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.messages[conversationID]
	result := make([]domain.Message, len(rows))
	copy(result, rows)
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Insert stores a new message and publishes its insert event before returning.
func (s *MessageStore) Insert(ctx context.Context, conversationID, authorID, content string, status domain.Status) (domain.Message, error) {
	if !s.statusTracking {
		status = ""
	}

	s.mu.Lock()
	created := s.now()
	// Keep creation times non-decreasing within the store.
	if created.Before(s.last) {
		created = s.last
	}
	s.last = created
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
		CreatedAt:      created,
		Status:         status,
	}
	if err := msg.Validate(); err != nil {
		s.mu.Unlock()
		return domain.Message{}, fmt.Errorf("invalid message: %w", err)
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	s.owner[msg.ID] = conversationID
	s.mu.Unlock()

	s.announce(ctx, ActionInsert, msg)
	return msg, nil
}

// UpdateStatus sets status on every listed message and publishes one update
// event per changed row. Unknown ids are skipped.
func (s *MessageStore) UpdateStatus(ctx context.Context, ids []string, status domain.Status) error {
	if !s.statusTracking {
		return domain.ErrStatusUnsupported
	}
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}

	var changed []domain.Message
	s.mu.Lock()
	for _, id := range ids {
		cid, ok := s.owner[id]
		if !ok {
			continue
		}
		rows := s.messages[cid]
		for i := range rows {
			if rows[i].ID == id && rows[i].Status != status {
				rows[i].Status = status
				changed = append(changed, rows[i])
			}
		}
	}
	s.mu.Unlock()

	for _, msg := range changed {
		s.announce(ctx, ActionUpdate, msg)
	}
	return nil
}

// ProbeStatusCapability reports whether the status attribute is tracked.
func (s *MessageStore) ProbeStatusCapability(ctx context.Context) (bool, error) {
	return s.statusTracking, nil
}

// Latest returns the most recent message of a conversation.
func (s *MessageStore) Latest(ctx context.Context, conversationID string) (domain.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest domain.Message
	var found bool
	for _, m := range s.messages[conversationID] {
		if !found || !m.CreatedAt.Before(latest.CreatedAt) {
			latest, found = m, true
		}
	}
	return latest, found, nil
}

// GetMessageCount returns the number of messages in a conversation.
func (s *MessageStore) GetMessageCount(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[conversationID])
}

func (s *MessageStore) announce(ctx context.Context, action Action, msg domain.Message) {
	event := ChangeEventTopic.Scoped(msg.ConversationID)
	if err := pubsub.Publish(ctx, s.publisher, event, msg.AuthorID, ChangeEvent{Action: action, Message: msg}); err != nil {
		s.logger.Error("Failed to publish message change",
			"action", action,
			"message_id", msg.ID,
			"error", err)
	}
}
