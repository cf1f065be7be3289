package conversation

import (
	"context"
	"time"

	"github.com/nfrund/dmsync/internal/domain"
)

// Handle identifies a live subscription owned by exactly one session.
type Handle string

// MessageStore is the durable record of messages per conversation.
type MessageStore interface {
	// FetchSnapshot returns the conversation's messages ordered by creation time.
	FetchSnapshot(ctx context.Context, conversationID string) ([]domain.Message, error)
	// Insert persists a message and returns it with its assigned id and timestamp.
	// An empty status leaves the status attribute unset.
	Insert(ctx context.Context, conversationID, authorID, content string, status domain.Status) (domain.Message, error)
	UpdateStatus(ctx context.Context, ids []string, status domain.Status) error
	// ProbeStatusCapability reports whether the schema carries a status attribute.
	ProbeStatusCapability(ctx context.Context) (bool, error)
}

// ChangeFeed delivers row-level insert and update events scoped to one conversation.
// Implementations must deliver a row's insert before its updates.
//
// onLost, when not nil, is called at most once if the subscription ends
// without Unsubscribe, for example because the store connection was
// replaced. Events after that point are not delivered on the handle.
type ChangeFeed interface {
	Subscribe(ctx context.Context, conversationID string, onInsert, onUpdate func(domain.Message), onLost func(error)) (Handle, error)
	Unsubscribe(h Handle) error
}

// PresenceChannel broadcasts ephemeral per-participant state within one conversation.
// Every snapshot carries the full, last-write-wins set of records.
type PresenceChannel interface {
	Subscribe(ctx context.Context, conversationID string, onSnapshot func([]domain.PresenceRecord)) (Handle, error)
	Publish(ctx context.Context, h Handle, rec domain.PresenceRecord) error
	Unsubscribe(h Handle) error
}

// Directory resolves the conversation shared by two participants.
type Directory interface {
	GetOrCreate(ctx context.Context, participantA, participantB string) (domain.Conversation, error)
	Get(ctx context.Context, conversationID string) (domain.Conversation, error)
	// ListFor returns every conversation participantID takes part in.
	ListFor(ctx context.Context, participantID string) ([]domain.Conversation, error)
}

// Timer is the subset of *time.Timer the session relies on.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so timers can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Observer receives session events for instrumentation.
type Observer interface {
	SessionOpened()
	SessionClosed()
	MessageSent()
	SendFailed()
	DuplicateDropped()
	UpdateDropped()
	ReadMarked(n int)
	TypingPublished(typing bool)
}

type noopObserver struct{}

func (noopObserver) SessionOpened()       {}
func (noopObserver) SessionClosed()       {}
func (noopObserver) MessageSent()         {}
func (noopObserver) SendFailed()          {}
func (noopObserver) DuplicateDropped()    {}
func (noopObserver) UpdateDropped()       {}
func (noopObserver) ReadMarked(int)       {}
func (noopObserver) TypingPublished(bool) {}
