package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nfrund/dmsync/internal/conversation"
	"github.com/nfrund/dmsync/internal/domain"
	"github.com/nfrund/dmsync/internal/pubsub"
)

// ChangeFeed implements conversation.ChangeFeed over the message change topics.
type ChangeFeed struct {
	subscriber pubsub.Subscriber
	logger     *slog.Logger

	mu      sync.Mutex
	cancels map[conversation.Handle]context.CancelFunc
}

// NewChangeFeed creates a feed reading from subscriber.
func NewChangeFeed(subscriber pubsub.Subscriber) *ChangeFeed {
	return &ChangeFeed{
		subscriber: subscriber,
		logger:     slog.Default().With("component", "memstore.feed"),
		cancels:    make(map[conversation.Handle]context.CancelFunc),
	}
}

// Subscribe starts delivering the conversation's row changes. Delivery is
// sequential, so a row's insert always reaches the callbacks before its updates.
// The in-process bus never drops a subscription, so onLost is not called.
func (f *ChangeFeed) Subscribe(ctx context.Context, conversationID string, onInsert, onUpdate func(domain.Message), onLost func(error)) (conversation.Handle, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	handle := conversation.Handle(uuid.NewString())

	err := pubsub.Subscribe(subCtx, f.subscriber, ChangeEventTopic.Scoped(conversationID), func(ctx context.Context, ev ChangeEvent) error {
		switch ev.Action {
		case ActionInsert:
			onInsert(ev.Message)
		case ActionUpdate:
			onUpdate(ev.Message)
		default:
			f.logger.Debug("ignoring unknown change action", "action", ev.Action)
		}
		return nil
	})
	if err != nil {
		cancel()
		return "", fmt.Errorf("subscribe to %s: %w", conversationID, err)
	}

	f.mu.Lock()
	f.cancels[handle] = cancel
	f.mu.Unlock()
	return handle, nil
}

// Unsubscribe stops delivery for the handle. Unknown handles are ignored.
func (f *ChangeFeed) Unsubscribe(h conversation.Handle) error {
	f.mu.Lock()
	cancel, ok := f.cancels[h]
	delete(f.cancels, h)
	f.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
