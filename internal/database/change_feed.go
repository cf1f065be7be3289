package database

import (
	"context"
	"log/slog"

	"github.com/nfrund/dmsync/internal/conversation"
	"github.com/nfrund/dmsync/internal/domain"
)

// ChangeFeed implements conversation.ChangeFeed with a LIVE SELECT per
// conversation on the message table.
type ChangeFeed struct {
	live   LiveQueryService
	logger *slog.Logger
}

// NewChangeFeed creates a feed on top of a live query service.
func NewChangeFeed(live LiveQueryService) *ChangeFeed {
	return &ChangeFeed{
		live:   live,
		logger: slog.Default().With("component", "database.feed"),
	}
}

// Subscribe streams row creations to onInsert and row updates to onUpdate.
// onLost fires when the live query dies with its connection.
func (f *ChangeFeed) Subscribe(ctx context.Context, conversationID string, onInsert, onUpdate func(domain.Message), onLost func(error)) (conversation.Handle, error) {
	filter := &LiveQueryFilter{
		Where:  "conversation_id = $cid",
		Params: map[string]any{"cid": conversationID},
	}
	sub, err := f.live.Subscribe(ctx, messageTable, filter, func(ctx context.Context, action LiveQueryAction, data any) {
		if action == ActionLost {
			f.logger.Warn("Message change feed lost", "conversation_id", conversationID)
			if onLost != nil {
				onLost(domain.ErrFeedLost)
			}
			return
		}
		f.deliver(action, data, onInsert, onUpdate)
	})
	if err != nil {
		return "", WrapError(err, "subscribe to message changes")
	}
	return conversation.Handle(sub.ID), nil
}

func (f *ChangeFeed) deliver(action LiveQueryAction, data any, onInsert, onUpdate func(domain.Message)) {
	if action == ActionDelete {
		return
	}
	msg, err := messageFromNotification(data)
	if err != nil {
		f.logger.Warn("Dropping undecodable message change", "action", action, "error", err)
		return
	}
	switch action {
	case ActionCreate:
		onInsert(msg)
	case ActionUpdate:
		onUpdate(msg)
	}
}

// Unsubscribe stops the live query behind h.
func (f *ChangeFeed) Unsubscribe(h conversation.Handle) error {
	return f.live.Unsubscribe(string(h))
}
