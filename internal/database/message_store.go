package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/dmsync/internal/config"
	"github.com/nfrund/dmsync/internal/domain"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

const schemaQuery = `
DEFINE TABLE IF NOT EXISTS message SCHEMALESS;
DEFINE INDEX IF NOT EXISTS message_conversation ON TABLE message FIELDS conversation_id, created_at;
DEFINE TABLE IF NOT EXISTS conversation SCHEMALESS;
DEFINE INDEX IF NOT EXISTS conversation_pair ON TABLE conversation FIELDS pair_key UNIQUE;
`

// EnsureSchema defines the tables and indexes the stores rely on.
func EnsureSchema(ctx context.Context, conn DBConnection) error {
	ctx, cancel := getTimeoutFromContext(ctx, conn.GetDBExecuteTimeout(), ContextKeyExecuteTimeout)
	defer cancel()

	return conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, schemaQuery, nil)
	})
}

// MessageStore implements conversation.MessageStore on the message table.
type MessageStore struct {
	conn       DBConnection
	statusMode string
	now        func() time.Time
	logger     *slog.Logger
}

// MessageStoreOption configures a MessageStore.
type MessageStoreOption func(*MessageStore)

// WithStatusMode sets status tracking to config.StatusTrackingAuto, On or Off.
func WithStatusMode(mode string) MessageStoreOption {
	return func(s *MessageStore) { s.statusMode = mode }
}

// NewMessageStore creates a store on conn. Status tracking defaults to auto.
func NewMessageStore(conn DBConnection, opts ...MessageStoreOption) *MessageStore {
	s := &MessageStore{
		conn:       conn,
		statusMode: config.StatusTrackingAuto,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default().With("component", "database.messages"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchSnapshot returns the conversation's messages ordered by creation time.
func (s *MessageStore) FetchSnapshot(ctx context.Context, conversationID string) ([]domain.Message, error) {
	ctx, cancel := getTimeoutFromContext(ctx, s.conn.GetDBQueryTimeout(), ContextKeyQueryTimeout)
	defer cancel()

	query := "SELECT * FROM message WHERE conversation_id = $cid ORDER BY created_at ASC"
	params := map[string]any{"cid": conversationID}

	var rows []messageRecord
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var err error
		rows, err = Query[messageRecord](ctx, db, query, params)
		return err
	})
	if err != nil {
		return nil, WrapError(err, "fetch snapshot")
	}

	messages := make([]domain.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, row.toDomain())
	}
	return messages, nil
}

// Latest returns the most recent message of a conversation.
func (s *MessageStore) Latest(ctx context.Context, conversationID string) (domain.Message, bool, error) {
	ctx, cancel := getTimeoutFromContext(ctx, s.conn.GetDBQueryTimeout(), ContextKeyQueryTimeout)
	defer cancel()

	query := "SELECT * FROM message WHERE conversation_id = $cid ORDER BY created_at DESC LIMIT 1"
	params := map[string]any{"cid": conversationID}

	var row *messageRecord
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var err error
		row, err = QueryOne[messageRecord](ctx, db, query, params)
		return err
	})
	if err != nil {
		return domain.Message{}, false, WrapError(err, "latest message")
	}
	if row == nil {
		return domain.Message{}, false, nil
	}
	return row.toDomain(), true, nil
}

// Insert creates a message row and returns it as stored.
func (s *MessageStore) Insert(ctx context.Context, conversationID, authorID, content string, status domain.Status) (domain.Message, error) {
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
		CreatedAt:      s.now(),
	}
	if s.statusMode != config.StatusTrackingOff {
		msg.Status = status
	}
	if err := msg.Validate(); err != nil {
		return domain.Message{}, fmt.Errorf("invalid message: %w", err)
	}

	data := map[string]any{
		"conversation_id": msg.ConversationID,
		"author_id":       msg.AuthorID,
		"content":         msg.Content,
		"created_at":      models.CustomDateTime{Time: msg.CreatedAt},
	}
	if msg.Status != "" {
		data["status"] = string(msg.Status)
	}

	ctx, cancel := getTimeoutFromContext(ctx, s.conn.GetDBExecuteTimeout(), ContextKeyExecuteTimeout)
	defer cancel()

	query := "CREATE type::thing('message', $id) CONTENT $data"
	params := map[string]any{"id": msg.ID, "data": data}

	// A CREATE that timed out may still have committed, so it is never retried.
	var created *messageRecord
	err := s.conn.WithConnectionOnce(ctx, func(db *surrealdb.DB) error {
		var err error
		created, err = QueryOne[messageRecord](ctx, db, query, params)
		return err
	})
	if err != nil {
		return domain.Message{}, WrapError(err, "insert message")
	}
	if created == nil {
		return domain.Message{}, NewDBError(ErrQueryFailed, "insert message returned no row").WithQuery(query)
	}
	return created.toDomain(), nil
}

// UpdateStatus sets status on the listed rows. Rows already in that status
// are left untouched so the feed does not repeat them.
func (s *MessageStore) UpdateStatus(ctx context.Context, ids []string, status domain.Status) error {
	if s.statusMode == config.StatusTrackingOff {
		return domain.ErrStatusUnsupported
	}
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	if len(ids) == 0 {
		return nil
	}

	things := make([]models.RecordID, 0, len(ids))
	for _, id := range ids {
		things = append(things, models.NewRecordID(messageTable, id))
	}

	ctx, cancel := getTimeoutFromContext(ctx, s.conn.GetDBExecuteTimeout(), ContextKeyExecuteTimeout)
	defer cancel()

	query := "UPDATE message SET status = $status WHERE id IN $ids AND status != $status"
	params := map[string]any{"ids": things, "status": string(status)}
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, query, params)
	})
	return WrapError(err, "update message status")
}

// ProbeStatusCapability reports whether message rows carry a status. In auto
// mode the table definition decides: a schemaless table or one that defines
// a status field supports it.
func (s *MessageStore) ProbeStatusCapability(ctx context.Context) (bool, error) {
	switch s.statusMode {
	case config.StatusTrackingOn:
		return true, nil
	case config.StatusTrackingOff:
		return false, nil
	}

	ctx, cancel := getTimeoutFromContext(ctx, s.conn.GetDBQueryTimeout(), ContextKeyQueryTimeout)
	defer cancel()

	var info map[string]any
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		res, err := surrealdb.Query[map[string]any](ctx, db, "INFO FOR TABLE message", nil)
		if err != nil {
			return err
		}
		if res != nil && len(*res) > 0 {
			info = (*res)[0].Result
		}
		return nil
	})
	if err != nil {
		return false, WrapError(err, "probe status capability")
	}
	supported := fieldsAllowStatus(info)
	s.logger.Debug("Probed status capability", "supported", supported)
	return supported, nil
}

func fieldsAllowStatus(info map[string]any) bool {
	fields, _ := info["fields"].(map[string]any)
	if len(fields) == 0 {
		return true
	}
	for name := range fields {
		if strings.EqualFold(name, "status") {
			return true
		}
	}
	return false
}
