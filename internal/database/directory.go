package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/dmsync/internal/domain"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

// Directory implements conversation.Directory on the conversation table. A
// unique index on pair_key keeps one conversation per participant pair.
type Directory struct {
	conn DBConnection
}

// NewDirectory creates a directory on conn.
func NewDirectory(conn DBConnection) *Directory {
	return &Directory{conn: conn}
}

// GetOrCreate returns the conversation between a and b, creating it on first use.
func (d *Directory) GetOrCreate(ctx context.Context, a, b string) (domain.Conversation, error) {
	a, b, err := domain.CheckParticipants(a, b)
	if err != nil {
		return domain.Conversation{}, err
	}
	key := domain.PairKey(a, b)

	if conv, err := d.findByPair(ctx, key); err == nil {
		return conv, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Conversation{}, err
	}

	ctx, cancel := getTimeoutFromContext(ctx, d.conn.GetDBExecuteTimeout(), ContextKeyExecuteTimeout)
	defer cancel()

	query := "CREATE type::thing('conversation', $id) CONTENT $data"
	params := map[string]any{
		"id": uuid.NewString(),
		"data": map[string]any{
			"pair_key":     key,
			"participants": []string{a, b},
			"created_at":   models.CustomDateTime{Time: time.Now().UTC()},
		},
	}
	var created *conversationRecord
	err = d.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var err error
		created, err = QueryOne[conversationRecord](ctx, db, query, params)
		return err
	})
	if err != nil || created == nil {
		// Lost a race on the unique index: the other writer's row wins.
		if conv, findErr := d.findByPair(ctx, key); findErr == nil {
			return conv, nil
		}
		if err == nil {
			err = NewDBError(ErrQueryFailed, "create conversation returned no row")
		}
		return domain.Conversation{}, WrapError(err, "create conversation")
	}
	return created.toDomain()
}

// ListFor returns the participant's conversations, newest first.
func (d *Directory) ListFor(ctx context.Context, participantID string) ([]domain.Conversation, error) {
	ctx, cancel := getTimeoutFromContext(ctx, d.conn.GetDBQueryTimeout(), ContextKeyQueryTimeout)
	defer cancel()

	query := "SELECT * FROM conversation WHERE participants CONTAINS $pid ORDER BY created_at DESC"
	params := map[string]any{"pid": participantID}

	var rows []conversationRecord
	err := d.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var err error
		rows, err = Query[conversationRecord](ctx, db, query, params)
		return err
	})
	if err != nil {
		return nil, WrapError(err, "list conversations")
	}

	convs := make([]domain.Conversation, 0, len(rows))
	for _, row := range rows {
		conv, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// Get looks a conversation up by id.
func (d *Directory) Get(ctx context.Context, id string) (domain.Conversation, error) {
	return d.queryOne(ctx, "SELECT * FROM type::thing('conversation', $id)", map[string]any{"id": id})
}

func (d *Directory) findByPair(ctx context.Context, key string) (domain.Conversation, error) {
	return d.queryOne(ctx, "SELECT * FROM conversation WHERE pair_key = $key", map[string]any{"key": key})
}

func (d *Directory) queryOne(ctx context.Context, query string, params map[string]any) (domain.Conversation, error) {
	ctx, cancel := getTimeoutFromContext(ctx, d.conn.GetDBQueryTimeout(), ContextKeyQueryTimeout)
	defer cancel()

	var row *conversationRecord
	err := d.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var err error
		row, err = QueryOne[conversationRecord](ctx, db, query, params)
		return err
	})
	if err != nil {
		return domain.Conversation{}, WrapError(err, "lookup conversation")
	}
	if row == nil {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return row.toDomain()
}
