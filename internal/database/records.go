package database

import (
	"fmt"
	"time"

	"github.com/nfrund/dmsync/internal/domain"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

// messageRecord is the row shape of the message table.
type messageRecord struct {
	ID             *models.RecordID      `json:"id,omitempty"`
	ConversationID string                `json:"conversation_id"`
	AuthorID       string                `json:"author_id"`
	Content        string                `json:"content"`
	Status         string                `json:"status,omitempty"`
	CreatedAt      models.CustomDateTime `json:"created_at"`
}

func (r messageRecord) toDomain() domain.Message {
	return domain.Message{
		ID:             recordKey(r.ID),
		ConversationID: r.ConversationID,
		AuthorID:       r.AuthorID,
		Content:        r.Content,
		Status:         domain.Status(r.Status),
		CreatedAt:      r.CreatedAt.Time.UTC(),
	}
}

// conversationRecord is the row shape of the conversation table.
type conversationRecord struct {
	ID           *models.RecordID      `json:"id,omitempty"`
	PairKey      string                `json:"pair_key"`
	Participants []string              `json:"participants"`
	CreatedAt    models.CustomDateTime `json:"created_at"`
}

func (r conversationRecord) toDomain() (domain.Conversation, error) {
	if len(r.Participants) != 2 {
		return domain.Conversation{}, fmt.Errorf("%w: conversation has %d participants", ErrInvalidRecord, len(r.Participants))
	}
	return domain.Conversation{
		ID:           recordKey(r.ID),
		Participants: [2]string{r.Participants[0], r.Participants[1]},
		CreatedAt:    r.CreatedAt.Time.UTC(),
	}, nil
}

// recordKey returns the key part of a record id ("message:abc" -> "abc").
func recordKey(id *models.RecordID) string {
	if id == nil {
		return ""
	}
	return fmt.Sprint(id.ID)
}

// messageFromNotification decodes a live query payload. The driver hands
// those over as generic maps, so every field is converted by hand.
func messageFromNotification(data any) (domain.Message, error) {
	row, ok := data.(map[string]any)
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: unexpected payload %T", ErrInvalidRecord, data)
	}

	var msg domain.Message
	switch id := row["id"].(type) {
	case models.RecordID:
		msg.ID = recordKey(&id)
	case *models.RecordID:
		msg.ID = recordKey(id)
	case string:
		msg.ID = id
	default:
		return domain.Message{}, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}

	msg.ConversationID, _ = row["conversation_id"].(string)
	msg.AuthorID, _ = row["author_id"].(string)
	msg.Content, _ = row["content"].(string)
	if status, ok := row["status"].(string); ok {
		msg.Status = domain.Status(status)
	}

	created, err := timeFrom(row["created_at"])
	if err != nil {
		return domain.Message{}, err
	}
	msg.CreatedAt = created
	return msg, nil
}

func timeFrom(v any) (time.Time, error) {
	switch t := v.(type) {
	case models.CustomDateTime:
		return t.Time.UTC(), nil
	case *models.CustomDateTime:
		if t != nil {
			return t.Time.UTC(), nil
		}
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: created_at: %v", ErrInvalidRecord, err)
		}
		return parsed.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: missing created_at", ErrInvalidRecord)
}
