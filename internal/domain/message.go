package domain

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// validatorInstance is a package-level validator instance.
// Using a single instance is more efficient as it caches struct information.
var validatorInstance = validator.New()

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	// StatusFailed belongs to the send-request layer. The reconciler never
	// assigns it; a failed send is removed from the local list instead.
	StatusFailed Status = "failed"
)

// rank orders statuses along the happy path. Unknown and empty statuses rank lowest.
func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Before reports whether s comes strictly earlier than other on the
// sending → delivered → read path.
func (s Status) Before(other Status) bool {
	return s.rank() < other.rank()
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSending, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// TempIDPrefix marks client-minted ids that have not been confirmed by the store.
const TempIDPrefix = "temp-"

// NewTemporaryID mints a local id for an optimistic message.
func NewTemporaryID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTemporaryID reports whether id was minted locally.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Message is one entry of a conversation.
// Status is empty when the deployment does not track delivery state.
type Message struct {
	ID             string    `json:"id" validate:"required"`
	ConversationID string    `json:"conversation_id" validate:"required"`
	AuthorID       string    `json:"author_id" validate:"required"`
	Content        string    `json:"content" validate:"required"`
	CreatedAt      time.Time `json:"created_at"`
	Status         Status    `json:"status,omitempty"`
}

// Validate runs validation checks on the Message struct using the defined tags.
func (m *Message) Validate() error {
	return validatorInstance.Struct(m)
}

// IsTemporary reports whether the message is still an optimistic local copy.
func (m Message) IsTemporary() bool {
	return IsTemporaryID(m.ID)
}
