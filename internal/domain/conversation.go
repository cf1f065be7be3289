package domain

import (
	"sort"
	"strings"
	"time"
)

// Conversation is a one-on-one thread between two profiles.
type Conversation struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

// PairKey returns an order-independent key for two participants, so that
// (a, b) and (b, a) resolve to the same conversation.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

// CheckParticipants trims both ids and rejects a pair that cannot form a
// conversation: a missing id or the same id twice.
func CheckParticipants(a, b string) (string, string, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "" || b == "":
		return a, b, ErrInvalidParticipant
	case a == b:
		return a, b, ErrSameParticipant
	}
	return a, b, nil
}

// Has reports whether id takes part in the conversation.
func (c Conversation) Has(id string) bool {
	return c.Participants[0] == id || c.Participants[1] == id
}

// Peer returns the other participant, or "" when id is not part of the conversation.
func (c Conversation) Peer(id string) string {
	switch id {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}
