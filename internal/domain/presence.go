package domain

import "time"

// PresenceRecord is the ephemeral state one participant broadcasts on a
// conversation's presence channel.
type PresenceRecord struct {
	ParticipantID string    `json:"participant_id"`
	Typing        bool      `json:"typing"`
	UpdatedAt     time.Time `json:"updated_at"`
}
