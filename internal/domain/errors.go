package domain

import "errors"

// Sentinel errors for the domain layer. These provide consistent, checkable
// errors for common business logic failures.
var (
	ErrNotFound           = errors.New("requested resource not found")
	ErrEmptyContent       = errors.New("message content is empty")
	ErrSessionClosed      = errors.New("conversation session is closed")
	ErrSessionNotOpen     = errors.New("conversation session is not open")
	ErrPresenceNotReady   = errors.New("presence subscription is not ready")
	ErrSameParticipant    = errors.New("a conversation needs two distinct participants")
	ErrInvalidParticipant = errors.New("participant id is required")
	ErrInvalidTransition  = errors.New("invalid chat request transition")
	ErrNotRecipient       = errors.New("only the recipient can answer a chat request")
	ErrStatusUnsupported  = errors.New("message status tracking is disabled")
	ErrFeedLost           = errors.New("change feed subscription lost")
)
