package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/dmsync/internal/domain"
)

// ErrorResponse is the standard format for API error responses.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConversationResponse is returned by the get-or-create endpoint.
type ConversationResponse struct {
	ConversationID string    `json:"conversation_id"`
	Participants   [2]string `json:"participants"`
}

// MessagesResponse is the ordered snapshot of a conversation.
type MessagesResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []domain.Message `json:"messages"`
}

// ConversationSummary is one entry of a participant's conversation list.
// LastMessage is nil until the first message is sent.
type ConversationSummary struct {
	ConversationID string          `json:"conversation_id"`
	PeerID         string          `json:"peer_id"`
	CreatedAt      time.Time       `json:"created_at"`
	LastMessage    *domain.Message `json:"last_message,omitempty"`
}

func (s ConversationSummary) lastActivity() time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return s.CreatedAt
}

// ConversationListResponse lists a participant's conversations, most recently active first.
type ConversationListResponse struct {
	UserID        string                `json:"user_id"`
	Conversations []ConversationSummary `json:"conversations"`
}

// PresenceResponse lists the presence records of a conversation.
type PresenceResponse struct {
	ConversationID string                  `json:"conversation_id"`
	Records        []domain.PresenceRecord `json:"records"`
}

// HTTPError maps domain sentinel errors to HTTP errors. Anything else is
// returned unchanged and ends up as a 500.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrSameParticipant),
		errors.Is(err, domain.ErrInvalidParticipant),
		errors.Is(err, domain.ErrEmptyContent):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotRecipient):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return err
}

// bindAndValidate binds the request body into req and validates it.
func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
