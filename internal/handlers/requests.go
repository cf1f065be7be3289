package handlers

import (
	"github.com/go-playground/validator/v10"
)

// CustomValidator wraps the go-playground/validator library to implement Echo's Validator interface.
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator creates a new CustomValidator.
func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New()}
}

// Validate implements the echo.Validator interface.
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// CreateConversationRequest is the body of POST /api/conversations.
type CreateConversationRequest struct {
	UserID string `json:"user_id" validate:"required"`
	PeerID string `json:"peer_id" validate:"required,nefield=UserID"`
}

// ListConversationsRequest is the query of GET /api/conversations.
type ListConversationsRequest struct {
	UserID string `query:"user_id" validate:"required"`
}

// CreateChatRequest is the body of POST /api/requests.
type CreateChatRequest struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required,nefield=From"`
}

// AnswerChatRequest is the body of the accept and reject endpoints.
type AnswerChatRequest struct {
	UserID string `json:"user_id" validate:"required"`
}
