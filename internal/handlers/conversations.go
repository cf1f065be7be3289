package handlers

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/dmsync/internal/conversation"
	"github.com/nfrund/dmsync/internal/domain"
	"github.com/nfrund/dmsync/internal/middleware"
)

// MessageReader is the read side of the message store.
type MessageReader interface {
	FetchSnapshot(ctx context.Context, conversationID string) ([]domain.Message, error)
	Latest(ctx context.Context, conversationID string) (domain.Message, bool, error)
}

// ConversationHandler serves conversation lookups and message snapshots.
type ConversationHandler struct {
	directory conversation.Directory
	store     MessageReader
}

// NewConversationHandler creates a new ConversationHandler.
func NewConversationHandler(directory conversation.Directory, store MessageReader) *ConversationHandler {
	return &ConversationHandler{directory: directory, store: store}
}

// Create returns the conversation between two participants, creating it on first use.
func (h *ConversationHandler) Create(c echo.Context) error {
	var req CreateConversationRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	conv, err := h.directory.GetOrCreate(c.Request().Context(), req.UserID, req.PeerID)
	if err != nil {
		return HTTPError(err)
	}
	middleware.FromContext(c.Request().Context()).Debug("Conversation resolved", "conversation_id", conv.ID)
	return c.JSON(http.StatusOK, ConversationResponse{ConversationID: conv.ID, Participants: conv.Participants})
}

// Messages returns the stored messages of a conversation, oldest first.
func (h *ConversationHandler) Messages(c echo.Context) error {
	ctx := c.Request().Context()
	conversationID := c.Param("id")

	if _, err := h.directory.Get(ctx, conversationID); err != nil {
		return HTTPError(err)
	}
	messages, err := h.store.FetchSnapshot(ctx, conversationID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, MessagesResponse{ConversationID: conversationID, Messages: messages})
}

// List returns the conversations of user_id, most recently active first,
// each with its latest message as a preview.
func (h *ConversationHandler) List(c echo.Context) error {
	var req ListConversationsRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return HTTPError(domain.ErrInvalidParticipant)
	}

	convs, err := h.directory.ListFor(ctx, userID)
	if err != nil {
		return err
	}
	summaries := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary := ConversationSummary{
			ConversationID: conv.ID,
			PeerID:         conv.Peer(userID),
			CreatedAt:      conv.CreatedAt,
		}
		last, ok, err := h.store.Latest(ctx, conv.ID)
		if err != nil {
			return err
		}
		if ok {
			summary.LastMessage = &last
		}
		summaries = append(summaries, summary)
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].lastActivity().After(summaries[j].lastActivity())
	})
	return c.JSON(http.StatusOK, ConversationListResponse{UserID: userID, Conversations: summaries})
}
