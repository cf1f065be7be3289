package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/dmsync/internal/domain"
	"github.com/nfrund/dmsync/internal/presence"
)

// PresenceHandler exposes the presence records of a conversation.
type PresenceHandler struct {
	presenceService *presence.Service
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(presenceService *presence.Service) *PresenceHandler {
	return &PresenceHandler{presenceService: presenceService}
}

// GetPresence returns who is connected to a conversation and who is typing.
func (h *PresenceHandler) GetPresence(c echo.Context) error {
	if h.presenceService == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Code:    "presence_unavailable",
			Message: "presence service not available",
		})
	}
	conversationID := c.Param("id")
	records := h.presenceService.GetSnapshot(conversationID)
	if records == nil {
		records = []domain.PresenceRecord{}
	}
	return c.JSON(http.StatusOK, PresenceResponse{ConversationID: conversationID, Records: records})
}
