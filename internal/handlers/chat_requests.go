package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/dmsync/internal/chatrequest"
)

// ChatRequestHandler serves the chat request flow.
type ChatRequestHandler struct {
	requests *chatrequest.Service
}

// NewChatRequestHandler creates a new ChatRequestHandler.
func NewChatRequestHandler(requests *chatrequest.Service) *ChatRequestHandler {
	return &ChatRequestHandler{requests: requests}
}

// Create opens a request, or returns the one already pending for the pair.
func (h *ChatRequestHandler) Create(c echo.Context) error {
	var req CreateChatRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	r, err := h.requests.Create(c.Request().Context(), req.From, req.To)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

// Get returns a request by id.
func (h *ChatRequestHandler) Get(c echo.Context) error {
	r, err := h.requests.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// Accept answers a request on behalf of its recipient.
func (h *ChatRequestHandler) Accept(c echo.Context) error {
	var req AnswerChatRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	r, err := h.requests.Accept(c.Request().Context(), c.Param("id"), req.UserID)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// Reject declines a request on behalf of its recipient.
func (h *ChatRequestHandler) Reject(c echo.Context) error {
	var req AnswerChatRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	r, err := h.requests.Reject(c.Request().Context(), c.Param("id"), req.UserID)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}
