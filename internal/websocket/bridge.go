// Package websocket connects browser clients to conversation sessions. Each
// connection owns exactly one session: client frames drive it and every state
// change is pushed back as a JSON frame.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/nfrund/dmsync/internal/conversation"
	"github.com/nfrund/dmsync/internal/domain"
	"github.com/nfrund/dmsync/internal/middleware"
	"golang.org/x/time/rate"
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithSessionOptions adds options to every session the bridge opens.
func WithSessionOptions(opts ...conversation.Option) Option {
	return func(b *Bridge) { b.sessionOpts = append(b.sessionOpts, opts...) }
}

// WithFrameRate limits inbound frames per connection.
func WithFrameRate(perSecond float64, burst int) Option {
	return func(b *Bridge) {
		b.frameRate = rate.Limit(perSecond)
		b.frameBurst = burst
	}
}

// WithOriginPatterns restricts accepted origins. Without it any origin is accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Bridge) {
		b.acceptOpts = &websocket.AcceptOptions{OriginPatterns: patterns}
	}
}

// Bridge upgrades HTTP requests to WebSocket connections and hosts one
// conversation session per connection.
type Bridge struct {
	store     conversation.MessageStore
	feed      conversation.ChangeFeed
	presence  conversation.PresenceChannel
	directory conversation.Directory

	sessionOpts []conversation.Option
	frameRate   rate.Limit
	frameBurst  int
	acceptOpts  *websocket.AcceptOptions

	clients *ClientManager
}

// NewBridge creates a bridge over the given session dependencies.
func NewBridge(store conversation.MessageStore, feed conversation.ChangeFeed, presence conversation.PresenceChannel, directory conversation.Directory, opts ...Option) *Bridge {
	b := &Bridge{
		store:      store,
		feed:       feed,
		presence:   presence,
		directory:  directory,
		frameRate:  20,
		frameBurst: 40,
		acceptOpts: &websocket.AcceptOptions{InsecureSkipVerify: true},
		clients:    NewClientManager(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Handler serves GET /ws/conversations/:id?user_id=..&peer_id=.. . The user
// must be a participant; peer_id is optional and must name the other one.
func (b *Bridge) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		conversationID := c.Param("id")
		userID := c.QueryParam("user_id")
		if userID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
		}

		conv, err := b.directory.Get(c.Request().Context(), conversationID)
		if errors.Is(err, domain.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		if err != nil {
			return err
		}
		if !conv.Has(userID) {
			return echo.NewHTTPError(http.StatusForbidden, "not a participant")
		}
		peerID := conv.Participants[0]
		if peerID == userID {
			peerID = conv.Participants[1]
		}
		if p := c.QueryParam("peer_id"); p != "" && p != peerID {
			return echo.NewHTTPError(http.StatusBadRequest, "peer_id does not match the conversation")
		}

		clientID := uuid.NewString()
		logger := middleware.FromContext(c.Request().Context()).With(
			"component", "websocket",
			"client_id", clientID,
			"conversation_id", conversationID,
			"user_id", userID,
		)

		opts := append([]conversation.Option{conversation.WithLogger(logger)}, b.sessionOpts...)
		session, err := conversation.NewSession(conversation.Config{
			ConversationID: conversationID,
			LocalID:        userID,
			RemoteID:       peerID,
		}, b.store, b.feed, b.presence, opts...)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		// The client outlives the request, so its context is detached.
		ctx, cancel := context.WithCancel(context.Background())
		if err := session.Open(ctx); err != nil {
			cancel()
			_ = session.Close()
			logger.Error("Failed to open conversation session", "error", err)
			return echo.NewHTTPError(http.StatusServiceUnavailable, "conversation unavailable")
		}

		conn, err := websocket.Accept(c.Response(), c.Request(), b.acceptOpts)
		if err != nil {
			cancel()
			_ = session.Close()
			logger.Error("Failed to upgrade connection to WebSocket", "error", err)
			return nil
		}

		client := &Client{
			ID:             clientID,
			UserID:         userID,
			ConversationID: conversationID,
			conn:           conn,
			session:        session,
			limiter:        rate.NewLimiter(b.frameRate, b.frameBurst),
			logger:         logger,
			send:           make(chan []byte, 16),
			ctx:            ctx,
			cancel:         cancel,
			done:           make(chan struct{}),
		}
		b.clients.Add(client)
		logger.Info("Client connected")

		go client.writePump()
		go client.readPump(func(cl *Client) {
			b.clients.Remove(cl.ID)
			logger.Info("Client disconnected")
		})
		return nil
	}
}

// Count returns the number of connected clients.
func (b *Bridge) Count() int {
	return b.clients.Count()
}

// Shutdown disconnects every client and waits until their sessions are closed.
func (b *Bridge) Shutdown(ctx context.Context) error {
	clients := b.clients.GetAll()
	for _, client := range clients {
		client.cancel()
	}
	for _, client := range clients {
		select {
		case <-client.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	slog.Info("WebSocket bridge shut down", "clients", len(clients))
	return nil
}
