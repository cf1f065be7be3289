package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/nfrund/dmsync/internal/conversation"
	"github.com/nfrund/dmsync/internal/domain"
	"golang.org/x/time/rate"
)

const writeWait = 10 * time.Second

// Client is one WebSocket connection bound to one conversation session.
type Client struct {
	ID             string
	UserID         string
	ConversationID string

	conn    *websocket.Conn
	session *conversation.Session
	limiter *rate.Limiter
	logger  *slog.Logger

	// send carries error frames produced outside the session.
	send chan []byte
	mu   sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
	done    chan struct{}
}

// SendMessage queues a frame unless the client is closing or its buffer is full.
func (c *Client) SendMessage(msg []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.send == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("Client send channel full, dropping message")
	}
}

// Close closes the send channel. Later SendMessage calls are ignored.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.send != nil {
		close(c.send)
		c.send = nil
	}
}

// Done is closed once the connection has been fully torn down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// readPump dispatches client frames until the connection ends, then tears
// the session down.
func (c *Client) readPump(onExit func(*Client)) {
	defer func() {
		c.cancel()
		if err := c.session.Close(); err != nil {
			c.logger.Warn("Session close reported errors", "error", err)
		}
		c.pending.Wait()
		c.Close()
		c.conn.Close(websocket.StatusNormalClosure, "Client disconnected")
		onExit(c)
		close(c.done)
	}()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				c.logger.Info("WebSocket closed normally by client")
			case errors.Is(err, io.EOF) || errors.Is(err, context.Canceled):
				// local shutdown or a dropped socket
			default:
				c.logger.Debug("WebSocket read ended", "error", err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	if !c.limiter.Allow() {
		c.SendMessage(newErrorFrame("rate limited").encode())
		return
	}

	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.SendMessage(newErrorFrame("invalid frame").encode())
		return
	}

	switch frame.Type {
	case FrameDraft:
		c.session.DraftChanged(frame.Content)
	case FrameSend:
		// Rollbacks reach the client through the session's failure channel.
		c.async(func() {
			if _, err := c.session.SendMessage(c.ctx, frame.Content); errors.Is(err, domain.ErrEmptyContent) {
				c.SendMessage(newErrorFrame(err.Error()).encode())
			}
		})
	case FrameRead:
		c.async(func() {
			if err := c.session.MarkVisibleAsRead(c.ctx); err != nil {
				c.logger.Warn("Mark as read failed", "error", err)
			}
		})
	case FrameResync:
		c.async(func() {
			if err := c.session.Resync(c.ctx); err != nil {
				c.SendMessage(newErrorFrame("resync failed").encode())
				c.logger.Warn("Resync failed", "error", err)
			}
		})
	default:
		c.SendMessage(newErrorFrame("unknown frame type").encode())
	}
}

// async runs a network-bound session call off the read loop so further
// frames, such as draft changes, are handled while it is outstanding.
func (c *Client) async(fn func()) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		fn()
	}()
}

// writePump pushes session state, send failures and queued frames to the
// connection until the client context ends.
func (c *Client) writePump() {
	c.mu.RLock()
	send := c.send
	c.mu.RUnlock()
	updates, failures := c.session.Updates(), c.session.Failures()

	for {
		var frame []byte
		select {
		case <-c.ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			frame = newStateFrame(c.session.State()).encode()
		case f, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			frame = newSendFailedFrame(f).encode()
		case msg, ok := <-send:
			if !ok {
				send = nil
				continue
			}
			frame = msg
		}

		ctx, cancel := context.WithTimeout(c.ctx, writeWait)
		err := c.conn.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			c.logger.Debug("WebSocket write failed", "error", err)
			c.cancel()
			return
		}
	}
}
