package websocket

import (
	"encoding/json"

	"github.com/nfrund/dmsync/internal/conversation"
)

// Frame types sent by clients.
const (
	FrameDraft  = "draft"
	FrameSend   = "send"
	FrameRead   = "read"
	FrameResync = "resync"
)

// Frame types sent by the server.
const (
	FrameState      = "state"
	FrameSendFailed = "send_failed"
	FrameError      = "error"
)

// ClientFrame is a message received from a client.
type ClientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// ServerFrame is a message pushed to a client.
type ServerFrame struct {
	Type  string              `json:"type"`
	State *conversation.State `json:"state,omitempty"`
	Draft string              `json:"draft,omitempty"`
	Error string              `json:"error,omitempty"`
}

func newStateFrame(state conversation.State) ServerFrame {
	return ServerFrame{Type: FrameState, State: &state}
}

func newSendFailedFrame(f conversation.SendFailure) ServerFrame {
	frame := ServerFrame{Type: FrameSendFailed, Draft: f.Draft}
	if f.Err != nil {
		frame.Error = f.Err.Error()
	}
	return frame
}

func newErrorFrame(msg string) ServerFrame {
	return ServerFrame{Type: FrameError, Error: msg}
}

func (f ServerFrame) encode() []byte {
	// ServerFrame holds only plain data; Marshal cannot fail.
	b, _ := json.Marshal(f)
	return b
}
