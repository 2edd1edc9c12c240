package ws

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Frame types exchanged over the wire. Frames are a tagged sum over Type;
// the dispatcher switches on it.
const (
	TypeWelcome     = "welcome"
	TypeHistory     = "history"
	TypePresence    = "presence"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeChat        = "chat"
	TypeChatMessage = "chat_message"
	TypeTyping      = "typing"
	TypeSystem      = "system"
	TypeStreamStart = "stream_start"
	TypeStream      = "stream"
	TypeStreamEnd   = "stream_end"
	TypeError       = "error"
)

// Close codes and reasons. 1006 is observed on peer loss, never sent.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseUnsupportedData = websocket.CloseUnsupportedData
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseInternalError   = websocket.CloseInternalServerErr
)

const (
	ReasonMissingClientID = "Missing client_id"
	ReasonMissingToken    = "Missing token"
	ReasonInvalidToken    = "Invalid token"
	ReasonTokenExpired    = "Token has expired"
	ReasonConnLimit       = "Connection limit exceeded"
	ReasonDuplicateClient = "Client ID already in use"
)

// Frame is the JSON envelope of every message. Content is a string for chat
// and control frames and an object for stream deltas.
type Frame struct {
	Type      string         `json:"type"`
	Content   any            `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	SenderID  string         `json:"sender_id,omitempty"`
}

// ContentString returns the content as a string when it is one.
func (f *Frame) ContentString() (string, bool) {
	s, ok := f.Content.(string)
	return s, ok
}

// StreamDelta is the content of a stream chunk frame.
type StreamDelta struct {
	ContentBlockDelta TextDelta `json:"content_block_delta"`
}

type TextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func newMessageID() string {
	return uuid.NewString()
}

// NewFrame builds a frame of the given type with a fresh id and timestamp.
func NewFrame(frameType string) Frame {
	return Frame{
		Type:      frameType,
		MessageID: newMessageID(),
		Timestamp: nowStamp(),
	}
}

// WelcomeFrame is the first frame of every connection.
func WelcomeFrame(clientID, userID string) Frame {
	f := NewFrame(TypeWelcome)
	f.ClientID = clientID
	f.UserID = userID
	return f
}

func PongFrame() Frame {
	return NewFrame(TypePong)
}

func PingFrame() Frame {
	return NewFrame(TypePing)
}

// ErrorFrame reports a recoverable fault without closing the socket.
func ErrorFrame(reason, errorType string) Frame {
	f := NewFrame(TypeError)
	f.Content = reason
	if errorType != "" {
		f.Metadata = map[string]any{"error_type": errorType}
	}
	return f
}

// PresenceFrame announces a connection status change for a user.
func PresenceFrame(clientID, userID, status string) Frame {
	f := NewFrame(TypePresence)
	f.Content = ""
	f.Metadata = map[string]any{
		"client_id": clientID,
		"user_id":   userID,
		"status":    status,
	}
	return f
}

// StreamChunkFrame wraps one text chunk as a content-block delta.
func StreamChunkFrame(text string, metadata map[string]any) Frame {
	f := NewFrame(TypeStream)
	f.Content = StreamDelta{
		ContentBlockDelta: TextDelta{Type: "text", Text: text},
	}
	f.Metadata = metadata
	return f
}

// isHistoryType reports whether a frame belongs in the replayable message
// history. Control traffic (welcome, ping, presence, stream frames, errors)
// stays out so reconnect replay only carries chat content.
func isHistoryType(frameType string) bool {
	return frameType == TypeChat || frameType == TypeChatMessage
}
