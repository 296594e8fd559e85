package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Frame types.
const (
	FrameWelcome      = "welcome"
	FrameJoinRoom     = "join_room"
	FrameRoomJoined   = "room_joined"
	FrameError        = "error"
	FrameReplyMessage = "reply_message"
)

// TimestampLayout renders times as ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const welcomeMessage = "Welcome to the move-car real-time reply service"

// FormatTimestamp formats t with TimestampLayout in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// WelcomeFrame is sent to a connection right after it joins a channel.
type WelcomeFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RoomID    string `json:"roomId"`
	Timestamp string `json:"timestamp"`
}

// RoomJoinedFrame acknowledges a join_room handshake.
type RoomJoinedFrame struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// ErrorFrame reports a malformed inbound message to its sender.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ReplyMessageFrame carries an accepted push to every member of a channel.
type ReplyMessageFrame struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Message    string `json:"message"`
	SenderName string `json:"senderName"`
	SenderRole string `json:"senderRole,omitempty"`
	Timestamp  string `json:"timestamp"`
	RecordID   string `json:"recordId,omitempty"`
}

func NewWelcome(roomID string, now time.Time) WelcomeFrame {
	return WelcomeFrame{
		Type:      FrameWelcome,
		Message:   welcomeMessage,
		RoomID:    roomID,
		Timestamp: FormatTimestamp(now),
	}
}

func NewRoomJoined(roomID string) RoomJoinedFrame {
	return RoomJoinedFrame{
		Type:    FrameRoomJoined,
		RoomID:  roomID,
		Message: fmt.Sprintf("Joined session room: %s", roomID),
	}
}

func NewFormatError() ErrorFrame {
	return ErrorFrame{Type: FrameError, Message: ErrFormat.Error()}
}

// NewReplyMessage builds the broadcast frame for env. The envelope timestamp
// is kept verbatim when present, otherwise now is used.
func NewReplyMessage(env PushEnvelope, id string, now time.Time) ReplyMessageFrame {
	ts := env.Timestamp
	if ts == "" {
		ts = FormatTimestamp(now)
	}
	return ReplyMessageFrame{
		Type:       FrameReplyMessage,
		ID:         id,
		Message:    env.Message,
		SenderName: env.SenderName,
		SenderRole: env.SenderRole,
		Timestamp:  ts,
		RecordID:   env.RecordID,
	}
}

// InboundKind enumerates the connection-originated frames the relay knows.
type InboundKind int

const (
	InboundUnknown InboundKind = iota
	InboundJoinRoom
)

func (k InboundKind) String() string {
	switch k {
	case InboundJoinRoom:
		return FrameJoinRoom
	default:
		return "unknown"
	}
}

// Inbound is a decoded connection-originated frame.
type Inbound struct {
	Kind InboundKind
	// Type is the raw type tag, kept for logging unknown frames.
	Type string
}

// ParseInbound decodes raw into one of the known inbound kinds. Input that
// is not a JSON object fails with ErrFormat.
func ParseInbound(raw []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Inbound{}, ErrFormat
	}

	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	// A non-string type tag is tolerated and treated as unknown.
	var typ string
	if len(head.Type) > 0 {
		_ = json.Unmarshal(head.Type, &typ)
	}

	switch typ {
	case FrameJoinRoom:
		return Inbound{Kind: InboundJoinRoom, Type: typ}, nil
	default:
		return Inbound{Kind: InboundUnknown, Type: typ}, nil
	}
}
