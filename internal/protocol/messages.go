package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the discriminated wire message exchanged with connections.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	TypeConnection     = "connection"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeChat           = "chat"
	TypeSession        = "session"
	TypeEmotion        = "emotion"
	TypeVisemeTimeline = "visemeTimeline"
	TypeJoinRoom       = "join_room"
	TypeLeaveRoom      = "leave_room"
	TypeRoomJoined     = "room_joined"
	TypeRoomLeft       = "room_left"
	TypeBroadcast      = "broadcast"
	TypeHeartbeat      = "heartbeat"
	TypeError          = "error"
)

const (
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeUnknownType       = "UNKNOWN_MESSAGE_TYPE"
	CodeProcessingError   = "MESSAGE_PROCESSING_ERROR"
)

// NewEnvelope marshals data into an envelope of the given type. A nil data
// value produces an empty object.
func NewEnvelope(typ string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Type: typ, Data: json.RawMessage(`{}`)}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Data: raw}, nil
}

// Decode unmarshals the payload into v. Missing data decodes as an empty object.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return json.Unmarshal([]byte(`{}`), v)
	}
	return json.Unmarshal(e.Data, v)
}

// Millis converts t to the millisecond timestamps carried on the wire.
func Millis(t time.Time) int64 { return t.UnixMilli() }

type ConnectionData struct {
	ClientID  string `json:"clientId"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type ChatData struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

type SessionData struct {
	Action    string          `json:"action"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type EmotionData struct {
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
}

// VisemeSegment is one timed mouth shape. Start and End are seconds from the
// beginning of the utterance.
type VisemeSegment struct {
	Phoneme string  `json:"phoneme"`
	Viseme  string  `json:"viseme"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Weight  float64 `json:"weight"`
}

type VisemeTimelineData struct {
	Timeline  []VisemeSegment `json:"timeline"`
	Timestamp int64           `json:"timestamp"`
}

type RoomData struct {
	RoomID string `json:"roomId"`
}

type BroadcastData struct {
	Message    json.RawMessage `json:"message"`
	TargetRoom string          `json:"targetRoom,omitempty"`
	From       string          `json:"from,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

type HeartbeatData struct {
	Timestamp         int64 `json:"timestamp"`
	ActiveConnections int   `json:"activeConnections"`
}

type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
