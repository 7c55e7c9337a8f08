package protocol

import (
	"encoding/json"
	"time"
)

// SessionEvent carries an envelope addressed to a logical session across the bus.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Envelope  Envelope  `json:"envelope"`
	Origin    string    `json:"origin,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessage is an inbound chat message published for the reply pipeline.
type ChatMessage struct {
	NodeID       string    `json:"node_id"`
	ConnectionID string    `json:"connection_id"`
	SessionID    string    `json:"session_id"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

// SessionAction is an inbound session control message.
type SessionAction struct {
	NodeID       string          `json:"node_id"`
	ConnectionID string          `json:"connection_id"`
	SessionID    string          `json:"session_id"`
	Action       string          `json:"action"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

const (
	SubjectAvatarEvent   = "avatar.event"
	SubjectDeliverPrefix = "router.deliver"
	SubjectChat          = "router.chat"
	SubjectSession       = "router.session"
	SubjectNodeAnnounce  = "ctrl.node.announce"
	SubjectNodeHeartbeat = "ctrl.node.heartbeat"
)

// DeliverSubject is the subject a router node listens on for forwarded envelopes.
func DeliverSubject(nodeID string) string {
	return SubjectDeliverPrefix + "." + nodeID
}

// TTSRequest asks the synthesis service to speak text for a session. The
// resulting viseme timeline is published as an avatar event.
type TTSRequest struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Voice     string    `json:"voice,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const SubjectTTSRequest = "tts.request"
