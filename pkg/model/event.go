package model

import "encoding/json"

type EventType string

// Inbound event types. Connect and Disconnect are raised by the gateway,
// never by clients.
const (
	EventConnect    EventType = "connect"
	EventJoin       EventType = "join"
	EventLeave      EventType = "leave"
	EventMessage    EventType = "message"
	EventTyping     EventType = "typing"
	EventDisconnect EventType = "disconnect"
)

// Outbound event types.
const (
	EventHistory    EventType = "history"
	EventUserJoined EventType = "user-joined"
	EventUserLeft   EventType = "user-left"
	EventError      EventType = "error"
)

// Inbound is the tagged event variant the dispatcher accepts. Only the
// fields relevant to Type are read.
type Inbound struct {
	Type     EventType `json:"type"`
	Room     string    `json:"room,omitempty"`
	Content  string    `json:"content,omitempty"`
	Sender   string    `json:"sender,omitempty"`
	IsTyping bool      `json:"isTyping,omitempty"`
}

// Outbound is a frame sent to a single connection.
type Outbound struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Envelope is the broadcast event carried on the bus. It is never persisted.
type Envelope struct {
	Room    string          `json:"room"`
	Type    EventType       `json:"eventType"`
	Payload json.RawMessage `json:"payload"`
	// Exclude is a connection id that must not receive the event.
	Exclude string `json:"exclude,omitempty"`
	// Origin identifies the publishing process.
	Origin string `json:"origin,omitempty"`
}

type HistoryPayload struct {
	Room     string    `json:"room"`
	Messages []Message `json:"messages"`
}

type PresencePayload struct {
	ConnectionID string `json:"connectionId"`
	Room         string `json:"room"`
	User         string `json:"user,omitempty"`
}

type TypingPayload struct {
	Room         string `json:"room"`
	ConnectionID string `json:"connectionId"`
	Sender       string `json:"sender,omitempty"`
	IsTyping     bool   `json:"isTyping"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Room    string `json:"room,omitempty"`
}

// NewEnvelope marshals payload into a bus envelope for room.
func NewEnvelope(room string, typ EventType, payload any, exclude string) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Room: room, Type: typ, Payload: raw, Exclude: exclude}, nil
}

// Outbound converts the envelope into the frame delivered to local sessions.
// The payload is forwarded as-is.
func (e Envelope) Outbound() Outbound {
	return Outbound{Type: e.Type, Data: e.Payload}
}
