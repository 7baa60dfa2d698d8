// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin          = "join"
	TypeLeaveRoom     = "leave_room"
	TypeMessage       = "message"
	TypeEditMessage   = "edit_message"
	TypeDeleteMessage = "delete_message"
	TypeTypingStart   = "typing_start"
	TypeTypingStop    = "typing_stop"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeWelcome        = "welcome"
	TypeJoined         = "joined"
	TypeRoster         = "roster"
	TypeTyping         = "typing"
	TypeMessageEdited  = "message_edited"
	TypeMessageDeleted = "message_deleted"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeValidation      = "validation_error"
	CodeNotJoined       = "not_joined"
	CodeNotFound        = "not_found"
	CodeForbidden       = "forbidden"
	CodeAuthFailed      = "auth_failed"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg is sent by the client to enter a room under a display name. Token is
// an optional session credential issued by the auth collaborator; when present
// the verified claims override the claimed name.
type JoinMsg struct {
	Type  string `json:"type"`
	Room  string `json:"room"`
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
}

// LeaveRoomMsg is sent by the client to leave its current room without
// closing the connection.
type LeaveRoomMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a text message sent by the client to its current room.
type ChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EditMessageMsg requests an in-place edit of a previously sent message.
// Only the original sender may edit.
type EditMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// DeleteMessageMsg requests deletion of a previously sent message. Only the
// original sender may delete.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// TypingStartMsg signals that the client started composing a message in its
// current room.
type TypingStartMsg struct {
	Type string `json:"type"`
}

// TypingStopMsg signals that the client stopped composing.
type TypingStopMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// WelcomeMsg is sent by the server when a new connection is established.
type WelcomeMsg struct {
	Type   string `json:"type"`
	ConnID string `json:"conn_id"`
}

// HistoryEntry is one replayed message inside a JoinedMsg snapshot.
type HistoryEntry struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	Text     string `json:"text"`
	Kind     string `json:"kind"`
	Ts       int64  `json:"ts"`
	Edited   bool   `json:"edited,omitempty"`
	EditedTs int64  `json:"edited_ts,omitempty"`
}

// JoinedMsg confirms a join and carries the room's recent history in
// chronological order (oldest first).
type JoinedMsg struct {
	Type    string         `json:"type"`
	Room    string         `json:"room"`
	History []HistoryEntry `json:"history"`
}

// ServerChatMsg is a message broadcast to every member of a room.
type ServerChatMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Room string `json:"room"`
	From string `json:"from"`
	Text string `json:"text"`
	Kind string `json:"kind"`
	Ts   int64  `json:"ts"`
}

// MessageEditedMsg announces an in-place edit of an existing message.
type MessageEditedMsg struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Room     string `json:"room"`
	Text     string `json:"text"`
	EditedTs int64  `json:"edited_ts"`
}

// MessageDeletedMsg announces removal of an existing message.
type MessageDeletedMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Room string `json:"room"`
}

// RosterMsg is a full snapshot of the identities currently in a room. It is
// never a delta; clients replace their member list wholesale.
type RosterMsg struct {
	Type  string   `json:"type"`
	Room  string   `json:"room"`
	Users []string `json:"users"`
}

// TypingRosterMsg is a full snapshot of the identities currently typing in a
// room.
type TypingRosterMsg struct {
	Type  string   `json:"type"`
	Room  string   `json:"room"`
	Users []string `json:"users"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition. Errors
// are non-fatal; the connection remains open.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEditMessage:
		var m EditMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
