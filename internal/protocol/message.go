package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"roomchat/internal/expiry"
)

// Event types used by the websocket protocol.
const (
	// Client to server.
	TypeHandshake      = "handshake"
	TypeJoinRoom       = "join_room"
	TypeLeaveRoom      = "leave_room"
	TypeMessage        = "message"
	TypeMessageEdited  = "message_edited"
	TypeMessageDeleted = "message_deleted"
	TypeMessageReacted = "message_reacted"
	TypeTyping         = "typing"
	TypePing           = "ping"

	// Server to client. message, message_edited, message_deleted and
	// message_reacted are reused as broadcast names.
	TypeReady      = "ready"
	TypeRoomJoined = "room_joined"
	TypeRoomLeft   = "room_left"
	TypeUserTyping = "user_typing"
	TypePong       = "pong"
	TypeError      = "error"
)

// Event is the JSON envelope exchanged over websocket.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent encodes payload into an envelope of the given type.
func NewEvent(eventType string, payload any) (Event, error) {
	if payload == nil {
		return Event{Type: eventType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: raw}, nil
}

// Decode strictly unmarshals the payload into v. Unknown fields and trailing
// data are rejected.
func (e Event) Decode(v any) error {
	raw := e.Payload
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	if dec.More() {
		return fmt.Errorf("decode %s payload: trailing data", e.Type)
	}
	return nil
}

// Inbound payloads.

type HandshakePayload struct {
	Credential string `json:"credential"`
}

type JoinRoomPayload struct {
	RoomID   string `json:"room_id"`
	Password string `json:"password,omitempty"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"room_id"`
}

type SendMessagePayload struct {
	RoomID      string   `json:"room_id"`
	Content     string   `json:"content"`
	Type        string   `json:"type,omitempty"`
	Attachments []string `json:"attachments,omitempty"` // blob ids
}

type EditMessagePayload struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type DeleteMessagePayload struct {
	ID string `json:"id"`
}

type ReactPayload struct {
	ID    string `json:"id"`
	Emoji string `json:"emoji"`
}

type TypingPayload struct {
	RoomID string `json:"room_id"`
}

type PingPayload struct {
	TS int64 `json:"ts,omitempty"`
}

// Outbound payloads.

// ReadyPayload confirms a successful handshake.
type ReadyPayload struct {
	Self User `json:"self"`
}

type RoomPayload struct {
	RoomID string `json:"room_id"`
}

// DeletedPayload carries the room id so caches can evict without scanning.
type DeletedPayload struct {
	ID     string `json:"id"`
	RoomID string `json:"room_id"`
}

type UserTypingPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type PongPayload struct {
	TS int64 `json:"ts,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// User is the public view of an identity.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

// Message lifecycle states.
const (
	StateActive  = "active"
	StateEdited  = "edited"
	StateDeleted = "deleted"
	StateExpired = "expired"
)

// Message content types.
const (
	ContentText  = "text"
	ContentImage = "image"
	ContentFile  = "file"
)

// MessageRecord is the full message as broadcast and returned by history reads.
type MessageRecord struct {
	ID          string            `json:"id"`
	RoomID      string            `json:"room_id"`
	Sender      User              `json:"sender"`
	Content     string            `json:"content"`
	Type        string            `json:"type"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	State       string            `json:"state"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	EditHistory []Edit            `json:"edit_history,omitempty"`
	Reactions   map[string]string `json:"reactions,omitempty"` // identity id -> emoji
}

// Expired reports whether the record is past its expiry at now.
func (m MessageRecord) Expired(now time.Time) bool {
	return !expiry.Visible(m.ExpiresAt, now)
}

// Edit is one prior version of a message's content.
type Edit struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"edited_at"`
}

// Attachment references a stored blob.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}
