// ABOUTME: JSON frame protocol spoken over the realtime websocket
// ABOUTME: Converts between wire frames and stored messages

package realtime

import (
	"time"

	"github.com/2389/chat-gateway/internal/store"
)

// FrameType identifies a websocket frame.
type FrameType string

// Client to server frames.
const (
	FrameJoin  FrameType = "join"
	FrameLeave FrameType = "leave"
	FrameSend  FrameType = "send"
)

// Server to client frames.
const (
	FrameJoined  FrameType = "joined"
	FrameLeft    FrameType = "left"
	FrameAck     FrameType = "ack"
	FrameMessage FrameType = "message"
	FrameError   FrameType = "error"
)

// Error codes carried by error frames.
const (
	CodeInvalidFrame        = "invalid_frame"
	CodeInvalidMessage      = "invalid_message"
	CodeInvalidParticipants = "invalid_participants"
	CodeInvalidMode         = "invalid_mode"
	CodeEmptyMessage        = "empty_message"
	CodeNotParticipant      = "not_participant"
	CodeNotFound            = "not_found"
	CodeNotOperator         = "not_operator"
	CodePersistenceFailure  = "persistence_failure"
	CodeUnauthorized        = "unauthorized"
	CodeInternal            = "internal"
)

// Frame is the envelope of every websocket message. Ref correlates a
// request frame with its reply.
type Frame struct {
	Type           FrameType    `json:"type"`
	Ref            string       `json:"ref,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Message        *WireMessage `json:"message,omitempty"`
	Code           string       `json:"code,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// WireMessage is the JSON form of a message. Server-assigned fields are
// empty on send frames.
type WireMessage struct {
	ID             int64  `json:"id,omitempty"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id,omitempty"`
	ReceiverID     string `json:"receiver_id,omitempty"`
	Body           string `json:"body"`
	SentAt         string `json:"sent_at,omitempty"`
	Origin         string `json:"origin,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
}

// ToWire converts a stored message to its wire form.
func ToWire(msg *store.Message) *WireMessage {
	if msg == nil {
		return nil
	}
	w := &WireMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Body:           msg.Body,
		Origin:         string(msg.Origin),
		ClientID:       msg.ClientID,
	}
	if !msg.SentAt.IsZero() {
		w.SentAt = msg.SentAt.UTC().Format(time.RFC3339Nano)
	}
	return w
}

// ToStore converts the wire form back to a message. An unparsable sent_at
// is derived from the id.
func (w *WireMessage) ToStore() *store.Message {
	if w == nil {
		return nil
	}
	msg := &store.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		ReceiverID:     w.ReceiverID,
		Body:           w.Body,
		Origin:         store.Origin(w.Origin),
		ClientID:       w.ClientID,
	}
	if t, err := time.Parse(time.RFC3339Nano, w.SentAt); err == nil {
		msg.SentAt = t
	} else if w.ID > 0 {
		msg.SentAt = time.UnixMilli(w.ID).UTC()
	}
	return msg
}

// WireConversation is the JSON form of a conversation.
type WireConversation struct {
	ID          string `json:"id"`
	PartyA      string `json:"party_a"`
	PartyB      string `json:"party_b"`
	Operator    string `json:"operator"`
	Counterpart string `json:"counterpart"`
	Mode        string `json:"mode"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// ToWireConversation converts a conversation to its wire form.
func ToWireConversation(conv *store.Conversation) *WireConversation {
	if conv == nil {
		return nil
	}
	return &WireConversation{
		ID:          conv.ID,
		PartyA:      conv.PartyA,
		PartyB:      conv.PartyB,
		Operator:    conv.Operator(),
		Counterpart: conv.Counterpart(),
		Mode:        string(conv.Mode),
		CreatedAt:   conv.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   conv.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ToStore converts the wire form back to a conversation.
func (w *WireConversation) ToStore() *store.Conversation {
	if w == nil {
		return nil
	}
	conv := &store.Conversation{
		ID:     w.ID,
		PartyA: w.PartyA,
		PartyB: w.PartyB,
		Mode:   store.Mode(w.Mode),
	}
	conv.CreatedAt, _ = time.Parse(time.RFC3339Nano, w.CreatedAt)
	conv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, w.UpdatedAt)
	return conv
}

// WireMessages converts stored messages to their wire form.
func WireMessages(msgs []*store.Message) []*WireMessage {
	out := make([]*WireMessage, len(msgs))
	for i, m := range msgs {
		out[i] = ToWire(m)
	}
	return out
}

// StoreMessages converts wire messages back to messages.
func StoreMessages(msgs []*WireMessage) []*store.Message {
	out := make([]*store.Message, 0, len(msgs))
	for _, m := range msgs {
		if m != nil {
			out = append(out, m.ToStore())
		}
	}
	return out
}
