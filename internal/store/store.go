// ABOUTME: Store interfaces and data types for chat-gateway persistence
// ABOUTME: Defines Conversation, Message and the directory/message store contracts

package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation already exists for a participant pair
var ErrDuplicateConversation = errors.New("conversation already exists")

// Mode is the response mode of a conversation.
type Mode string

const (
	ModeHuman Mode = "human" // messages are only delivered to connected parties
	ModeBot   Mode = "bot"   // counterpart messages are also forwarded to the assistant
)

// Valid reports whether m is a known response mode.
func (m Mode) Valid() bool {
	return m == ModeHuman || m == ModeBot
}

// Origin tags who produced a message.
type Origin string

const (
	OriginOperator    Origin = "operator"
	OriginCounterpart Origin = "counterpart"
	OriginAssistant   Origin = "assistant" // automated reply sent on the operator's behalf
)

// Conversation is the durable record pairing two participants.
// PartyA is the counterpart that made first contact, PartyB is the operator.
type Conversation struct {
	ID        string
	PartyA    string
	PartyB    string
	Mode      Mode
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PairKey returns the order-independent key of the participant pair.
func (c *Conversation) PairKey() string {
	return PairKey(c.PartyA, c.PartyB)
}

// Operator returns the operator side of the conversation.
func (c *Conversation) Operator() string {
	return c.PartyB
}

// Counterpart returns the counterpart side of the conversation.
func (c *Conversation) Counterpart() string {
	return c.PartyA
}

// HasParty reports whether party is one of the two participants.
func (c *Conversation) HasParty(party string) bool {
	return party != "" && (party == c.PartyA || party == c.PartyB)
}

// Peer returns the other participant, or "" if party is not a participant.
func (c *Conversation) Peer(party string) string {
	switch party {
	case c.PartyA:
		return c.PartyB
	case c.PartyB:
		return c.PartyA
	}
	return ""
}

// Clone returns a copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// OriginOf derives the origin tag of a message sent by sender.
func (c *Conversation) OriginOf(sender string) Origin {
	if sender == c.Operator() {
		return OriginOperator
	}
	return OriginCounterpart
}

// PairKey builds the canonical key for an unordered pair of participants.
// Uses | as delimiter since it's not valid in participant identifiers.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// Message is a single immutable entry in a conversation's log.
type Message struct {
	ID             int64 // millisecond-derived, strictly increasing within a conversation
	ConversationID string
	SenderID       string
	ReceiverID     string
	Body           string
	SentAt         time.Time
	Origin         Origin
	ClientID       string // client correlation id, empty for server-originated messages
}

// Clone returns a copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// ConversationStore persists conversations. CreateConversation must enforce
// pair uniqueness and return ErrDuplicateConversation on conflict.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByPair(ctx context.Context, partyA, partyB string) (*Conversation, error)
	UpdateConversationMode(ctx context.Context, id string, mode Mode, updatedAt time.Time) error
	ListConversationsByParty(ctx context.Context, party string, limit int) ([]*Conversation, error)
}

// MessageStore is the durable, ordered log of messages per conversation.
type MessageStore interface {
	// AppendMessage assigns ID and SentAt and returns the stored record.
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)
	// ListMessages returns messages oldest first. limit <= 0 returns all.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
}

// Store combines both persistence contracts.
type Store interface {
	ConversationStore
	MessageStore

	// Close releases any resources held by the store
	Close() error
}

// nextMessageID returns the id for a message appended after lastID at now.
func nextMessageID(lastID int64, now time.Time) int64 {
	id := now.UnixMilli()
	if id <= lastID {
		id = lastID + 1
	}
	return id
}

// clampLimit normalizes list limits the same way across backends.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
