// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persistence failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	pairIndex     map[string]string        // keyed by pair key -> conversation ID
	messages      map[string][]*Message    // keyed by conversation ID

	// AppendErr, when set, is returned by AppendMessage without storing anything.
	AppendErr error
	// CreateHook runs before CreateConversation inserts, outside the lock.
	CreateHook func()
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		pairIndex:     make(map[string]string),
		messages:      make(map[string][]*Message),
	}
}

// SetAppendErr sets the error returned by subsequent appends (nil clears it).
func (m *MockStore) SetAppendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendErr = err
}

// CreateConversation stores a new conversation, enforcing pair uniqueness.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if m.CreateHook != nil {
		m.CreateHook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := conv.PairKey()
	if _, exists := m.pairIndex[key]; exists {
		return ErrDuplicateConversation
	}

	// Make a copy to avoid external modification
	c := *conv
	m.conversations[c.ID] = &c
	m.pairIndex[key] = c.ID
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// GetConversationByPair retrieves a conversation by its unordered participant pair.
func (m *MockStore) GetConversationByPair(ctx context.Context, partyA, partyB string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pairIndex[PairKey(partyA, partyB)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.conversations[id]
	return &result, nil
}

// UpdateConversationMode changes the mode of an existing conversation.
func (m *MockStore) UpdateConversationMode(ctx context.Context, id string, mode Mode, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Mode = mode
	c.UpdatedAt = updatedAt
	return nil
}

// ListConversationsByParty returns conversations of party, most recently active first.
func (m *MockStore) ListConversationsByParty(ctx context.Context, party string, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, c := range m.conversations {
		if c.HasParty(party) {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	limit = clampLimit(limit)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// AppendMessage stores a copy of msg with the next id for its conversation.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return nil, m.AppendErr
	}

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}

	var lastID int64
	if msgs := m.messages[msg.ConversationID]; len(msgs) > 0 {
		lastID = msgs[len(msgs)-1].ID
	}

	stored := msg.Clone()
	stored.ID = nextMessageID(lastID, time.Now())
	stored.SentAt = time.UnixMilli(stored.ID).UTC()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], stored)
	conv.UpdatedAt = stored.SentAt

	return stored.Clone(), nil
}

// ListMessages returns copies of the stored messages, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		result[i] = msg.Clone()
	}
	return result, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
