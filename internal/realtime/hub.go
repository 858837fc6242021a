// ABOUTME: Room-based fan-out hub for live message delivery
// ABOUTME: Groups members into rooms keyed by conversation id, at most one room per member

package realtime

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/chat-gateway/internal/store"
)

// DefaultSendBuffer is the per-member queue length used when none is configured.
const DefaultSendBuffer = 64

// Member is one live connection of a party.
type Member struct {
	ID    string
	Party string

	send     chan *store.Message
	done     chan struct{}
	room     string // guarded by Hub.mu
	detached bool   // guarded by Hub.mu
}

// Messages returns the member's delivery queue. It is closed when the
// member is detached.
func (m *Member) Messages() <-chan *store.Message {
	return m.send
}

// Done is closed when the member is detached.
func (m *Member) Done() <-chan struct{} {
	return m.done
}

// Hub routes published messages to the members joined to a conversation room.
// Delivery is non-blocking: a member whose queue is full misses the live copy
// and recovers it from history.
type Hub struct {
	mu      sync.RWMutex
	members map[string]*Member            // member ID -> member
	rooms   map[string]map[string]*Member // conversation ID -> member ID -> member
	buffer  int
	logger  *slog.Logger
}

// NewHub creates a hub. bufferSize <= 0 uses DefaultSendBuffer. Pass nil logger for default.
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultSendBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		members: make(map[string]*Member),
		rooms:   make(map[string]map[string]*Member),
		buffer:  bufferSize,
		logger:  logger.With("component", "hub"),
	}
}

// Attach registers a new member for party. The member starts in no room.
func (h *Hub) Attach(party string) *Member {
	m := &Member{
		ID:    uuid.New().String(),
		Party: party,
		send:  make(chan *store.Message, h.buffer),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.members[m.ID] = m
	h.mu.Unlock()

	h.logger.Debug("member attached", "member_id", m.ID, "party", party)
	return m
}

// Join moves m into the room of conversationID, leaving its previous room.
// It returns false if m was already in that room or is detached.
func (h *Hub) Join(m *Member, conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if m.detached || m.room == conversationID {
		return false
	}
	if m.room != "" {
		h.removeLocked(m)
	}

	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[string]*Member)
		h.rooms[conversationID] = room
	}
	room[m.ID] = m
	m.room = conversationID

	h.logger.Debug("member joined", "member_id", m.ID, "party", m.Party, "conversation_id", conversationID)
	return true
}

// Leave removes m from the room of conversationID. It returns false if m
// was not in that room.
func (h *Hub) Leave(m *Member, conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if m.room == "" || m.room != conversationID {
		return false
	}
	h.removeLocked(m)

	h.logger.Debug("member left", "member_id", m.ID, "conversation_id", conversationID)
	return true
}

// RoomOf returns the conversation id m is joined to, or "".
func (h *Hub) RoomOf(m *Member) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return m.room
}

// removeLocked must be called with mu held.
func (h *Hub) removeLocked(m *Member) {
	if room, ok := h.rooms[m.room]; ok {
		delete(room, m.ID)
		if len(room) == 0 {
			delete(h.rooms, m.room)
		}
	}
	m.room = ""
}

// Publish delivers msg to every member in the room of conversationID and
// returns how many members received it. msg is shared by all receivers and
// must not be modified afterwards. The read lock is held while sending so
// Detach cannot close a queue mid-send.
func (h *Hub) Publish(conversationID string, msg *store.Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, m := range h.rooms[conversationID] {
		select {
		case m.send <- msg:
			delivered++
		default:
			h.logger.Warn("dropped message for slow member",
				"member_id", m.ID,
				"party", m.Party,
				"conversation_id", conversationID,
				"message_id", msg.ID)
		}
	}
	return delivered
}

// Detach removes m from its room and the hub and closes its queue.
// It is safe to call more than once.
func (h *Hub) Detach(m *Member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if m.detached {
		return
	}
	if m.room != "" {
		h.removeLocked(m)
	}
	delete(h.members, m.ID)
	m.detached = true
	close(m.send)
	close(m.done)

	h.logger.Debug("member detached", "member_id", m.ID, "party", m.Party)
}

// Disconnect detaches the member with memberID. It returns false for an unknown id.
func (h *Hub) Disconnect(memberID string) bool {
	h.mu.RLock()
	m, ok := h.members[memberID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	h.Detach(m)
	return true
}

// DisconnectParty detaches every member of party and returns how many were detached.
func (h *Hub) DisconnectParty(party string) int {
	h.mu.RLock()
	var targets []*Member
	for _, m := range h.members {
		if m.Party == party {
			targets = append(targets, m)
		}
	}
	h.mu.RUnlock()

	for _, m := range targets {
		h.Detach(m)
	}
	return len(targets)
}

// Room returns the number of members joined to conversationID.
func (h *Hub) Room(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Stats reports the number of attached members and non-empty rooms.
func (h *Hub) Stats() (members, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members), len(h.rooms)
}

// Close detaches every member.
func (h *Hub) Close() {
	h.mu.RLock()
	targets := make([]*Member, 0, len(h.members))
	for _, m := range h.members {
		targets = append(targets, m)
	}
	h.mu.RUnlock()

	for _, m := range targets {
		h.Detach(m)
	}
	h.logger.Debug("hub closed")
}
