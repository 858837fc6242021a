// ABOUTME: Conversation directory resolving an unordered participant pair to one conversation
// ABOUTME: Creates on first contact and converges concurrent creation through the pair uniqueness constraint

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/chat-gateway/internal/store"
)

// Resolution is the result of opening a conversation.
type Resolution struct {
	Conversation *store.Conversation
	History      []*store.Message
	Created      bool // true if this call created the conversation
}

// Directory owns conversation records and their response mode.
type Directory struct {
	store  store.Store
	logger *slog.Logger
}

// NewDirectory creates a directory over s. Pass nil logger for default.
func NewDirectory(s store.Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:  s,
		logger: logger.With("component", "directory"),
	}
}

// ResolveOrCreate returns the conversation between partyA and partyB with its
// full history, creating it in human mode on first contact. On a new
// conversation partyB is recorded as the operator.
func (d *Directory) ResolveOrCreate(ctx context.Context, partyA, partyB string) (*Resolution, error) {
	partyA = strings.TrimSpace(partyA)
	partyB = strings.TrimSpace(partyB)
	if partyA == "" || partyB == "" || partyA == partyB {
		return nil, ErrInvalidParticipants
	}

	conv, created, err := d.ensureConversation(ctx, partyA, partyB)
	if err != nil {
		return nil, err
	}

	history, err := d.store.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	return &Resolution{Conversation: conv, History: history, Created: created}, nil
}

func (d *Directory) ensureConversation(ctx context.Context, partyA, partyB string) (*store.Conversation, bool, error) {
	conv, err := d.store.GetConversationByPair(ctx, partyA, partyB)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up conversation: %w", err)
	}

	now := time.Now().UTC()
	conv = &store.Conversation{
		ID:        uuid.New().String(),
		PartyA:    partyA,
		PartyB:    partyB,
		Mode:      store.ModeHuman,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.CreateConversation(ctx, conv); err != nil {
		// Both parties made first contact at once; the unique pair key picked a winner
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := d.store.GetConversationByPair(ctx, partyA, partyB)
			if lookupErr == nil {
				d.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
				return existing, false, nil
			}
			d.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
			return nil, false, fmt.Errorf("looking up conversation after conflict: %w", lookupErr)
		}
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}

	d.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"counterpart", partyA,
		"operator", partyB)
	return conv, true, nil
}

// Get returns the conversation with id.
func (d *Directory) Get(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := d.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	return conv, nil
}

// SetMode changes the response mode. Setting the current mode is a no-op.
func (d *Directory) SetMode(ctx context.Context, id string, mode store.Mode) error {
	if !mode.Valid() {
		return ErrInvalidMode
	}

	conv, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if conv.Mode == mode {
		return nil
	}

	err = d.store.UpdateConversationMode(ctx, id, mode, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("updating mode: %w", err)
	}

	d.logger.Info("mode changed", "conversation_id", id, "from", conv.Mode, "to", mode)
	return nil
}

// ListForParty returns the conversations of party, most recently active first.
func (d *Directory) ListForParty(ctx context.Context, party string, limit int) ([]*store.Conversation, error) {
	if strings.TrimSpace(party) == "" {
		return nil, ErrInvalidParticipants
	}
	convs, err := d.store.ListConversationsByParty(ctx, party, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return convs, nil
}

// History returns the most recent limit messages of a conversation, oldest
// first. limit <= 0 returns all.
func (d *Directory) History(ctx context.Context, id string, limit int) ([]*store.Message, error) {
	msgs, err := d.store.ListMessages(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

// Authorize returns ErrNotParticipant unless party belongs to conv.
func Authorize(conv *store.Conversation, party string) error {
	if !conv.HasParty(party) {
		return ErrNotParticipant
	}
	return nil
}
