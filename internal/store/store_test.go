// ABOUTME: Behavior tests run against every Store implementation
// ABOUTME: Covers pair lookup, mode updates, message ordering and limits

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eachStore runs fn against a fresh SQLiteStore and a fresh MockStore.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("mock", func(t *testing.T) {
		fn(t, NewMockStore())
	})
}

func newConversation(id, partyA, partyB string) *Conversation {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Conversation{
		ID:        id,
		PartyA:    partyA,
		PartyB:    partyB,
		Mode:      ModeHuman,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPairKey_OrderIndependent(t *testing.T) {
	assert.Equal(t, PairKey("u1", "b1"), PairKey("b1", "u1"))
	assert.Equal(t, "b1|u1", PairKey("u1", "b1"))
	assert.NotEqual(t, PairKey("u1", "b1"), PairKey("u1", "b2"))
}

func TestConversation_Roles(t *testing.T) {
	conv := newConversation("c1", "u1", "b1")

	assert.Equal(t, "b1", conv.Operator())
	assert.Equal(t, "u1", conv.Counterpart())
	assert.Equal(t, OriginOperator, conv.OriginOf("b1"))
	assert.Equal(t, OriginCounterpart, conv.OriginOf("u1"))
	assert.Equal(t, "u1", conv.Peer("b1"))
	assert.Equal(t, "", conv.Peer("x"))
	assert.True(t, conv.HasParty("u1"))
	assert.False(t, conv.HasParty(""))
}

func TestNextMessageID(t *testing.T) {
	now := time.UnixMilli(5000)

	assert.Equal(t, int64(5000), nextMessageID(0, now))
	assert.Equal(t, int64(5000), nextMessageID(4999, now))
	assert.Equal(t, int64(5001), nextMessageID(5000, now), "same millisecond must still increase")
	assert.Equal(t, int64(9001), nextMessageID(9000, now), "clock behind last id")
}

func TestStore_CreateAndLookupByPair(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := newConversation("c1", "u1", "b1")
		require.NoError(t, s.CreateConversation(ctx, conv))

		got, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.PartyA)
		assert.Equal(t, "b1", got.PartyB)
		assert.Equal(t, ModeHuman, got.Mode)
		assert.True(t, conv.CreatedAt.Equal(got.CreatedAt))

		forward, err := s.GetConversationByPair(ctx, "u1", "b1")
		require.NoError(t, err)
		reverse, err := s.GetConversationByPair(ctx, "b1", "u1")
		require.NoError(t, err)
		assert.Equal(t, "c1", forward.ID)
		assert.Equal(t, "c1", reverse.ID)
	})
}

func TestStore_DuplicatePair(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "u1", "b1")))

		err := s.CreateConversation(ctx, newConversation("c2", "b1", "u1"))
		assert.ErrorIs(t, err, ErrDuplicateConversation)

		_, err = s.GetConversation(ctx, "c2")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_NotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetConversation(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetConversationByPair(ctx, "a", "b")
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.UpdateConversationMode(ctx, "missing", ModeBot, time.Now())
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.AppendMessage(ctx, &Message{ConversationID: "missing", SenderID: "a", ReceiverID: "b", Body: "x", Origin: OriginCounterpart})
		assert.ErrorIs(t, err, ErrNotFound)

		msgs, err := s.ListMessages(ctx, "missing", 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestStore_UpdateConversationMode(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "u1", "b1")))

		later := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
		require.NoError(t, s.UpdateConversationMode(ctx, "c1", ModeBot, later))

		got, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, ModeBot, got.Mode)
		assert.True(t, later.Equal(got.UpdatedAt))
	})
}

func TestStore_AppendAndListMessages(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "u1", "b1")))

		var ids []int64
		for i := 0; i < 5; i++ {
			stored, err := s.AppendMessage(ctx, &Message{
				ConversationID: "c1",
				SenderID:       "u1",
				ReceiverID:     "b1",
				Body:           fmt.Sprintf("msg %d", i),
				Origin:         OriginCounterpart,
				ClientID:       fmt.Sprintf("client-%d", i),
			})
			require.NoError(t, err)
			assert.Equal(t, stored.ID, stored.SentAt.UnixMilli())
			ids = append(ids, stored.ID)
		}

		for i := 1; i < len(ids); i++ {
			assert.Greater(t, ids[i], ids[i-1], "ids must strictly increase")
		}

		all, err := s.ListMessages(ctx, "c1", 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, msg := range all {
			assert.Equal(t, ids[i], msg.ID)
			assert.Equal(t, fmt.Sprintf("msg %d", i), msg.Body)
			assert.Equal(t, fmt.Sprintf("client-%d", i), msg.ClientID)
			assert.Equal(t, OriginCounterpart, msg.Origin)
		}

		recent, err := s.ListMessages(ctx, "c1", 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "msg 3", recent[0].Body)
		assert.Equal(t, "msg 4", recent[1].Body)
	})
}

func TestStore_AppendTouchesConversation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		older := newConversation("c1", "u1", "b1")
		older.UpdatedAt = older.UpdatedAt.Add(-time.Hour)
		require.NoError(t, s.CreateConversation(ctx, older))
		other := newConversation("c2", "u2", "b1")
		other.UpdatedAt = other.UpdatedAt.Add(-30 * time.Minute)
		require.NoError(t, s.CreateConversation(ctx, other))

		_, err := s.AppendMessage(ctx, &Message{ConversationID: "c1", SenderID: "b1", ReceiverID: "u1", Body: "hi", Origin: OriginOperator})
		require.NoError(t, err)

		convs, err := s.ListConversationsByParty(ctx, "b1", 0)
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, "c1", convs[0].ID, "most recently active first")

		convs, err = s.ListConversationsByParty(ctx, "u2", 0)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "c2", convs[0].ID)
	})
}

func TestStore_ConcurrentAppendsUniqueIDs(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "u1", "b1")))

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AppendMessage(ctx, &Message{
					ConversationID: "c1",
					SenderID:       "u1",
					ReceiverID:     "b1",
					Body:           fmt.Sprintf("m%d", i),
					Origin:         OriginCounterpart,
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		msgs, err := s.ListMessages(ctx, "c1", 0)
		require.NoError(t, err)
		require.Len(t, msgs, n)
		seen := make(map[int64]bool)
		for i, msg := range msgs {
			assert.False(t, seen[msg.ID], "duplicate id %d", msg.ID)
			seen[msg.ID] = true
			if i > 0 {
				assert.Greater(t, msg.ID, msgs[i-1].ID)
			}
		}
	})
}

func TestMockStore_AppendErr(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "u1", "b1")))

	boom := errors.New("disk full")
	s.SetAppendErr(boom)
	_, err := s.AppendMessage(ctx, &Message{ConversationID: "c1", SenderID: "u1", ReceiverID: "b1", Body: "x", Origin: OriginCounterpart})
	assert.ErrorIs(t, err, boom)

	msgs, err := s.ListMessages(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "failed append must not store anything")

	s.SetAppendErr(nil)
	_, err = s.AppendMessage(ctx, &Message{ConversationID: "c1", SenderID: "u1", ReceiverID: "b1", Body: "x", Origin: OriginCounterpart})
	assert.NoError(t, err)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "u1", "b1")))

	stored, err := s.AppendMessage(ctx, &Message{ConversationID: "c1", SenderID: "u1", ReceiverID: "b1", Body: "original", Origin: OriginCounterpart})
	require.NoError(t, err)
	stored.Body = "mutated"

	msgs, err := s.ListMessages(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, "original", msgs[0].Body)

	got, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	got.Mode = ModeBot
	again, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ModeHuman, again.Mode)
}
