// ABOUTME: Shared fixtures for session tests over an in-process gateway
// ABOUTME: Builds test environments and wraps connections and directories

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/assistant"
	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/realtime"
	"github.com/2389/chat-gateway/internal/store"
)

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

var errAckLost = errors.New("ack lost")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	store *store.MockStore
	hub   *realtime.Hub
	svc   *conversation.Service
}

func newEnv(t *testing.T, replier assistant.Replier) *env {
	t.Helper()
	s := store.NewMockStore()
	hub := realtime.NewHub(32, testLogger())
	svc := conversation.NewService(s, hub, replier, conversation.ServiceConfig{}, testLogger())
	t.Cleanup(svc.Close)
	return &env{store: s, hub: hub, svc: svc}
}

func (e *env) dialer(party string) DialerFunc {
	d := &realtime.LocalDialer{Hub: e.hub, Backend: e.svc, Party: party}
	return func(ctx context.Context) (Conn, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func (e *env) config(party string) Config {
	return Config{
		Party:           party,
		Dialer:          e.dialer(party),
		Directory:       ServiceDirectory{Service: e.svc},
		Logger:          testLogger(),
		MaxSendAttempts: 5,
		AttemptTimeout:  time.Second,
		MinBackoff:      5 * time.Millisecond,
		MaxBackoff:      20 * time.Millisecond,
	}
}

func start(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// openReady opens the conversation with peer and waits for the room join.
func openReady(t *testing.T, c *Controller, peer string) *Opened {
	t.Helper()
	opened, err := c.Open(context.Background(), peer)
	require.NoError(t, err)
	require.Eventually(t, c.Ready, waitFor, tick, "room join acknowledged")
	return opened
}

func waitReceipt(t *testing.T, r *Receipt) (*store.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return r.Wait(ctx)
}

func bodies(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.Body
	}
	return out
}

func countID(entries []Entry, id int64) int {
	n := 0
	for _, e := range entries {
		if e.Message.ID == id {
			n++
		}
	}
	return n
}

// ackLossConn performs the first Send but reports it as failed, as if
// the acknowledgement was lost on the way back.
type ackLossConn struct {
	Conn
	mu   sync.Mutex
	lost bool
}

func (c *ackLossConn) Send(ctx context.Context, msg *store.Message) (*store.Message, error) {
	stored, err := c.Conn.Send(ctx, msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && !c.lost {
		c.lost = true
		return nil, errAckLost
	}
	return stored, err
}

// gapDirectory stores a message from the peer right after the first
// Resolve, before the caller has joined the room.
type gapDirectory struct {
	Directory
	svc *conversation.Service

	mu     sync.Mutex
	missed *store.Message
}

func (d *gapDirectory) Resolve(ctx context.Context, self, peer string) (*store.Conversation, []*store.Message, error) {
	conv, history, err := d.Directory.Resolve(ctx, self, peer)
	if err != nil {
		return nil, nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.missed == nil {
		d.missed, err = d.svc.Send(ctx, &conversation.SendRequest{
			ConversationID: conv.ID, SenderID: peer, Body: "sent while joining",
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return conv, history, nil
}

func (d *gapDirectory) stored() *store.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.missed
}
