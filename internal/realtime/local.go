// ABOUTME: In-process transport with the same semantics as the websocket endpoint
// ABOUTME: Lets sessions run against a hub without a network, for embedding and tests

package realtime

import (
	"context"
	"errors"

	"github.com/2389/chat-gateway/internal/store"
)

// ErrConnClosed is returned by LocalConn operations after the connection closed.
var ErrConnClosed = errors.New("connection closed")

// LocalDialer opens in-process connections for one party.
type LocalDialer struct {
	Hub     *Hub
	Backend Backend
	Party   string
}

// Dial attaches a new hub member for the dialer's party.
func (d *LocalDialer) Dial(ctx context.Context) (*LocalConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &LocalConn{
		hub:     d.Hub,
		backend: d.Backend,
		member:  d.Hub.Attach(d.Party),
	}, nil
}

// LocalConn is an in-process connection backed by a hub member.
type LocalConn struct {
	hub     *Hub
	backend Backend
	member  *Member
}

// MemberID returns the hub member id, usable with Hub.Disconnect.
func (c *LocalConn) MemberID() string {
	return c.member.ID
}

func (c *LocalConn) isClosed() bool {
	select {
	case <-c.member.Done():
		return true
	default:
		return false
	}
}

// Join authorizes and joins the room of conversationID.
func (c *LocalConn) Join(ctx context.Context, conversationID string) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	if err := c.backend.CanJoin(ctx, c.member.Party, conversationID); err != nil {
		return err
	}
	c.hub.Join(c.member, conversationID)
	if c.isClosed() {
		return ErrConnClosed
	}
	return nil
}

// Leave leaves the room of conversationID.
func (c *LocalConn) Leave(ctx context.Context, conversationID string) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	c.hub.Leave(c.member, conversationID)
	return nil
}

// Send posts msg as the connection's party and returns the stored record.
func (c *LocalConn) Send(ctx context.Context, msg *store.Message) (*store.Message, error) {
	if c.isClosed() {
		return nil, ErrConnClosed
	}
	draft := msg.Clone()
	draft.SenderID = c.member.Party
	draft.ID = 0
	draft.Origin = ""
	return c.backend.Post(ctx, draft)
}

// Incoming returns live messages for the joined room. It is closed with the connection.
func (c *LocalConn) Incoming() <-chan *store.Message {
	return c.member.Messages()
}

// Done is closed when the connection closes.
func (c *LocalConn) Done() <-chan struct{} {
	return c.member.Done()
}

// Close detaches the member, leaving its room.
func (c *LocalConn) Close() error {
	c.hub.Detach(c.member)
	return nil
}
