// ABOUTME: Transport and directory contracts the session controller runs on
// ABOUTME: Implemented in-process by the realtime package and remotely by the client package

package session

import (
	"context"

	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/store"
)

// Conn is one live connection to the realtime channel.
type Conn interface {
	// Join returns once the server acknowledged membership of the room.
	Join(ctx context.Context, conversationID string) error
	Leave(ctx context.Context, conversationID string) error
	// Send returns the stored message once the server acknowledged it.
	Send(ctx context.Context, msg *store.Message) (*store.Message, error)
	// Incoming delivers live messages and is closed when the connection ends.
	Incoming() <-chan *store.Message
	// Done is closed when the connection ends.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Directory resolves conversations and loads their history.
type Directory interface {
	Resolve(ctx context.Context, self, peer string) (*store.Conversation, []*store.Message, error)
	History(ctx context.Context, conversationID string) ([]*store.Message, error)
}

// ServiceDirectory adapts an in-process conversation service to Directory.
type ServiceDirectory struct {
	Service *conversation.Service
}

// Resolve implements Directory. self opens the conversation, so on first
// contact peer becomes the operator.
func (d ServiceDirectory) Resolve(ctx context.Context, self, peer string) (*store.Conversation, []*store.Message, error) {
	res, err := d.Service.Open(ctx, self, peer)
	if err != nil {
		return nil, nil, err
	}
	return res.Conversation, res.History, nil
}

// History implements Directory.
func (d ServiceDirectory) History(ctx context.Context, conversationID string) ([]*store.Message, error) {
	return d.Service.History(ctx, conversationID, 0)
}
