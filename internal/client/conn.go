// ABOUTME: Websocket connection to the gateway's realtime channel
// ABOUTME: Correlates request frames with replies by ref and streams live messages

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/chat-gateway/internal/realtime"
	"github.com/2389/chat-gateway/internal/session"
	"github.com/2389/chat-gateway/internal/store"
)

// ErrConnClosed is returned by Conn operations after the connection ended.
var ErrConnClosed = errors.New("connection closed")

func (c *Client) wsURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	query := url.Values{}
	if c.cfg.Token != "" {
		query.Set("token", c.cfg.Token)
	} else {
		query.Set("party", c.cfg.Party)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// Dial opens a websocket connection. It implements session.Dialer.
func (c *Client) Dial(ctx context.Context) (session.Conn, error) {
	return c.DialConn(ctx)
}

// DialConn opens a websocket connection.
func (c *Client) DialConn(ctx context.Context) (*Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = c.cfg.HandshakeTimeout

	ws, resp, err := dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dialing realtime channel: %w", err)
	}

	conn := &Conn{
		ws:           ws,
		writeTimeout: c.cfg.WriteTimeout,
		readTimeout:  c.cfg.ReadTimeout,
		pending:      make(map[string]chan *realtime.Frame),
		incoming:     make(chan *store.Message, c.cfg.IncomingBuffer),
		liveReady:    make(chan struct{}, 1),
		done:         make(chan struct{}),
		logger:       c.logger,
	}
	go conn.readLoop()
	go conn.pump()
	return conn, nil
}

// Conn is one websocket connection. It implements session.Conn.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration
	writeMu      sync.Mutex
	refs         atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan *realtime.Frame
	closed  bool

	// Live messages wait in live until pump hands them to incoming, so the
	// reader never blocks and replies are never stuck behind them.
	liveMu    sync.Mutex
	live      []*store.Message
	liveReady chan struct{}
	incoming  chan *store.Message
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func (c *Conn) readLoop() {
	defer c.finish()

	_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))

		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("ignoring malformed frame", "error", err)
			continue
		}
		c.dispatch(&f)
	}
}

func (c *Conn) dispatch(f *realtime.Frame) {
	if f.Type == realtime.FrameMessage {
		if f.Message == nil {
			return
		}
		c.enqueueLive(f.Message.ToStore())
		return
	}

	if f.Ref == "" {
		if f.Type == realtime.FrameError {
			c.logger.Warn("gateway error", "code", f.Code, "error", f.Error)
		}
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[f.Ref]
	delete(c.pending, f.Ref)
	c.mu.Unlock()
	if ok {
		ch <- f
	}
}

// maxBacklog bounds the live messages held for a consumer that stopped
// reading. Past it the connection is dropped; a reconnecting session
// recovers the rest from history.
const maxBacklog = 4096

func (c *Conn) enqueueLive(msg *store.Message) {
	c.liveMu.Lock()
	if len(c.live) >= maxBacklog {
		c.liveMu.Unlock()
		c.logger.Warn("live backlog full, dropping connection", "backlog", maxBacklog)
		_ = c.ws.Close()
		return
	}
	c.live = append(c.live, msg)
	c.liveMu.Unlock()

	select {
	case c.liveReady <- struct{}{}:
	default:
	}
}

// pump forwards live messages to incoming in arrival order and closes
// incoming once the connection ends.
func (c *Conn) pump() {
	defer close(c.incoming)
	for {
		c.liveMu.Lock()
		batch := c.live
		c.live = nil
		c.liveMu.Unlock()

		for _, msg := range batch {
			select {
			case c.incoming <- msg:
			case <-c.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-c.liveReady:
		case <-c.done:
			return
		}
	}
}

// finish runs once the reader exits: pending requests fail and pump stops,
// closing Incoming.
func (c *Conn) finish() {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	c.closed = true
	for ref, ch := range c.pending {
		close(ch)
		delete(c.pending, ref)
	}
	c.mu.Unlock()

	_ = c.ws.Close()
}

func (c *Conn) write(f *realtime.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(f)
}

// request sends f and waits for the reply carrying the same ref.
func (c *Conn) request(ctx context.Context, f *realtime.Frame) (*realtime.Frame, error) {
	f.Ref = strconv.FormatUint(c.refs.Add(1), 10)
	reply := make(chan *realtime.Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[f.Ref] = reply
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, f.Ref)
		c.mu.Unlock()
	}

	if err := c.write(f); err != nil {
		forget()
		return nil, fmt.Errorf("%w: %w", ErrConnClosed, err)
	}

	select {
	case got, ok := <-reply:
		if !ok {
			return nil, ErrConnClosed
		}
		if got.Type == realtime.FrameError {
			return nil, &Error{Code: got.Code, Message: got.Error}
		}
		return got, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// Join joins the room of conversationID and returns once acknowledged.
func (c *Conn) Join(ctx context.Context, conversationID string) error {
	got, err := c.request(ctx, &realtime.Frame{Type: realtime.FrameJoin, ConversationID: conversationID})
	if err != nil {
		return err
	}
	if got.Type != realtime.FrameJoined {
		return fmt.Errorf("unexpected reply %q to join", got.Type)
	}
	return nil
}

// Leave leaves the room of conversationID.
func (c *Conn) Leave(ctx context.Context, conversationID string) error {
	_, err := c.request(ctx, &realtime.Frame{Type: realtime.FrameLeave, ConversationID: conversationID})
	return err
}

// Send sends msg and returns the stored record from the acknowledgement.
// Only the conversation, receiver, body and client id are sent.
func (c *Conn) Send(ctx context.Context, msg *store.Message) (*store.Message, error) {
	got, err := c.request(ctx, &realtime.Frame{
		Type:           realtime.FrameSend,
		ConversationID: msg.ConversationID,
		Message: &realtime.WireMessage{
			ConversationID: msg.ConversationID,
			ReceiverID:     msg.ReceiverID,
			Body:           msg.Body,
			ClientID:       msg.ClientID,
		},
	})
	if err != nil {
		return nil, err
	}
	if got.Type != realtime.FrameAck || got.Message == nil {
		return nil, fmt.Errorf("unexpected reply %q to send", got.Type)
	}
	return got.Message.ToStore(), nil
}

// Incoming delivers live messages; it is closed when the connection ends.
func (c *Conn) Incoming() <-chan *store.Message {
	return c.incoming
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and ends the connection.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.writeTimeout))
	c.writeMu.Unlock()
	// Unblocks the reader; finish does the rest
	return c.ws.Close()
}

var _ session.Conn = (*Conn)(nil)
