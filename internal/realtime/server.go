// ABOUTME: Websocket endpoint that bridges connections to the hub
// ABOUTME: One reader and one writer goroutine per connection with ping/pong keepalive

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/chat-gateway/internal/store"
)

// Defaults for HandlerConfig.
const (
	DefaultPingInterval    = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMaxMessageBytes = 64 << 10
	outboxSize             = 16
)

// Backend authorizes joins and persists inbound messages. Post must store
// the message and publish it to the hub before returning.
type Backend interface {
	CanJoin(ctx context.Context, party, conversationID string) error
	Post(ctx context.Context, msg *store.Message) (*store.Message, error)
}

// PartyFunc extracts the authenticated party of an upgrade request.
type PartyFunc func(r *http.Request) (string, error)

// HandlerConfig tunes the websocket endpoint.
type HandlerConfig struct {
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	// AllowedOrigins lists accepted Origin headers; "*" accepts any origin
	// and an empty list accepts only same-host requests.
	AllowedOrigins []string
	// ErrorCode maps a backend error to an error frame code.
	ErrorCode func(error) string
	Logger    *slog.Logger
}

// Handler upgrades HTTP requests to realtime websocket connections.
type Handler struct {
	hub      *Hub
	backend  Backend
	identify PartyFunc
	upgrader websocket.Upgrader
	cfg      HandlerConfig
	logger   *slog.Logger
}

// NewHandler creates the websocket endpoint.
func NewHandler(hub *Hub, backend Backend, identify PartyFunc, cfg HandlerConfig) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.ErrorCode == nil {
		cfg.ErrorCode = func(error) string { return CodeInternal }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		hub:      hub,
		backend:  backend,
		identify: identify,
		cfg:      cfg,
		logger:   logger.With("component", "websocket"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.cfg.AllowedOrigins) == 0 {
		return strings.Contains(origin, "://"+r.Host)
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates the request, upgrades it and serves the connection
// until either side closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	party, err := h.identify(r)
	if err != nil || party == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response
		h.logger.Debug("websocket upgrade failed", "error", err, "party", party)
		return
	}

	c := &wsConn{
		h:      h,
		ws:     ws,
		member: h.hub.Attach(party),
		out:    make(chan *Frame, outboxSize),
		closed: make(chan struct{}),
		logger: h.logger.With("party", party),
	}
	c.serve()
}

// wsConn is one upgraded connection. Only writeLoop writes to ws.
type wsConn struct {
	h      *Handler
	ws     *websocket.Conn
	member *Member
	out    chan *Frame

	closed    chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func (c *wsConn) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.logger.Info("websocket connected", "member_id", c.member.ID)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.readLoop(ctx)

	c.shutdown()
	c.h.hub.Detach(c.member)
	wg.Wait()
	_ = c.ws.Close()

	c.logger.Info("websocket disconnected", "member_id", c.member.ID)
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *wsConn) readLoop(ctx context.Context) {
	pongWait := c.h.cfg.PingInterval + c.h.cfg.WriteTimeout
	c.ws.SetReadLimit(c.h.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.reply(&Frame{Type: FrameError, Code: CodeInvalidFrame, Error: "malformed frame"})
			continue
		}
		c.handle(ctx, &f)
	}
}

func (c *wsConn) handle(ctx context.Context, f *Frame) {
	party := c.member.Party

	switch f.Type {
	case FrameJoin:
		if f.ConversationID == "" {
			c.replyError(f.Ref, CodeInvalidFrame, "conversation_id is required")
			return
		}
		if err := c.h.backend.CanJoin(ctx, party, f.ConversationID); err != nil {
			c.replyErr(f.Ref, err)
			return
		}
		c.h.hub.Join(c.member, f.ConversationID)
		c.reply(&Frame{Type: FrameJoined, Ref: f.Ref, ConversationID: f.ConversationID})

	case FrameLeave:
		c.h.hub.Leave(c.member, f.ConversationID)
		c.reply(&Frame{Type: FrameLeft, Ref: f.Ref, ConversationID: f.ConversationID})

	case FrameSend:
		if f.Message == nil {
			c.replyError(f.Ref, CodeInvalidFrame, "message is required")
			return
		}
		draft := f.Message.ToStore()
		// Identity comes from the connection, never from the frame
		draft.SenderID = party
		draft.ID = 0
		draft.Origin = ""
		if draft.ConversationID == "" {
			draft.ConversationID = c.h.hub.RoomOf(c.member)
		}

		stored, err := c.h.backend.Post(ctx, draft)
		if err != nil {
			c.replyErr(f.Ref, err)
			return
		}
		c.reply(&Frame{Type: FrameAck, Ref: f.Ref, ConversationID: stored.ConversationID, Message: ToWire(stored)})

	default:
		c.replyError(f.Ref, CodeInvalidFrame, "unknown frame type")
	}
}

func (c *wsConn) replyErr(ref string, err error) {
	code := c.h.cfg.ErrorCode(err)
	msg := err.Error()
	if code == CodeInternal {
		c.logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	c.replyError(ref, code, msg)
}

func (c *wsConn) replyError(ref, code, msg string) {
	c.reply(&Frame{Type: FrameError, Ref: ref, Code: code, Error: msg})
}

// reply queues f for the writer, giving up once the connection is closing.
func (c *wsConn) reply(f *Frame) {
	select {
	case c.out <- f:
	case <-c.closed:
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
		// Unblocks readLoop when the writer fails first
		_ = c.ws.Close()
	}()

	messages := c.member.Messages()
	for {
		select {
		case f := <-c.out:
			if err := c.write(f); err != nil {
				return
			}

		case msg, ok := <-messages:
			if !ok {
				// Detached by the hub
				deadline := time.Now().Add(c.h.cfg.WriteTimeout)
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "disconnected"), deadline)
				return
			}
			if err := c.write(&Frame{Type: FrameMessage, ConversationID: msg.ConversationID, Message: ToWire(msg)}); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) write(f *Frame) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteTimeout))
	if err := c.ws.WriteJSON(f); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("websocket write failed", "error", err, "frame", f.Type)
		}
		return err
	}
	return nil
}
