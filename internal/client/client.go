// ABOUTME: Remote client for the chat-gateway HTTP API
// ABOUTME: Implements the session directory over REST and dials websocket connections

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/realtime"
	"github.com/2389/chat-gateway/internal/store"
)

// ErrUnauthorized is returned when the gateway rejects the credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Config configures a Client.
type Config struct {
	BaseURL string // e.g. http://localhost:8080
	// Token is a JWT for the party. Without it Party is claimed through
	// X-Party-ID, which only gateways in anonymous mode accept.
	Token      string
	Party      string
	HTTPClient *http.Client
	Logger     *slog.Logger

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration // no frame or ping for this long ends the connection
	IncomingBuffer   int
}

// Client talks to one gateway as one party.
type Client struct {
	base   *url.URL
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https: %q", cfg.BaseURL)
	}
	if cfg.Token == "" && strings.TrimSpace(cfg.Party) == "" {
		return nil, fmt.Errorf("a token or a party id is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 75 * time.Second
	}
	if cfg.IncomingBuffer <= 0 {
		cfg.IncomingBuffer = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		base:   base,
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With("component", "client"),
	}, nil
}

// Error is a failed API call. It unwraps to the conversation sentinel its
// code stands for, so errors.Is works across the network.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("gateway: %d %s", e.Status, e.Message)
	}
	return "gateway: " + e.Message
}

func (e *Error) Unwrap() error {
	if e.Code == realtime.CodeUnauthorized || e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return conversation.ErrorForCode(e.Code)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Conversation payloads; the gateway encodes the same shapes.
type openRequest struct {
	PeerID string `json:"peer_id"`
}

type openResponse struct {
	Conversation *realtime.WireConversation `json:"conversation"`
	History      []*realtime.WireMessage    `json:"history"`
	Created      bool                       `json:"created"`
}

type listResponse struct {
	Conversations []*realtime.WireConversation `json:"conversations"`
}

type messagesResponse struct {
	Messages []*realtime.WireMessage `json:"messages"`
}

type postRequest struct {
	Body     string `json:"body"`
	ClientID string `json:"client_id,omitempty"`
}

type messageResponse struct {
	Message *realtime.WireMessage `json:"message"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type conversationResponse struct {
	Conversation *realtime.WireConversation `json:"conversation"`
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		return
	}
	req.Header.Set("X-Party-ID", c.cfg.Party)
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return err
	}
	c.authorize(req)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			apiErr.Message = eb.Error
			apiErr.Code = eb.Code
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Open resolves or creates the conversation with peer.
func (c *Client) Open(ctx context.Context, peer string) (*store.Conversation, []*store.Message, error) {
	var out openResponse
	if err := c.do(ctx, http.MethodPost, "/api/conversations", nil, openRequest{PeerID: peer}, &out); err != nil {
		return nil, nil, err
	}
	if out.Conversation == nil {
		return nil, nil, fmt.Errorf("gateway returned no conversation")
	}
	return out.Conversation.ToStore(), realtime.StoreMessages(out.History), nil
}

// Resolve implements session.Directory. The gateway acts for the
// authenticated party, so self is not sent.
func (c *Client) Resolve(ctx context.Context, self, peer string) (*store.Conversation, []*store.Message, error) {
	return c.Open(ctx, peer)
}

// Conversations lists the caller's conversations, most recently active first.
func (c *Client) Conversations(ctx context.Context) ([]*store.Conversation, error) {
	var out listResponse
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	convs := make([]*store.Conversation, 0, len(out.Conversations))
	for _, w := range out.Conversations {
		convs = append(convs, w.ToStore())
	}
	return convs, nil
}

// Messages returns the most recent limit messages (all when limit <= 0).
func (c *Client) Messages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out messagesResponse
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", query, nil, &out); err != nil {
		return nil, err
	}
	return realtime.StoreMessages(out.Messages), nil
}

// History implements session.Directory.
func (c *Client) History(ctx context.Context, conversationID string) ([]*store.Message, error) {
	return c.Messages(ctx, conversationID, 0)
}

// Post sends a message over REST, for callers without a websocket.
func (c *Client) Post(ctx context.Context, conversationID, body, clientID string) (*store.Message, error) {
	var out messageResponse
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, nil, postRequest{Body: body, ClientID: clientID}, &out); err != nil {
		return nil, err
	}
	return out.Message.ToStore(), nil
}

// SetMode switches the response mode; only the operator may.
func (c *Client) SetMode(ctx context.Context, conversationID string, mode store.Mode) (*store.Conversation, error) {
	var out conversationResponse
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/mode"
	if err := c.do(ctx, http.MethodPut, path, nil, modeRequest{Mode: string(mode)}, &out); err != nil {
		return nil, err
	}
	return out.Conversation.ToStore(), nil
}
