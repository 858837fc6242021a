// ABOUTME: Consumer API of the conversation engine
// ABOUTME: Every message is persisted before it is published, then passed through the response-mode gate

package conversation

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/chat-gateway/internal/assistant"
	"github.com/2389/chat-gateway/internal/dedupe"
	"github.com/2389/chat-gateway/internal/realtime"
	"github.com/2389/chat-gateway/internal/store"
)

// Defaults for ServiceConfig.
const (
	DefaultRetryWindow = 10 * time.Minute
	retryWindowSize    = 10000
)

// ServiceConfig tunes the service.
type ServiceConfig struct {
	Modes ModeConfig
	// RetryWindow is how long a client_id is remembered so a retried send
	// returns the already stored message instead of storing it twice.
	RetryWindow time.Duration
}

// Service persists, publishes and gates messages, and exposes the
// conversation operations to transports and embedded consumers.
type Service struct {
	dir    *Directory
	store  store.Store
	hub    *realtime.Hub
	modes  *ModeController
	sent   *dedupe.Cache[*store.Message]
	sendMu sync.Mutex // serializes the client_id check with the append
	md     goldmark.Markdown
	logger *slog.Logger
}

// NewService wires the directory, hub and mode gate together. A nil
// replier disables automated replies. Pass nil logger for default.
func NewService(s store.Store, hub *realtime.Hub, replier assistant.Replier, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = DefaultRetryWindow
	}

	svc := &Service{
		dir:    NewDirectory(s, logger),
		store:  s,
		hub:    hub,
		sent:   dedupe.New[*store.Message](cfg.RetryWindow, retryWindowSize),
		md:     goldmark.New(),
		logger: logger.With("component", "conversation"),
	}
	svc.modes = NewModeController(replier, svc.dir, svc, cfg.Modes, logger)
	return svc
}

// Directory returns the conversation directory.
func (s *Service) Directory() *Directory {
	return s.dir
}

// Hub returns the realtime hub messages are published to.
func (s *Service) Hub() *realtime.Hub {
	return s.hub
}

// Open resolves or creates the conversation between partyA and partyB and
// returns it with its history.
func (s *Service) Open(ctx context.Context, partyA, partyB string) (*Resolution, error) {
	return s.dir.ResolveOrCreate(ctx, partyA, partyB)
}

// Get returns a conversation.
func (s *Service) Get(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return s.dir.Get(ctx, conversationID)
}

// Conversations lists the conversations of party, most recently active first.
func (s *Service) Conversations(ctx context.Context, party string, limit int) ([]*store.Conversation, error) {
	return s.dir.ListForParty(ctx, party, limit)
}

// History returns stored messages of a conversation, oldest first.
func (s *Service) History(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	return s.dir.History(ctx, conversationID, limit)
}

// SendRequest is an outgoing message from one participant.
type SendRequest struct {
	ConversationID string
	SenderID       string
	ReceiverID     string // optional; must be the sender's peer when set
	Body           string
	ClientID       string // optional correlation id for retries and echo matching
}

// Send stores the message and then publishes it to the conversation room.
// When the conversation is in bot mode and the sender is the counterpart,
// the message is also forwarded to the automated replier. A store failure
// returns ErrPersistenceFailure and nothing is published.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*store.Message, error) {
	if strings.TrimSpace(req.Body) == "" {
		return nil, ErrEmptyMessage
	}

	// Read at send time: the mode that applies is the one current now
	conv, err := s.dir.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(conv, req.SenderID); err != nil {
		return nil, err
	}
	peer := conv.Peer(req.SenderID)
	if req.ReceiverID != "" && req.ReceiverID != peer {
		return nil, ErrInvalidParticipants
	}

	stored, duplicate, err := s.appendOnce(ctx, &store.Message{
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		ReceiverID:     peer,
		Body:           req.Body,
		Origin:         conv.OriginOf(req.SenderID),
		ClientID:       req.ClientID,
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		s.logger.Debug("retried send already stored",
			"conversation_id", conv.ID,
			"client_id", req.ClientID,
			"message_id", stored.ID)
		return stored, nil
	}

	delivered := s.hub.Publish(conv.ID, stored)
	s.logger.Debug("message sent",
		"conversation_id", conv.ID,
		"message_id", stored.ID,
		"origin", stored.Origin,
		"delivered", delivered)

	if s.modes.ShouldForward(conv, stored) {
		s.modes.Forward(conv, stored)
	}
	return stored.Clone(), nil
}

// appendOnce appends msg unless a message with the same sender and client
// id was stored within the retry window, in which case that one is returned.
func (s *Service) appendOnce(ctx context.Context, msg *store.Message) (*store.Message, bool, error) {
	if msg.ClientID == "" {
		stored, err := s.append(ctx, msg)
		return stored, false, err
	}

	key := msg.ConversationID + "|" + msg.SenderID + "|" + msg.ClientID
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if prior, ok := s.sent.Get(key); ok {
		return prior.Clone(), true, nil
	}
	stored, err := s.append(ctx, msg)
	if err != nil {
		return nil, false, err
	}
	s.sent.Put(key, stored)
	return stored, false, nil
}

func (s *Service) append(ctx context.Context, msg *store.Message) (*store.Message, error) {
	stored, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		s.logger.Error("failed to store message",
			"error", err,
			"conversation_id", msg.ConversationID,
			"sender", msg.SenderID)
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	return stored, nil
}

// PostReply stores and publishes an automated reply sent on the operator's
// behalf. Replies are never forwarded to the replier again.
func (s *Service) PostReply(ctx context.Context, conv *store.Conversation, body string) (*store.Message, error) {
	stored, err := s.append(ctx, &store.Message{
		ConversationID: conv.ID,
		SenderID:       conv.Operator(),
		ReceiverID:     conv.Counterpart(),
		Body:           body,
		Origin:         store.OriginAssistant,
	})
	if err != nil {
		return nil, err
	}
	s.hub.Publish(conv.ID, stored)
	return stored.Clone(), nil
}

// SetMode switches the response mode of a conversation. Stored messages are
// untouched; only messages sent afterwards are affected.
func (s *Service) SetMode(ctx context.Context, conversationID string, mode store.Mode) error {
	return s.dir.SetMode(ctx, conversationID, mode)
}

// SetModeAs switches the mode on behalf of party, which must be the operator.
func (s *Service) SetModeAs(ctx context.Context, party, conversationID string, mode store.Mode) error {
	if !mode.Valid() {
		return ErrInvalidMode
	}
	conv, err := s.dir.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := Authorize(conv, party); err != nil {
		return err
	}
	if conv.Operator() != party {
		return ErrNotOperator
	}
	return s.dir.SetMode(ctx, conversationID, mode)
}

// CanJoin authorizes party to join the room of conversationID.
func (s *Service) CanJoin(ctx context.Context, party, conversationID string) error {
	conv, err := s.dir.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	return Authorize(conv, party)
}

// Post sends a message arriving from a realtime transport.
func (s *Service) Post(ctx context.Context, msg *store.Message) (*store.Message, error) {
	return s.Send(ctx, &SendRequest{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Body:           msg.Body,
		ClientID:       msg.ClientID,
	})
}

// Subscribe streams live messages of a conversation to an embedded consumer
// acting as party. The returned cancel func (or cancelling ctx) ends the
// subscription and closes the channel.
func (s *Service) Subscribe(ctx context.Context, party, conversationID string) (<-chan *store.Message, func(), error) {
	if err := s.CanJoin(ctx, party, conversationID); err != nil {
		return nil, nil, err
	}

	member := s.hub.Attach(party)
	s.hub.Join(member, conversationID)

	var once sync.Once
	cancel := func() {
		once.Do(func() { s.hub.Detach(member) })
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-member.Done():
		}
	}()
	return member.Messages(), cancel, nil
}

var transcriptTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Conversation {{.Conversation.ID}}</title>
</head>
<body>
<h1>{{.Conversation.Counterpart}} and {{.Conversation.Operator}}</h1>
<p class="mode">Mode: {{.Conversation.Mode}}</p>
<ol class="messages">
{{- range .Entries}}
<li class="message origin-{{.Origin}}" id="m{{.ID}}">
<header><strong>{{.Sender}}</strong> <time datetime="{{.SentAt}}">{{.SentAt}}</time></header>
<div class="body">{{.Body}}</div>
</li>
{{- end}}
</ol>
</body>
</html>
`))

type transcriptEntry struct {
	ID     int64
	Sender string
	Origin store.Origin
	SentAt string
	Body   template.HTML
}

// Transcript renders the full conversation as an HTML page. Message bodies
// are rendered as Markdown; raw HTML in bodies is omitted.
func (s *Service) Transcript(ctx context.Context, conversationID string) ([]byte, error) {
	conv, err := s.dir.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.dir.History(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}

	entries := make([]transcriptEntry, 0, len(msgs))
	for _, msg := range msgs {
		var body bytes.Buffer
		if err := s.md.Convert([]byte(msg.Body), &body); err != nil {
			s.logger.Error("failed to convert markdown", "error", err, "message_id", msg.ID)
			body.Reset()
			body.WriteString(template.HTMLEscapeString(msg.Body))
		}
		sender := msg.SenderID
		if msg.Origin == store.OriginAssistant {
			sender += " (assistant)"
		}
		entries = append(entries, transcriptEntry{
			ID:     msg.ID,
			Sender: sender,
			Origin: msg.Origin,
			SentAt: msg.SentAt.UTC().Format(time.RFC3339),
			Body:   template.HTML(body.String()),
		})
	}

	var out bytes.Buffer
	if err := transcriptTemplate.Execute(&out, struct {
		Conversation *store.Conversation
		Entries      []transcriptEntry
	}{conv, entries}); err != nil {
		return nil, fmt.Errorf("rendering transcript: %w", err)
	}
	return out.Bytes(), nil
}

// WaitReplies blocks until in-flight automated replies finish.
func (s *Service) WaitReplies() {
	s.modes.Wait()
}

// Close stops automated replies and releases the retry window.
func (s *Service) Close() {
	s.modes.Close()
	s.sent.Close()
}

var _ realtime.Backend = (*Service)(nil)
