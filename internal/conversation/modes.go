// ABOUTME: Response-mode gate that forwards counterpart messages to the automated replier
// ABOUTME: Replies run asynchronously on bounded workers and failures never reach the chat

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/2389/chat-gateway/internal/assistant"
	"github.com/2389/chat-gateway/internal/store"
)

// Defaults for ModeConfig.
const (
	DefaultMaxConcurrentReplies = 4
	DefaultReplyTimeout         = 30 * time.Second
	DefaultReplyHistory         = 20
)

// ModeConfig bounds automated reply work.
type ModeConfig struct {
	MaxConcurrent int64         // replies generated at once
	Timeout       time.Duration // per reply, including waiting for a worker
	HistoryLimit  int           // earlier messages handed to the replier
}

// HistorySource supplies recent conversation history.
type HistorySource interface {
	History(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
}

// ReplyPoster stores and publishes an automated reply.
type ReplyPoster interface {
	PostReply(ctx context.Context, conv *store.Conversation, body string) (*store.Message, error)
}

// ModeController decides whether a message is answered automatically and
// runs the replier when it is.
type ModeController struct {
	replier assistant.Replier
	history HistorySource
	poster  ReplyPoster
	sem     *semaphore.Weighted
	cfg     ModeConfig
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

// NewModeController creates the gate. A nil replier disables forwarding.
func NewModeController(replier assistant.Replier, history HistorySource, poster ReplyPoster, cfg ModeConfig, logger *slog.Logger) *ModeController {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrentReplies
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultReplyTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultReplyHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ModeController{
		replier: replier,
		history: history,
		poster:  poster,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:     cfg,
		logger:  logger.With("component", "modes"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ShouldForward reports whether msg must be handed to the replier, given
// the conversation as read when msg was sent.
func (m *ModeController) ShouldForward(conv *store.Conversation, msg *store.Message) bool {
	return conv.Mode == store.ModeBot && msg.Origin == store.OriginCounterpart
}

// Forward generates and posts a reply to msg in the background. It returns
// false when no replier is configured or the controller is closed.
func (m *ModeController) Forward(conv *store.Conversation, msg *store.Message) bool {
	if m.replier == nil {
		m.logger.Debug("no replier configured, skipping", "conversation_id", conv.ID)
		return false
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.reply(conv, msg)
	}()
	return true
}

func (m *ModeController) reply(conv *store.Conversation, msg *store.Message) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.Timeout)
	defer cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.logger.Warn("no reply worker available", "conversation_id", conv.ID, "message_id", msg.ID, "error", err)
		return
	}
	defer m.sem.Release(1)

	history, err := m.history.History(ctx, conv.ID, m.cfg.HistoryLimit+1)
	if err != nil {
		m.logger.Warn("loading history for reply failed", "conversation_id", conv.ID, "error", err)
		history = nil
	}
	earlier := make([]*store.Message, 0, len(history))
	for _, h := range history {
		if h.ID < msg.ID {
			earlier = append(earlier, h)
		}
	}
	if len(earlier) > m.cfg.HistoryLimit {
		earlier = earlier[len(earlier)-m.cfg.HistoryLimit:]
	}

	start := time.Now()
	body, err := m.replier.Reply(ctx, &assistant.Request{
		Conversation: conv,
		Message:      msg,
		History:      earlier,
	})
	if err != nil {
		m.logger.Warn("automated reply failed",
			"conversation_id", conv.ID,
			"message_id", msg.ID,
			"error", err)
		return
	}
	if body == "" {
		m.logger.Debug("replier produced no reply", "conversation_id", conv.ID, "message_id", msg.ID)
		return
	}

	stored, err := m.poster.PostReply(ctx, conv, body)
	if err != nil {
		m.logger.Warn("posting automated reply failed", "conversation_id", conv.ID, "error", err)
		return
	}

	m.logger.Info("automated reply posted",
		"conversation_id", conv.ID,
		"in_reply_to", msg.ID,
		"message_id", stored.ID,
		"duration", time.Since(start))
}

// Wait blocks until in-flight replies finish.
func (m *ModeController) Wait() {
	m.wg.Wait()
}

// Close cancels in-flight replies and waits for them.
func (m *ModeController) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
