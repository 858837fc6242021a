// ABOUTME: Automated-reply collaborator used when a conversation is in bot mode
// ABOUTME: Defines the Replier contract and builds a provider from configuration

package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/chat-gateway/internal/store"
)

// Provider names accepted in configuration.
const (
	ProviderNone      = "none"
	ProviderCanned    = "canned"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// defaultMaxTokens caps generated replies when not configured.
const defaultMaxTokens = 512

// ErrUnknownProvider is returned by New for an unrecognized provider name.
var ErrUnknownProvider = errors.New("unknown assistant provider")

// Request carries what a provider needs to answer a counterpart message.
type Request struct {
	Conversation *store.Conversation
	Message      *store.Message   // the counterpart message being answered
	History      []*store.Message // earlier messages, oldest first, excluding Message
}

// Replier produces an automated reply on the operator's behalf.
// An empty reply with a nil error means no reply should be posted.
type Replier interface {
	Reply(ctx context.Context, req *Request) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider     string
	Model        string
	APIKey       string
	BaseURL      string
	SystemPrompt string
	CannedReply  string
	MaxTokens    int64
}

// New builds the configured Replier. It returns (nil, nil) for the "none"
// provider, which disables automated replies.
func New(cfg Config, logger *slog.Logger) (Replier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	switch strings.ToLower(cfg.Provider) {
	case "", ProviderNone:
		return nil, nil
	case ProviderCanned:
		return NewCanned(cfg.CannedReply), nil
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an api key")
		}
		return NewAnthropic(cfg, logger), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an api key")
		}
		return NewOpenAI(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// Role of a turn in the prompt sent to a chat model.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prompt message. Consecutive messages from the same side are
// merged so roles strictly alternate.
type Turn struct {
	Role Role
	Text string
}

// Turns converts the conversation into alternating prompt turns ending with
// the counterpart message. Counterpart messages become user turns; operator
// and assistant messages become assistant turns. Leading assistant turns are
// dropped because chat models expect the user to speak first.
func Turns(req *Request) []Turn {
	var turns []Turn
	add := func(role Role, text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		if len(turns) == 0 && role == RoleAssistant {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Text += "\n\n" + text
			return
		}
		turns = append(turns, Turn{Role: role, Text: text})
	}

	for _, msg := range req.History {
		add(roleOf(msg), msg.Body)
	}
	if req.Message != nil {
		add(RoleUser, req.Message.Body)
	}
	return turns
}

func roleOf(msg *store.Message) Role {
	if msg.Origin == store.OriginCounterpart {
		return RoleUser
	}
	return RoleAssistant
}
