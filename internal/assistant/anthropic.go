// ABOUTME: Anthropic Messages API replier
// ABOUTME: Sends the conversation as alternating turns and returns the text of the answer

package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultAnthropicModel is used when no model is configured.
const defaultAnthropicModel = "claude-sonnet-4-5"

// Anthropic answers through the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	system    string
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropic creates an Anthropic replier from cfg.
func NewAnthropic(cfg Config, logger *slog.Logger) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	// The Messages API requires max_tokens
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		system:    cfg.SystemPrompt,
		maxTokens: cfg.MaxTokens,
		logger:    logger.With("component", "assistant", "provider", ProviderAnthropic),
	}
}

// Reply implements Replier.
func (a *Anthropic) Reply(ctx context.Context, req *Request) (string, error) {
	turns := Turns(req)
	if len(turns) == 0 {
		return "", nil
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, turn := range turns {
		block := anthropic.NewTextBlock(turn.Text)
		if turn.Role == RoleUser {
			messages = append(messages, anthropic.NewUserMessage(block))
		} else {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  messages,
	}
	if a.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.system}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}

	a.logger.Debug("reply generated",
		"conversation_id", req.Message.ConversationID,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return strings.TrimSpace(b.String()), nil
}
