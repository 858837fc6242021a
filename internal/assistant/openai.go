// ABOUTME: OpenAI Chat Completions replier
// ABOUTME: Also serves OpenAI-compatible endpoints through a configurable base URL

package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// defaultOpenAIModel is used when no model is configured.
const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI answers through the Chat Completions API.
type OpenAI struct {
	client    openai.Client
	model     string
	system    string
	maxTokens int64
	logger    *slog.Logger
}

// NewOpenAI creates an OpenAI replier from cfg.
func NewOpenAI(cfg Config, logger *slog.Logger) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     model,
		system:    cfg.SystemPrompt,
		maxTokens: cfg.MaxTokens,
		logger:    logger.With("component", "assistant", "provider", ProviderOpenAI),
	}
}

// Reply implements Replier.
func (o *OpenAI) Reply(ctx context.Context, req *Request) (string, error) {
	turns := Turns(req)
	if len(turns) == 0 {
		return "", nil
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if o.system != "" {
		messages = append(messages, openai.SystemMessage(o.system))
	}
	for _, turn := range turns {
		if turn.Role == RoleUser {
			messages = append(messages, openai.UserMessage(turn.Text))
		} else {
			messages = append(messages, openai.AssistantMessage(turn.Text))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: messages,
	}
	if o.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(o.maxTokens)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat completions: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}

	o.logger.Debug("reply generated",
		"conversation_id", req.Message.ConversationID,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
