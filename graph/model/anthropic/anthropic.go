// Package anthropic provides a ChatModel adapter for Anthropic's Claude API.
package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/medgraph/graph/model"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-3-5-haiku-latest"

const defaultMaxTokens = 2048

// ChatModel implements model.ChatModel for Anthropic's Messages API.
//
// Anthropic takes the system prompt as a separate parameter, so system
// messages are lifted out of the conversation. Claude has no JSON response
// mode; with Config.JSON set the system prompt asks for a bare JSON object.
//
// Example usage:
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), model.Config{Temperature: 0.1})
//	out, err := m.Chat(ctx, messages)
type ChatModel struct {
	cfg    model.Config
	client messagesAPI
}

// messagesAPI is the subset of the SDK used here; tests substitute it.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// NewChatModel creates a new Anthropic ChatModel.
func NewChatModel(apiKey string, cfg model.Config) *ChatModel {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{cfg: cfg, client: &client.Messages}
}

// Chat implements the model.ChatModel interface.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	system, conversation := model.SplitSystem(messages)
	if m.cfg.JSON {
		system = strings.TrimSpace(system + "\n\nRespond with a single JSON object and no other text.")
	}
	if len(conversation) == 0 {
		return model.ChatOut{}, &model.Error{Provider: "anthropic", Code: model.CodeAPIError, Message: "at least one user message is required"}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(m.cfg.Model),
		MaxTokens:   int64(m.cfg.MaxTokens),
		Messages:    convertMessages(conversation),
		Temperature: anthropic.Float(m.cfg.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := m.client.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return model.ChatOut{}, &model.Error{Provider: "anthropic", Code: model.CodeEmptyResponse, Message: "response contained no text", Retryable: true}
	}

	return model.ChatOut{
		Text:  text.String(),
		Model: m.cfg.Model,
		Usage: model.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func convertMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return model.Classify("anthropic", apiErr.StatusCode, err)
	}
	return model.Classify("anthropic", 0, err)
}
