// Package openai provides a ChatModel adapter for OpenAI's Chat Completions API.
package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/medgraph/graph/model"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gpt-4o-mini"

// ChatModel implements model.ChatModel for OpenAI.
//
// The SDK retries transient failures itself; errors that survive its
// retries are translated to *model.Error.
type ChatModel struct {
	cfg    model.Config
	client completionsAPI
}

// completionsAPI is the subset of the SDK used here; tests substitute it.
type completionsAPI interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// NewChatModel creates a new OpenAI ChatModel.
func NewChatModel(apiKey string, cfg model.Config) *ChatModel {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{cfg: cfg, client: &client.Chat.Completions}
}

// Chat implements the model.ChatModel interface.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(m.cfg.Model),
		Messages:    convertMessages(messages),
		Temperature: openai.Float(m.cfg.Temperature),
	}
	if m.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(m.cfg.MaxTokens))
	}
	if m.cfg.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}

	completion, err := m.client.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return model.ChatOut{}, &model.Error{Provider: "openai", Code: model.CodeEmptyResponse, Message: "no response content", Retryable: true}
	}

	return model.ChatOut{
		Text:  completion.Choices[0].Message.Content,
		Model: m.cfg.Model,
		Usage: model.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func translateError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return model.Classify("openai", apiErr.StatusCode, err)
	}
	return model.Classify("openai", 0, err)
}
