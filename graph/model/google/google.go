// Package google provides a ChatModel adapter for the Google Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dshills/medgraph/graph/model"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-2.0-flash"

// ChatModel implements model.ChatModel for Gemini.
//
// System messages become the model's SystemInstruction; earlier turns are
// sent as chat history and the final user turn as the prompt. With
// Config.JSON set the response MIME type is application/json.
//
// Example usage:
//
//	m, err := google.NewChatModel(ctx, os.Getenv("GEMINI_API_KEY"), model.Config{JSON: true})
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
type ChatModel struct {
	cfg    model.Config
	client generator
	closer func() error
}

// generator performs one generation; tests substitute it.
type generator interface {
	generate(ctx context.Context, cfg model.Config, system string, history []*genai.Content, prompt string) (*genai.GenerateContentResponse, error)
}

// NewChatModel creates a Gemini ChatModel. The client is created once and
// shared by all calls; Close releases it.
func NewChatModel(ctx context.Context, apiKey string, cfg model.Config) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("google API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	return &ChatModel{cfg: cfg, client: &sdkClient{client: client}, closer: client.Close}, nil
}

// Close releases the underlying client.
func (m *ChatModel) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer()
}

// Chat implements the model.ChatModel interface.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	system, conversation := model.SplitSystem(messages)
	if len(conversation) == 0 {
		return model.ChatOut{}, &model.Error{Provider: "google", Code: model.CodeAPIError, Message: "at least one user message is required"}
	}
	last := conversation[len(conversation)-1]
	history := convertHistory(conversation[:len(conversation)-1])

	resp, err := m.client.generate(ctx, m.cfg, system, history, last.Content)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}

	out := convertResponse(resp)
	if out.Text == "" {
		return model.ChatOut{}, &model.Error{Provider: "google", Code: model.CodeEmptyResponse, Message: "response contained no text", Retryable: true}
	}
	out.Model = m.cfg.Model
	return out, nil
}

func convertHistory(messages []model.Message) []*genai.Content {
	history := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}
	return history
}

func convertResponse(resp *genai.GenerateContentResponse) model.ChatOut {
	var out model.ChatOut
	if resp == nil {
		return out
	}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	out.Text = text.String()
	return out
}

func translateError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return &model.Error{Provider: "google", Code: model.CodeBlocked, Message: blocked.Error(), Err: err}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return model.Classify("google", apiErr.Code, err)
	}
	return model.Classify("google", 0, err)
}

// sdkClient adapts *genai.Client.
type sdkClient struct {
	client *genai.Client
}

func (c *sdkClient) generate(ctx context.Context, cfg model.Config, system string, history []*genai.Content, prompt string) (*genai.GenerateContentResponse, error) {
	gm := c.client.GenerativeModel(cfg.Model)
	gm.SetTemperature(float32(cfg.Temperature))
	if cfg.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(cfg.MaxTokens))
	}
	if cfg.JSON {
		gm.ResponseMIMEType = "application/json"
	}
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	if len(history) == 0 {
		return gm.GenerateContent(ctx, genai.Text(prompt))
	}
	session := gm.StartChat()
	session.History = history
	return session.SendMessage(ctx, genai.Text(prompt))
}
