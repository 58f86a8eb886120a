package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dshills/medgraph/graph/model"
)

type fakeCompletions struct {
	params openai.ChatCompletionNewParams
	resp   *openai.ChatCompletion
	err    error
	calls  int
}

func (f *fakeCompletions) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	f.calls++
	f.params = body
	return f.resp, f.err
}

func TestNewChatModel_Defaults(t *testing.T) {
	m := NewChatModel("test-key", model.Config{})
	if m.cfg.Model != DefaultModel {
		t.Errorf("model = %q, want %q", m.cfg.Model, DefaultModel)
	}
}

func TestChat_Success(t *testing.T) {
	fake := &fakeCompletions{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: `{"a":1}`}}},
		Usage:   openai.CompletionUsage{PromptTokens: 20, CompletionTokens: 6},
	}}
	m := &ChatModel{cfg: model.Config{Model: "gpt-test", JSON: true, MaxTokens: 50}, client: fake}

	out, err := m.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "sys"},
		{Role: model.RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if out.Text != `{"a":1}` || out.Usage.InputTokens != 20 || out.Usage.OutputTokens != 6 {
		t.Errorf("unexpected output: %+v", out)
	}
	if len(fake.params.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(fake.params.Messages))
	}
	if fake.params.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON response format")
	}
}

func TestChat_Errors(t *testing.T) {
	fake := &fakeCompletions{err: errors.New("503 service unavailable")}
	m := &ChatModel{cfg: model.Config{Model: "gpt-test"}, client: fake}

	_, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}})
	var modelErr *model.Error
	if !errors.As(err, &modelErr) || modelErr.Code != model.CodeServerError || !modelErr.Retryable {
		t.Errorf("expected retryable server error, got %v", err)
	}

	fake.err = nil
	fake.resp = &openai.ChatCompletion{}
	_, err = m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}})
	if !errors.As(err, &modelErr) || modelErr.Code != model.CodeEmptyResponse {
		t.Errorf("expected empty response error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := fake.calls
	if _, err := m.Chat(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if fake.calls != calls {
		t.Error("cancelled call should not reach the API")
	}
}
