package anthropic

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/medgraph/graph/model"
)

type fakeMessages struct {
	params anthropic.MessageNewParams
	resp   *anthropic.Message
	err    error
}

func (f *fakeMessages) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.params = body
	return f.resp, f.err
}

func TestNewChatModel_Defaults(t *testing.T) {
	m := NewChatModel("test-key", model.Config{})
	if m.cfg.Model != DefaultModel {
		t.Errorf("model = %q, want %q", m.cfg.Model, DefaultModel)
	}
	if m.cfg.MaxTokens != defaultMaxTokens {
		t.Errorf("max tokens = %d", m.cfg.MaxTokens)
	}
}

func TestChat_ConvertsRequestAndResponse(t *testing.T) {
	fake := &fakeMessages{resp: &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: `{"ok":`}, {Type: "text", Text: `true}`}},
		Usage:   anthropic.Usage{InputTokens: 12, OutputTokens: 4},
	}}
	m := &ChatModel{cfg: model.Config{Model: "claude-test", MaxTokens: 100, JSON: true}, client: fake}

	out, err := m.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "You are a medical assistant."},
		{Role: model.RoleUser, Content: "fever"},
		{Role: model.RoleAssistant, Content: "noted"},
		{Role: model.RoleUser, Content: "and chills"},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if out.Text != `{"ok":true}` {
		t.Errorf("text = %q", out.Text)
	}
	if out.Usage.InputTokens != 12 || out.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if out.Model != "claude-test" {
		t.Errorf("model = %q", out.Model)
	}

	if string(fake.params.Model) != "claude-test" || fake.params.MaxTokens != 100 {
		t.Errorf("unexpected params: model=%s max=%d", fake.params.Model, fake.params.MaxTokens)
	}
	if len(fake.params.System) != 1 || !strings.Contains(fake.params.System[0].Text, "JSON") {
		t.Errorf("system prompt not lifted with JSON instruction: %+v", fake.params.System)
	}
	if len(fake.params.Messages) != 3 {
		t.Errorf("expected 3 conversation messages, got %d", len(fake.params.Messages))
	}
}

func TestChat_Errors(t *testing.T) {
	m := &ChatModel{cfg: model.Config{Model: "x"}, client: &fakeMessages{err: errors.New("429 Too Many Requests")}}
	_, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}})
	if !model.IsRetryable(err) {
		t.Errorf("expected retryable error, got %v", err)
	}

	empty := &ChatModel{cfg: model.Config{Model: "x"}, client: &fakeMessages{resp: &anthropic.Message{}}}
	_, err = empty.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}})
	var modelErr *model.Error
	if !errors.As(err, &modelErr) || modelErr.Code != model.CodeEmptyResponse {
		t.Errorf("expected empty response error, got %v", err)
	}

	_, err = empty.Chat(context.Background(), []model.Message{{Role: model.RoleSystem, Content: "only system"}})
	if err == nil {
		t.Error("expected error without a user message")
	}
}
