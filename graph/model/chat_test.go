package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSplitSystem(t *testing.T) {
	system, conv := SplitSystem([]Message{
		{Role: RoleSystem, Content: "one"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleSystem, Content: "two"},
		{Role: RoleAssistant, Content: "hello"},
	})
	if system != "one\n\ntwo" {
		t.Errorf("system = %q", system)
	}
	if len(conv) != 2 || conv[0].Role != RoleUser || conv[1].Role != RoleAssistant {
		t.Errorf("unexpected conversation: %+v", conv)
	}
}

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name      string
		status    int
		err       error
		code      string
		retryable bool
	}{
		{"unauthorized status", 401, base, CodeInvalidAPIKey, false},
		{"rate limit status", 429, base, CodeRateLimited, true},
		{"server status", 503, base, CodeServerError, true},
		{"bad request status", 400, base, CodeAPIError, false},
		{"deadline", 0, fmt.Errorf("call: %w", context.DeadlineExceeded), CodeTimeout, true},
		{"quota text", 0, errors.New("insufficient_quota for project"), CodeQuotaExceeded, false},
		{"rate text", 0, errors.New("RESOURCE_EXHAUSTED: try later"), CodeRateLimited, true},
		{"key text", 0, errors.New("API key not valid"), CodeInvalidAPIKey, false},
		{"unknown", 0, errors.New("something odd"), CodeAPIError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("test", tt.status, tt.err)
			var modelErr *Error
			if !errors.As(err, &modelErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if modelErr.Code != tt.code {
				t.Errorf("code = %q, want %q", modelErr.Code, tt.code)
			}
			if modelErr.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", modelErr.Retryable, tt.retryable)
			}
			if !errors.Is(err, tt.err) {
				t.Error("expected original error to be wrapped")
			}
			if IsRetryable(err) != tt.retryable {
				t.Error("IsRetryable disagrees with Retryable")
			}
		})
	}

	if err := Classify("test", 0, context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation should pass through, got %v", err)
	}
	if Classify("test", 0, nil) != nil {
		t.Error("nil error should stay nil")
	}
}

func TestMockChatModel(t *testing.T) {
	ctx := context.Background()

	t.Run("sequential responses repeat the last", func(t *testing.T) {
		m := &MockChatModel{Responses: []ChatOut{{Text: "a"}, {Text: "b"}}}
		for _, want := range []string{"a", "b", "b"} {
			out, err := m.Chat(ctx, []Message{{Role: RoleUser, Content: "x"}})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.Text != want {
				t.Errorf("got %q, want %q", out.Text, want)
			}
		}
		if m.CallCount() != 3 {
			t.Errorf("CallCount = %d, want 3", m.CallCount())
		}
		m.Reset()
		if m.CallCount() != 0 {
			t.Error("Reset should clear calls")
		}
	})

	t.Run("func computes response", func(t *testing.T) {
		m := &MockChatModel{Func: func(_ context.Context, msgs []Message) (ChatOut, error) {
			return ChatOut{Text: msgs[len(msgs)-1].Content + "!"}, nil
		}}
		out, _ := m.Chat(ctx, []Message{{Role: RoleUser, Content: "hey"}})
		if out.Text != "hey!" {
			t.Errorf("got %q", out.Text)
		}
	})

	t.Run("error injection", func(t *testing.T) {
		want := errors.New("down")
		m := &MockChatModel{Err: want, Responses: []ChatOut{{Text: "ignored"}}}
		if _, err := m.Chat(ctx, nil); !errors.Is(err, want) {
			t.Errorf("got %v, want %v", err, want)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		m := &MockChatModel{}
		if _, err := m.Chat(cctx, nil); !errors.Is(err, context.Canceled) {
			t.Errorf("got %v", err)
		}
	})
}

func TestRateLimited(t *testing.T) {
	inner := &MockChatModel{Responses: []ChatOut{{Text: "ok"}}}
	limited := NewRateLimited(inner, 1, 1)

	if _, err := limited.Chat(context.Background(), nil); err != nil {
		t.Fatalf("first call should pass the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := limited.Chat(ctx, nil)
	if !IsRetryable(err) {
		t.Errorf("expected retryable rate limit error, got %v", err)
	}
	if inner.CallCount() != 1 {
		t.Errorf("limited call should not reach the model, calls = %d", inner.CallCount())
	}

	unlimited := NewRateLimited(inner, 0, 0)
	for i := 0; i < 5; i++ {
		if _, err := unlimited.Chat(context.Background(), nil); err != nil {
			t.Fatalf("unlimited call %d failed: %v", i, err)
		}
	}
}
