// Package model provides LLM integration adapters.
package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ChatModel defines the interface for LLM chat providers.
//
// Implementations convert the provider-neutral Message format to the
// provider's API, respect context cancellation, and translate provider
// failures into *Error so callers can decide whether to retry.
//
// Example usage:
//
//	m, err := google.NewChatModel(ctx, apiKey, model.Config{Model: "gemini-2.0-flash", JSON: true})
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleSystem, Content: "Reply with JSON."},
//	    {Role: model.RoleUser, Content: "Symptoms: fever, chills"},
//	})
type ChatModel interface {
	// Chat sends messages to the LLM and returns the response.
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role identifies the message sender. Use the Role* constants.
	Role string

	// Content contains the message text.
	Content string
}

// Standard role constants for LLM conversations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Config holds the generation settings every adapter understands.
type Config struct {
	// Model is the provider model name. Empty uses the adapter default.
	Model string

	// Temperature controls randomness. Zero is passed through as zero.
	Temperature float64

	// MaxTokens bounds the response length. Zero uses the adapter default.
	MaxTokens int

	// JSON requests a JSON object response where the provider supports it.
	JSON bool
}

// ChatOut represents the output from an LLM chat completion.
type ChatOut struct {
	// Text contains the LLM's generated response.
	Text string

	// Model is the model that produced the response.
	Model string

	// Usage reports token consumption when the provider returns it.
	Usage Usage
}

// Usage is the token accounting of one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// SplitSystem separates system messages from the conversation. Several
// system messages are joined with blank lines. Providers that take the
// system prompt as a separate parameter (Anthropic, Gemini) use this.
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	conversation := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		conversation = append(conversation, msg)
	}
	return strings.Join(system, "\n\n"), conversation
}

// Error codes reported by adapters.
const (
	CodeTimeout       = "timeout"
	CodeRateLimited   = "rate_limited"
	CodeInvalidAPIKey = "invalid_api_key"
	CodeQuotaExceeded = "quota_exceeded"
	CodeServerError   = "server_error"
	CodeNetworkError  = "network_error"
	CodeBlocked       = "blocked"
	CodeEmptyResponse = "empty_response"
	CodeAPIError      = "api_error"
)

// Error is a provider failure translated to a common shape.
type Error struct {
	Provider  string
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s %s: %s", e.Provider, e.Code, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Unwrap exposes the provider error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth retrying: a retryable *Error, or
// a per-call deadline expiring.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var modelErr *Error
	if errors.As(err, &modelErr) {
		return modelErr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Classify maps a provider failure to *Error. statusCode is the HTTP status
// when the provider SDK exposes one, otherwise zero and the message text is
// inspected instead.
func Classify(provider string, statusCode int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	wrap := func(code string, retryable bool) error {
		return &Error{Provider: provider, Code: code, Message: err.Error(), Retryable: retryable, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(CodeTimeout, true)
	}

	switch {
	case statusCode == 401 || statusCode == 403:
		return wrap(CodeInvalidAPIKey, false)
	case statusCode == 429:
		return wrap(CodeRateLimited, true)
	case statusCode >= 500:
		return wrap(CodeServerError, true)
	case statusCode >= 400:
		return wrap(CodeAPIError, false)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return wrap(CodeNetworkError, true)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "quota exceeded", "insufficient_quota", "billing"):
		return wrap(CodeQuotaExceeded, false)
	case containsAny(msg, "rate limit", "rate_limit", "429", "too many requests", "resource_exhausted"):
		return wrap(CodeRateLimited, true)
	case containsAny(msg, "api key", "api_key", "401", "unauthorized", "authentication"):
		return wrap(CodeInvalidAPIKey, false)
	case containsAny(msg, "500", "502", "503", "504", "unavailable", "internal server error", "bad gateway"):
		return wrap(CodeServerError, true)
	case containsAny(msg, "timeout", "deadline"):
		return wrap(CodeTimeout, true)
	case containsAny(msg, "connection", "network"):
		return wrap(CodeNetworkError, true)
	}
	return wrap(CodeAPIError, false)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
