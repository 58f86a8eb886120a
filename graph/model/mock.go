package model

import (
	"context"
	"sync"
)

// MockChatModel is a test implementation of ChatModel.
//
// Responses are returned in order and the last one repeats. Func, when
// set, takes precedence and computes the response from the messages; Err,
// when set, is returned instead of any response.
//
// Example usage:
//
//	mock := &model.MockChatModel{
//	    Responses: []model.ChatOut{{Text: `{"questions": []}`}},
//	}
//	out, err := mock.Chat(ctx, messages)
type MockChatModel struct {
	Responses []ChatOut
	Func      func(ctx context.Context, messages []Message) (ChatOut, error)
	Err       error

	// Calls records the messages of every Chat invocation.
	Calls [][]Message

	mu        sync.Mutex
	callIndex int
}

// Chat implements the ChatModel interface.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, append([]Message(nil), messages...))
	fn := m.Func
	err := m.Err
	var out ChatOut
	if len(m.Responses) > 0 {
		idx := m.callIndex
		if idx >= len(m.Responses) {
			idx = len(m.Responses) - 1
		} else {
			m.callIndex++
		}
		out = m.Responses[idx]
	}
	m.mu.Unlock()

	if err != nil {
		return ChatOut{}, err
	}
	if fn != nil {
		return fn(ctx, messages)
	}
	return out, nil
}

// Reset clears the call history and resets the response index.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of times Chat has been called.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
