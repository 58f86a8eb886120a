package tool

import (
	"context"
	"sync"
)

// MockTool is a test implementation of Tool.
//
// Responses are returned in order and the last one repeats. Err, when set,
// is returned instead. Func, when set, computes the response from the
// input and takes precedence over Responses.
//
//	mock := &tool.MockTool{
//	    ToolName:  "disease_precautions_lookup",
//	    Responses: []map[string]interface{}{{"precautions": []string{"rest"}}},
//	}
type MockTool struct {
	ToolName  string
	Responses []map[string]interface{}
	Func      func(input map[string]interface{}) (map[string]interface{}, error)
	Err       error

	// Calls records the input of every call.
	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records a single invocation of Call().
type MockToolCall struct {
	Input map[string]interface{}
}

// Name implements the Tool interface.
func (m *MockTool) Name() string {
	return m.ToolName
}

// Call implements the Tool interface. Every call is recorded, including
// failed ones.
func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockToolCall{Input: input})

	if m.Err != nil {
		return nil, m.Err
	}
	if m.Func != nil {
		return m.Func(input)
	}
	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and resets the response index.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of times Call() has been called.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}
