package graph

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ModelPricing defines input and output token costs for LLM models.
// Prices are in USD per 1M tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultModelPricing holds list prices in USD per 1M tokens.
// Update as providers adjust pricing; unknown models are tracked at zero cost.
var defaultModelPricing = map[string]ModelPricing{
	"gemini-2.0-flash":      {InputPer1M: 0.10, OutputPer1M: 0.40},
	"gemini-2.0-flash-lite": {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-1.5-flash":      {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-1.5-pro":        {InputPer1M: 1.25, OutputPer1M: 5.00},

	"gpt-4o":      {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini": {InputPer1M: 0.15, OutputPer1M: 0.60},

	"claude-3-5-haiku-latest":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-3-5-sonnet-latest": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-sonnet-4-0":        {InputPer1M: 3.00, OutputPer1M: 15.00},
}

// LLMCall represents a single LLM API invocation with token usage and cost.
type LLMCall struct {
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Timestamp    time.Time `json:"timestamp"`
	NodeID       string    `json:"node_id,omitempty"`
}

// CostTracker accumulates token usage and cost of the LLM calls made during
// one execution (for example one Run or Resume of a diagnostic session).
//
// Usage:
//
//	tracker := graph.NewCostTracker(sessionID, "USD")
//	ctx = graph.WithCostTracker(ctx, tracker)
//	out, err := engine.Run(ctx, sessionID, initial)
//	log.Info("llm usage", "cost", tracker.GetTotalCost())
//
// Thread-safe: all methods use mutex protection.
type CostTracker struct {
	RunID    string
	Currency string

	mu           sync.RWMutex
	pricing      map[string]ModelPricing
	calls        []LLMCall
	totalCost    float64
	modelCosts   map[string]float64
	inputTokens  int64
	outputTokens int64
}

// NewCostTracker creates a new cost tracker with the default pricing table.
func NewCostTracker(runID, currency string) *CostTracker {
	pricing := make(map[string]ModelPricing, len(defaultModelPricing))
	for model, p := range defaultModelPricing {
		pricing[model] = p
	}
	return &CostTracker{
		RunID:      runID,
		Currency:   currency,
		pricing:    pricing,
		modelCosts: make(map[string]float64),
	}
}

// RecordLLMCall records one LLM invocation:
//
//	cost = inputTokens/1M * InputPer1M + outputTokens/1M * OutputPer1M
//
// Models missing from the pricing table are recorded with zero cost.
func (ct *CostTracker) RecordLLMCall(model string, inputTokens, outputTokens int, nodeID string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	pricing := ct.pricing[model]
	cost := float64(inputTokens)/1_000_000.0*pricing.InputPer1M +
		float64(outputTokens)/1_000_000.0*pricing.OutputPer1M

	ct.calls = append(ct.calls, LLMCall{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		Timestamp:    time.Now(),
		NodeID:       nodeID,
	})
	ct.totalCost += cost
	ct.modelCosts[model] += cost
	ct.inputTokens += int64(inputTokens)
	ct.outputTokens += int64(outputTokens)
}

// GetTotalCost returns the cumulative cost across all recorded calls.
func (ct *CostTracker) GetTotalCost() float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.totalCost
}

// GetCostByModel returns a copy of the per-model cost breakdown.
func (ct *CostTracker) GetCostByModel() map[string]float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	costs := make(map[string]float64, len(ct.modelCosts))
	for model, cost := range ct.modelCosts {
		costs[model] = cost
	}
	return costs
}

// GetCallHistory returns a copy of all recorded calls in order.
func (ct *CostTracker) GetCallHistory() []LLMCall {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	calls := make([]LLMCall, len(ct.calls))
	copy(calls, ct.calls)
	return calls
}

// GetTokenUsage returns total input and output token counts.
func (ct *CostTracker) GetTokenUsage() (inputTokens, outputTokens int64) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.inputTokens, ct.outputTokens
}

// SetCustomPricing overrides pricing for a model.
func (ct *CostTracker) SetCustomPricing(model string, inputPer1M, outputPer1M float64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.pricing[model] = ModelPricing{InputPer1M: inputPer1M, OutputPer1M: outputPer1M}
}

// String returns a human-readable summary.
func (ct *CostTracker) String() string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	return fmt.Sprintf(
		"CostTracker{RunID: %s, Calls: %d, TotalCost: $%.6f %s, InputTokens: %d, OutputTokens: %d}",
		ct.RunID, len(ct.calls), ct.totalCost, ct.Currency, ct.inputTokens, ct.outputTokens,
	)
}

type costTrackerKey struct{}

// WithCostTracker returns a context carrying tracker.
func WithCostTracker(ctx context.Context, tracker *CostTracker) context.Context {
	return context.WithValue(ctx, costTrackerKey{}, tracker)
}

// CostTrackerFrom returns the tracker carried by ctx, or nil.
func CostTrackerFrom(ctx context.Context) *CostTracker {
	tracker, _ := ctx.Value(costTrackerKey{}).(*CostTracker)
	return tracker
}
