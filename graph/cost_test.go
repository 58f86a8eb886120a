package graph

import (
	"context"
	"math"
	"sync"
	"testing"
)

func TestCostTracker_RecordLLMCall(t *testing.T) {
	ct := NewCostTracker("session-1", "USD")
	ct.RecordLLMCall("gemini-2.0-flash", 1_000_000, 500_000, "questioning")
	ct.RecordLLMCall("unknown-model", 1000, 1000, "evaluator")

	if got := ct.GetTotalCost(); math.Abs(got-0.30) > 1e-9 {
		t.Errorf("expected total cost 0.30, got %v", got)
	}
	in, out := ct.GetTokenUsage()
	if in != 1_001_000 || out != 501_000 {
		t.Errorf("unexpected token usage %d/%d", in, out)
	}
	calls := ct.GetCallHistory()
	if len(calls) != 2 || calls[0].NodeID != "questioning" || calls[1].CostUSD != 0 {
		t.Errorf("unexpected history %+v", calls)
	}
	if byModel := ct.GetCostByModel(); byModel["unknown-model"] != 0 || len(byModel) != 2 {
		t.Errorf("unexpected per-model costs %v", byModel)
	}
}

func TestCostTracker_CustomPricing(t *testing.T) {
	ct := NewCostTracker("s", "USD")
	ct.SetCustomPricing("local", 1, 2)
	ct.RecordLLMCall("local", 1_000_000, 1_000_000, "")
	if got := ct.GetTotalCost(); got != 3 {
		t.Errorf("expected 3, got %v", got)
	}
	other := NewCostTracker("t", "USD")
	other.RecordLLMCall("local", 1_000_000, 0, "")
	if other.GetTotalCost() != 0 {
		t.Error("custom pricing leaked into another tracker")
	}
}

func TestCostTracker_Context(t *testing.T) {
	if CostTrackerFrom(context.Background()) != nil {
		t.Error("expected nil tracker on bare context")
	}
	ct := NewCostTracker("s", "EUR")
	ctx := WithCostTracker(context.Background(), ct)
	if CostTrackerFrom(ctx) != ct {
		t.Error("expected tracker from context")
	}
}

func TestCostTracker_Concurrent(t *testing.T) {
	ct := NewCostTracker("s", "USD")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ct.RecordLLMCall("gpt-4o-mini", 100, 10, "n")
		}()
	}
	wg.Wait()
	if n := len(ct.GetCallHistory()); n != 20 {
		t.Errorf("expected 20 calls, got %d", n)
	}
}
