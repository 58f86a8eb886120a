package diagnosis

import (
	"errors"
	"time"

	"github.com/dshills/medgraph/graph"
	"github.com/dshills/medgraph/graph/emit"
	"github.com/dshills/medgraph/graph/model"
	"github.com/dshills/medgraph/graph/store"
)

// Workflow defaults.
const (
	DefaultNodeTimeout = 60 * time.Second
	DefaultMaxAttempts = 3
	DefaultMaxSteps    = 50
)

// WorkflowConfig configures NewWorkflow. Agents and Store are required.
type WorkflowConfig struct {
	Agents  *Agents
	Store   store.Store[State]
	Emitter emit.Emitter
	Metrics *graph.PrometheusMetrics

	// NodeTimeout bounds one attempt of each agent step.
	NodeTimeout time.Duration

	// MaxAttempts is how often an agent step is tried when its model call
	// fails transiently.
	MaxAttempts int

	// MaxSteps bounds the steps of a single Run or Resume.
	MaxSteps int
}

// NewWorkflow assembles the diagnostic graph:
//
//	orchestrator  -> response_integration | questioning
//	questioning   -> human_input
//	human_input   -> response_integration | SUSPEND | validation
//	response_integration -> validation -> refinement -> explanation -> evaluator
//	evaluator     -> questioning | END
//
// A suspended run resumes at human_input.
func NewWorkflow(cfg WorkflowConfig) (*graph.Engine[State], error) {
	if cfg.Agents == nil {
		return nil, errors.New("diagnosis: agents are required")
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultNodeTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}

	opts := []graph.Option{graph.WithMaxSteps(cfg.MaxSteps)}
	if cfg.Metrics != nil {
		opts = append(opts, graph.WithMetrics(cfg.Metrics))
	}
	policy := graph.NodePolicy{
		Timeout: cfg.NodeTimeout,
		RetryPolicy: &graph.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Retryable:   model.IsRetryable,
		},
	}
	for _, id := range []string{
		NodeOrchestrator, NodeQuestioning, NodeResponseIntegration,
		NodeValidation, NodeRefinement, NodeExplanation, NodeEvaluator,
	} {
		opts = append(opts, graph.WithNodePolicy(id, policy))
	}

	engine, err := graph.New[State](Reduce, cfg.Store, cfg.Emitter, opts...)
	if err != nil {
		return nil, err
	}

	a := cfg.Agents
	nodes := []struct {
		id   string
		node graph.Node[State]
	}{
		{NodeOrchestrator, graph.NodeFunc[State](a.Orchestrator)},
		{NodeQuestioning, graph.NodeFunc[State](a.Questioning)},
		{NodeHumanInput, routed(a.HumanInput, RouteAfterHumanInput)},
		{NodeResponseIntegration, graph.NodeFunc[State](a.ResponseIntegration)},
		{NodeValidation, graph.NodeFunc[State](a.Validation)},
		{NodeRefinement, graph.NodeFunc[State](a.Refinement)},
		{NodeExplanation, graph.NodeFunc[State](a.Explanation)},
		{NodeEvaluator, routed(a.Evaluator, RouteAfterEvaluator)},
	}
	for _, n := range nodes {
		if err := engine.Add(n.id, n.node); err != nil {
			return nil, err
		}
	}
	if err := engine.StartAt(NodeOrchestrator); err != nil {
		return nil, err
	}

	answered := func(s State) bool { return RouteAfterOrchestrator(s) == NodeResponseIntegration }
	edges := []struct {
		from, to string
		when     graph.Predicate[State]
	}{
		{NodeOrchestrator, NodeResponseIntegration, answered},
		{NodeOrchestrator, NodeQuestioning, graph.Not[State](answered)},
		{NodeQuestioning, NodeHumanInput, nil},
		{NodeResponseIntegration, NodeValidation, nil},
		{NodeValidation, NodeRefinement, nil},
		{NodeRefinement, NodeExplanation, nil},
		{NodeExplanation, NodeEvaluator, nil},
	}
	for _, e := range edges {
		if err := engine.Connect(e.from, e.to, e.when); err != nil {
			return nil, err
		}
	}
	return engine, nil
}
