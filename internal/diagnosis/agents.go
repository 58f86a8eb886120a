package diagnosis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/dshills/medgraph/graph"
	"github.com/dshills/medgraph/graph/model"
	"github.com/dshills/medgraph/graph/tool"
	"github.com/dshills/medgraph/internal/retrieval"
)

// Node IDs of the workflow, which double as agent names in the reasoning
// trail and in AgentOutputs.
const (
	NodeOrchestrator        = "orchestrator"
	NodeQuestioning         = "questioning"
	NodeHumanInput          = "human_input"
	NodeResponseIntegration = "response_integration"
	NodeValidation          = "validation"
	NodeRefinement          = "refinement"
	NodeExplanation         = "explanation"
	NodeEvaluator           = "evaluator"
)

// AgentsConfig configures NewAgents. Only Model is required.
type AgentsConfig struct {
	Model model.ChatModel

	// Retriever supplies medical context. Nil disables retrieval.
	Retriever retrieval.Retriever

	// Tools holds the medical knowledge tools (see
	// retrieval.NewMedicalRegistry). Nil disables tool lookups.
	Tools *tool.Registry

	Logger  *slog.Logger
	Metrics *Metrics

	// CallTimeout bounds each model call. Zero leaves it to the node
	// timeout.
	CallTimeout time.Duration

	// Now overrides the clock used for reasoning timestamps.
	Now func() time.Time
}

// Agents holds the collaborators shared by the agent steps. Each step is a
// method with the graph.NodeFunc signature.
type Agents struct {
	model       model.ChatModel
	retriever   retrieval.Retriever
	tools       *tool.Registry
	logger      *slog.Logger
	metrics     *Metrics
	callTimeout time.Duration
	now         func() time.Time
}

// NewAgents creates the agent set.
func NewAgents(cfg AgentsConfig) (*Agents, error) {
	if cfg.Model == nil {
		return nil, errors.New("diagnosis: chat model is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Agents{
		model:       cfg.Model,
		retriever:   cfg.Retriever,
		tools:       cfg.Tools,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		callTimeout: cfg.CallTimeout,
		now:         cfg.Now,
	}, nil
}

// ask sends one system/user exchange and records its cost against agent.
func (a *Agents) ask(ctx context.Context, agent, system, user string) (string, error) {
	if a.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
	}

	out, err := a.model.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: user},
	})
	if err != nil {
		return "", err
	}
	if t := graph.CostTrackerFrom(ctx); t != nil {
		t.RecordLLMCall(out.Model, out.Usage.InputTokens, out.Usage.OutputTokens, agent)
	}
	return out.Text, nil
}

// askFor is ask followed by parseOutput. The raw reply is returned even
// when it fails to parse.
func askFor[T any](ctx context.Context, a *Agents, agent, system, user string) (T, string, error) {
	var zero T
	raw, err := a.ask(ctx, agent, system, user)
	if err != nil {
		return zero, "", err
	}
	v, err := parseOutput[T](raw)
	return v, raw, err
}

// abort reports whether err must fail the node rather than trigger the
// agent's fallback: the node context is done, or the model failure is
// transient and the node's retry policy should get a chance at it.
func abort(ctx context.Context, node string, err error) (graph.NodeResult[State], bool) {
	if err == nil || errors.Is(err, ErrInvalidOutput) {
		return graph.NodeResult[State]{}, false
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return graph.NodeResult[State]{Err: &graph.NodeError{
			NodeID: node, Code: "CANCELLED", Message: "model call abandoned", Cause: ctxErr,
		}}, true
	}
	if model.IsRetryable(err) {
		return graph.NodeResult[State]{Err: &graph.NodeError{
			NodeID: node, Code: "MODEL_UNAVAILABLE", Message: "model call failed", Cause: err,
		}}, true
	}
	return graph.NodeResult[State]{}, false
}

// degrade logs and counts a fallback. It returns the reason recorded in the
// reasoning trail.
func (a *Agents) degrade(ctx context.Context, s State, agent string, err error) string {
	reason := "model_error"
	if errors.Is(err, ErrInvalidOutput) {
		reason = "invalid_output"
	}
	a.metrics.fallback(agent, reason)
	a.logger.WarnContext(ctx, "agent fallback",
		"agent", agent,
		"session_id", s.SessionID,
		"reason", reason,
		"error", err)
	return reason
}

func (a *Agents) search(ctx context.Context, query string, k int) ([]retrieval.Document, error) {
	if a.retriever == nil {
		return nil, nil
	}
	return a.retriever.Search(ctx, query, k)
}

// callTool returns (nil, nil) when no registry is configured.
func (a *Agents) callTool(ctx context.Context, name string, input map[string]interface{}) (map[string]interface{}, error) {
	if a.tools == nil {
		return nil, nil
	}
	return a.tools.Call(ctx, name, input)
}

func (a *Agents) reasoning(agent, step string, payload map[string]interface{}) []ReasoningStep {
	return []ReasoningStep{{Agent: agent, Step: step, Timestamp: a.now().UTC(), Payload: payload}}
}

func toJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
