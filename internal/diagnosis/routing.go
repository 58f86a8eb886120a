package diagnosis

import (
	"context"

	"github.com/dshills/medgraph/graph"
)

// Route labels that are not node IDs.
const (
	RouteEnd     = "__end__"
	RouteSuspend = "__suspend__"
)

// RouteAfterOrchestrator skips questioning when answers are already present.
func RouteAfterOrchestrator(s State) string {
	if len(s.UserResponses) > 0 {
		return NodeResponseIntegration
	}
	return NodeQuestioning
}

// RouteAfterHumanInput waits for answers while questions are open. With
// nothing to ask it moves on to validation so the run always progresses.
func RouteAfterHumanInput(s State) string {
	switch ClassifyInput(s) {
	case StepResponsesReady:
		return NodeResponseIntegration
	case StepAwaitingInput:
		return RouteSuspend
	default:
		return NodeValidation
	}
}

// RouteAfterEvaluator loops back to questioning while the evaluator asks
// for more questions.
func RouteAfterEvaluator(s State) string {
	if s.NeedsMore() {
		return NodeQuestioning
	}
	return RouteEnd
}

// routed wraps a step so that router picks its successor from the merged
// state.
func routed(step graph.NodeFunc[State], router func(State) string) graph.NodeFunc[State] {
	return func(ctx context.Context, s State) graph.NodeResult[State] {
		res := step(ctx, s)
		if res.Err != nil {
			return res
		}
		switch label := router(Reduce(s, res.Delta)); label {
		case RouteEnd:
			res.Route = graph.Stop()
		case RouteSuspend:
			res.Route = graph.Interrupt()
		default:
			res.Route = graph.Goto(label)
		}
		return res
	}
}

// Answer returns the Resume update for a batch of answers: the answers
// become the round's responses and the whole open batch counts as asked,
// so every answered round moves the session toward its question limit.
func Answer(answers map[string]string) func(State) State {
	return func(s State) State {
		responses := make(map[string]string, len(answers))
		for id, a := range answers {
			responses[id] = a
		}
		return State{
			UserResponses:  responses,
			QuestionsAsked: s.QuestionsAsked + len(s.ClarifyingQuestions),
		}
	}
}
