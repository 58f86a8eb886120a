package graph

import (
	"fmt"
	"time"
)

// Options configures Engine execution behavior.
//
// Zero values are valid: no step limit, no timeouts, no retries, no metrics.
type Options struct {
	// MaxSteps limits the number of node executions in a single Run or
	// Resume call. If 0, no limit is enforced.
	MaxSteps int

	// DefaultNodeTimeout bounds each node attempt that has no policy timeout.
	DefaultNodeTimeout time.Duration

	// NodePolicies holds per-node overrides keyed by node ID.
	NodePolicies map[string]NodePolicy

	// Metrics receives step latency, retry and outcome observations.
	Metrics *PrometheusMetrics
}

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine := graph.New(reducer, st, emitter,
//	    graph.WithMaxSteps(100),
//	    graph.WithDefaultNodeTimeout(30*time.Second),
//	)
type Option func(*Options) error

// WithMaxSteps limits workflow execution to prevent infinite loops.
//
// Loops (A → B → A) are supported; MaxSteps guards against a missing exit
// condition. When exceeded, Run returns an EngineError with code
// MAX_STEPS_EXCEEDED that wraps ErrMaxStepsExceeded.
func WithMaxSteps(n int) Option {
	return func(o *Options) error {
		if n < 0 {
			return fmt.Errorf("max steps must be >= 0, got %d", n)
		}
		o.MaxSteps = n
		return nil
	}
}

// WithDefaultNodeTimeout sets the timeout applied to nodes without a policy.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(o *Options) error {
		if d < 0 {
			return fmt.Errorf("node timeout must be >= 0, got %v", d)
		}
		o.DefaultNodeTimeout = d
		return nil
	}
}

// WithNodePolicy attaches a policy to a node.
func WithNodePolicy(nodeID string, policy NodePolicy) Option {
	return func(o *Options) error {
		if policy.RetryPolicy != nil {
			if err := policy.RetryPolicy.Validate(); err != nil {
				return fmt.Errorf("node %s: %w", nodeID, err)
			}
		}
		if o.NodePolicies == nil {
			o.NodePolicies = make(map[string]NodePolicy)
		}
		o.NodePolicies[nodeID] = policy
		return nil
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(o *Options) error {
		o.Metrics = m
		return nil
	}
}
