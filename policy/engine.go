// Package policy evaluates message-dispatch policy with OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Dispatch decisions.
const (
	DecisionAllow           = "allow"
	DecisionRequireApproval = "require_approval"
	DecisionBlock           = "block"
)

// Input describes one dispatch attempt for evaluation.
type Input struct {
	MessageType string `json:"message_type"`
	Broadcast   bool   `json:"broadcast"`
	GroupKey    string `json:"group_key,omitempty"`
	GroupState  string `json:"group_state,omitempty"`
	TargetCount int    `json:"target_count"`
}

// Engine is the OPA policy engine gating message dispatch.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.dispatch_policy.decision"),
		rego.Module("dispatch_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate returns the dispatch decision for the input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionAllow, nil
}

// DefaultPolicy is the default dispatch policy: broadcasts require a one-time
// per-group approval, a denied group blocks, everything else is allowed.
const DefaultPolicy = `
package dispatch_policy

default decision = "allow"

decision = "require_approval" {
	input.broadcast
	input.group_state != "APPROVED"
	input.group_state != "DENIED"
}

decision = "block" {
	input.broadcast
	input.group_state == "DENIED"
}
`
