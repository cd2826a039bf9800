// Package policy defines the tool-access policy contract. Rules are
// evaluated on tools/call after scope checks; they can only narrow
// access, never widen it.
package policy

import "context"

// Decision is the outcome of policy evaluation.
type Decision string

const (
	// DecisionAllow permits the call.
	DecisionAllow Decision = "allow"
	// DecisionDeny blocks the call.
	DecisionDeny Decision = "deny"
)

// Rule is one ordered access rule. Condition syntax is owned by the
// engine implementation.
type Rule struct {
	Name      string
	Condition string
	Action    Decision
}

// Input is the evaluation context for one tool call.
type Input struct {
	// ToolName is the tool being invoked.
	ToolName string
	// Role is the caller's resolved role.
	Role string
	// Permissions is the caller's granted permission list.
	Permissions []string
}

// Verdict reports which rule decided and how. When no rule matches,
// Decision is DecisionAllow and RuleName is empty.
type Verdict struct {
	Decision Decision
	RuleName string
}

// Engine evaluates ordered rules against a tool call. First match wins.
type Engine interface {
	Evaluate(ctx context.Context, in Input) (Verdict, error)
}

// AllowAll is the engine used when no policies are configured.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, Input) (Verdict, error) {
	return Verdict{Decision: DecisionAllow}, nil
}

var _ Engine = AllowAll{}
