// Package cel evaluates tool-access policies written as CEL expressions.
package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/datagate-io/datagate/internal/config"
	"github.com/datagate-io/datagate/internal/domain/policy"
)

// compiledRule pairs a policy rule with its compiled program.
type compiledRule struct {
	rule    policy.Rule
	program cel.Program
}

// Evaluator runs ordered CEL rules. Expressions see two variables:
//
//	tool: {"name": string}
//	user: {"role": string, "permissions": [string]}
//
// and must evaluate to a bool.
type Evaluator struct {
	rules []compiledRule
}

var _ policy.Engine = (*Evaluator)(nil)

// NewEvaluator compiles every configured rule up front so malformed
// expressions fail at startup, not per request.
func NewEvaluator(configs []config.PolicyConfig) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}

	e := &Evaluator{rules: make([]compiledRule, 0, len(configs))}
	for _, pc := range configs {
		ast, issues := env.Compile(pc.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile policy %q: %w", pc.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("policy %q: condition must evaluate to bool, got %s", pc.Name, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program policy %q: %w", pc.Name, err)
		}
		e.rules = append(e.rules, compiledRule{
			rule: policy.Rule{
				Name:      pc.Name,
				Condition: pc.Condition,
				Action:    policy.Decision(pc.Action),
			},
			program: program,
		})
	}
	return e, nil
}

// Evaluate runs rules in order; the first whose condition is true wins.
// No match allows the call (scope checks already ran).
func (e *Evaluator) Evaluate(ctx context.Context, in policy.Input) (policy.Verdict, error) {
	permissions := make([]string, len(in.Permissions))
	copy(permissions, in.Permissions)

	activation := map[string]any{
		"tool": map[string]any{"name": in.ToolName},
		"user": map[string]any{"role": in.Role, "permissions": permissions},
	}

	for _, cr := range e.rules {
		if err := ctx.Err(); err != nil {
			return policy.Verdict{}, err
		}
		out, _, err := cr.program.Eval(activation)
		if err != nil {
			return policy.Verdict{}, fmt.Errorf("evaluate policy %q: %w", cr.rule.Name, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return policy.Verdict{}, fmt.Errorf("policy %q returned non-bool %T", cr.rule.Name, out.Value())
		}
		if matched {
			return policy.Verdict{Decision: cr.rule.Action, RuleName: cr.rule.Name}, nil
		}
	}
	return policy.Verdict{Decision: policy.DecisionAllow}, nil
}
