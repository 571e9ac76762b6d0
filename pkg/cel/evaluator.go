package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"relayq/pkg/models"
)

// Evaluator compiles and runs CEL rules over a message. Rules see the
// variables id, timestamp, payload, retries and max_retries.
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("retries", cel.IntType),
		cel.Variable("max_retries", cel.IntType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

func (e *Evaluator) ValidateRule(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("rule must return bool, got %v", ast.OutputType())
	}

	return nil
}

// Rule is a compiled boolean expression.
type Rule struct {
	Expression string
	program    cel.Program
}

func (e *Evaluator) CompileRule(expression string) (*Rule, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Rule{Expression: expression, program: program}, nil
}

func (r *Rule) Evaluate(ctx context.Context, msg *models.Message) (bool, error) {
	result, _, err := r.program.ContextEval(ctx, activation(msg))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

// EvaluateRule compiles and runs expression once. Prefer CompileRule for
// rules evaluated repeatedly.
func (e *Evaluator) EvaluateRule(ctx context.Context, expression string, msg *models.Message) (bool, error) {
	rule, err := e.CompileRule(expression)
	if err != nil {
		return false, err
	}
	return rule.Evaluate(ctx, msg)
}

func activation(msg *models.Message) map[string]interface{} {
	payload := msg.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"id":          msg.ID,
		"timestamp":   msg.Timestamp,
		"payload":     payload,
		"retries":     int64(msg.Retries),
		"max_retries": int64(msg.MaxRetries),
	}
}

// RuleSet holds rules that must all hold for a message to be accepted.
type RuleSet struct {
	rules []*Rule
}

func (e *Evaluator) CompileRuleSet(expressions []string) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]*Rule, 0, len(expressions))}
	for _, expr := range expressions {
		rule, err := e.CompileRule(expr)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", expr, err)
		}
		rs.rules = append(rs.rules, rule)
	}
	return rs, nil
}

func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Check returns the first rule that evaluated false, or nil when every rule
// passed. Evaluation errors are returned as-is.
func (rs *RuleSet) Check(ctx context.Context, msg *models.Message) (*Rule, error) {
	for _, rule := range rs.rules {
		ok, err := rule.Evaluate(ctx, msg)
		if err != nil {
			return rule, err
		}
		if !ok {
			return rule, nil
		}
	}
	return nil, nil
}
