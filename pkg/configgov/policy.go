package configgov

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// ApprovalPolicy decides whether a staged change for a key must be approved
// by a second principal before it applies. The rule is a CEL expression over
// the change's key and sensitivity, so operators can tighten governance
// without a rebuild, e.g.:
//
//	sensitive || key.startsWith("security.")
type ApprovalPolicy struct {
	program cel.Program
}

// DefaultApprovalRule is used when no rule is configured: sensitive keys
// always require approval.
const DefaultApprovalRule = `sensitive`

// NewApprovalPolicy compiles the rule. An empty rule falls back to
// DefaultApprovalRule.
func NewApprovalPolicy(rule string) (*ApprovalPolicy, error) {
	if rule == "" {
		rule = DefaultApprovalRule
	}
	env, err := cel.NewEnv(
		cel.Variable("key", cel.StringType),
		cel.Variable("sensitive", cel.BoolType),
		cel.Variable("schema_version", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create approval policy environment: %w", err)
	}
	ast, issues := env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile approval rule %q: %w", rule, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("approval rule %q must evaluate to bool, got %s", rule, ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build approval rule program: %w", err)
	}
	return &ApprovalPolicy{program: program}, nil
}

// RequiresApproval evaluates the rule for one change. Evaluation errors fail
// closed: the change requires approval.
func (p *ApprovalPolicy) RequiresApproval(key string, sensitive bool, schemaVersion int) bool {
	out, _, err := p.program.Eval(map[string]any{
		"key":            key,
		"sensitive":      sensitive,
		"schema_version": schemaVersion,
	})
	if err != nil {
		return true
	}
	required, ok := out.Value().(bool)
	if !ok {
		return true
	}
	return required
}
