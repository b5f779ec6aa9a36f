package policy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/rego"
)

// RegoQuery is the rule every policy module must define.
const RegoQuery = "data.tool_policy.decision"

// DefaultRegoPolicy mirrors the default static configuration.
const DefaultRegoPolicy = `
package tool_policy

default decision = "allow"

decision = "require_approval" {
	input.tool_name == "get_canadian_weather"
}
`

// RegoEvaluator evaluates an OPA module per tool call. The module returns
// either a decision string or an object {"decision": ..., "reason": ...}.
type RegoEvaluator struct {
	query rego.PreparedEvalQuery
}

func NewRegoEvaluator(ctx context.Context, module string) (*RegoEvaluator, error) {
	r := rego.New(
		rego.Query(RegoQuery),
		rego.Module("tool_policy.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego policy: %w", err)
	}
	return &RegoEvaluator{query: query}, nil
}

// LoadRegoEvaluator reads a policy module from disk.
func LoadRegoEvaluator(ctx context.Context, path string) (*RegoEvaluator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rego policy: %w", err)
	}
	return NewRegoEvaluator(ctx, string(data))
}

// Decide implements Gate. An undefined decision allows the call.
func (e *RegoEvaluator) Decide(ctx context.Context, input Input) (Decision, error) {
	args := input.Arguments
	if args == nil {
		args = map[string]any{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]any{
		"tool_name": normalizeToolName(input.ToolName),
		"args":      args,
		"thread_id": input.ThreadID,
	}))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate rego policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Action: ActionAllow}, nil
	}

	var raw, reason string
	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		raw = v
	case map[string]any:
		raw, _ = v["decision"].(string)
		reason, _ = v["reason"].(string)
	default:
		return Decision{}, fmt.Errorf("unexpected rego decision type %T", v)
	}

	action, err := parseAction(raw)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Action: action, Reason: reason}, nil
}

func parseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ActionAllow):
		return ActionAllow, nil
	case string(ActionRequireApproval):
		return ActionRequireApproval, nil
	case string(ActionDeny), "block":
		return ActionDeny, nil
	default:
		return "", fmt.Errorf("unknown rego decision %q", raw)
	}
}
