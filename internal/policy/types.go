package policy

import "context"

// Action is the policy decision for a tool execution request.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionDeny            Action = "deny"
	ActionRequireApproval Action = "require_approval"
)

// Mode controls evaluator behavior.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeOff    Mode = "off"
)

const DefaultDescriptionPrefix = "Tool execution pending approval"

// Config contains policy settings required by the evaluator.
type Config struct {
	Mode Mode
	// InterruptOn maps tool names to whether a call must pause for approval.
	// Tools missing from the map run without approval.
	InterruptOn       map[string]bool
	Deny              []string
	DescriptionPrefix string
}

// DefaultInterruptOn gates Canadian lookups only.
func DefaultInterruptOn() map[string]bool {
	return map[string]bool{
		"get_weather":          false,
		"get_canadian_weather": true,
	}
}

// Input is the evaluation context for one tool call.
type Input struct {
	ToolName  string
	Arguments map[string]any
	ThreadID  string
}

// Decision is the policy result.
type Decision struct {
	Action Action
	Reason string
}

// Gate decides whether a tool call may run.
type Gate interface {
	Decide(ctx context.Context, input Input) (Decision, error)
}
