package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Evaluator performs pure policy decisions.
type Evaluator struct {
	mode              Mode
	interruptOn       map[string]bool
	deny              map[string]struct{}
	descriptionPrefix string
}

// NewEvaluator builds a deterministic, side-effect free evaluator.
func NewEvaluator(cfg Config) Evaluator {
	interruptOn := make(map[string]bool, len(cfg.InterruptOn))
	for toolName, gated := range cfg.InterruptOn {
		normalized := normalizeToolName(toolName)
		if normalized == "" {
			continue
		}
		interruptOn[normalized] = gated
	}
	deny := make(map[string]struct{}, len(cfg.Deny))
	for _, toolName := range cfg.Deny {
		normalized := normalizeToolName(toolName)
		if normalized == "" {
			continue
		}
		deny[normalized] = struct{}{}
	}
	prefix := strings.TrimSpace(cfg.DescriptionPrefix)
	if prefix == "" {
		prefix = DefaultDescriptionPrefix
	}

	return Evaluator{
		mode:              normalizeMode(cfg.Mode),
		interruptOn:       interruptOn,
		deny:              deny,
		descriptionPrefix: prefix,
	}
}

// Evaluate returns a deterministic decision for the given input.
func (e Evaluator) Evaluate(input Input) Decision {
	toolName := normalizeToolName(input.ToolName)

	if _, ok := e.deny[toolName]; ok {
		return Decision{Action: ActionDeny, Reason: fmt.Sprintf("tool %s is denied by policy", toolName)}
	}

	switch e.mode {
	case ModeOff:
		return Decision{Action: ActionAllow}
	case ModeStrict:
		if e.interruptOn[toolName] {
			return Decision{Action: ActionRequireApproval}
		}
		return Decision{Action: ActionAllow}
	default:
		return Decision{Action: ActionDeny, Reason: "unknown policy mode"}
	}
}

// Decide implements Gate.
func (e Evaluator) Decide(_ context.Context, input Input) (Decision, error) {
	return e.Evaluate(input), nil
}

// Describe renders the text shown to the reviewer of a gated call.
func (e Evaluator) Describe(toolName string, args map[string]any) string {
	return Describe(e.descriptionPrefix, toolName, args)
}

// Describe formats "<prefix>\n\nTool: <name>\nArgs: <json>".
func Describe(prefix, toolName string, args map[string]any) string {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultDescriptionPrefix
	}
	if args == nil {
		args = map[string]any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte("{}")
	}
	return fmt.Sprintf("%s\n\nTool: %s\nArgs: %s", prefix, toolName, encoded)
}

func normalizeMode(mode Mode) Mode {
	switch strings.ToLower(strings.TrimSpace(string(mode))) {
	case string(ModeStrict), "":
		return ModeStrict
	case string(ModeOff):
		return ModeOff
	default:
		return Mode(strings.ToLower(strings.TrimSpace(string(mode))))
	}
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
