package hitl

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionRequest is one gated tool call awaiting a decision.
type ActionRequest struct {
	ToolCallID  string         `json:"tool_call_id"`
	Name        string         `json:"name"`
	Arguments   map[string]any `json:"arguments"`
	Description string         `json:"description"`
}

// Display renders the call as tool_name(arguments).
func (a ActionRequest) Display() string {
	args := a.Arguments
	if args == nil {
		args = map[string]any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte("{}")
	}
	return fmt.Sprintf("%s(%s)", a.Name, encoded)
}

// Interrupt is a suspension of a thread pending decisions for every action
// request, in order.
type Interrupt struct {
	ThreadID       string          `json:"thread_id"`
	ApprovalID     string          `json:"approval_id"`
	ActionRequests []ActionRequest `json:"action_requests"`
	RequestedAt    time.Time       `json:"requested_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Expired reports whether the suspension is past its deadline at now.
func (i Interrupt) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// CheckDecisions validates a decision batch against the pending requests.
func (i Interrupt) CheckDecisions(decisions []Decision) error {
	if len(decisions) != len(i.ActionRequests) {
		return fmt.Errorf("%w: expected %d decisions, got %d", ErrInvalidDecision, len(i.ActionRequests), len(decisions))
	}
	for idx, d := range decisions {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("decision %d: %w", idx, err)
		}
	}
	return nil
}

// AnyRejected reports whether at least one decision rejects.
func AnyRejected(decisions []Decision) bool {
	for _, d := range decisions {
		if d.IsReject() {
			return true
		}
	}
	return false
}
