package hitl

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind names a decision variant.
type Kind string

const (
	KindApprove Kind = "approve"
	KindEdit    Kind = "edit"
	KindReject  Kind = "reject"
)

// DefaultRejectFeedback is sent to the model when a reviewer rejects without comment.
const DefaultRejectFeedback = "User rejected the tool call."

var ErrInvalidDecision = errors.New("invalid decision")

// Decision is a reviewer's answer to one action request. Build it with
// Approve, Edit or Reject; the zero value is not a valid decision.
type Decision struct {
	kind     Kind
	args     map[string]any
	feedback string
}

func Approve() Decision {
	return Decision{kind: KindApprove}
}

// Edit replaces the call arguments. A nil map is invalid.
func Edit(args map[string]any) Decision {
	return Decision{kind: KindEdit, args: cloneArgs(args)}
}

// Reject blocks the call; empty feedback falls back to DefaultRejectFeedback.
func Reject(feedback string) Decision {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		feedback = DefaultRejectFeedback
	}
	return Decision{kind: KindReject, feedback: feedback}
}

func (d Decision) Kind() Kind { return d.kind }

// Args returns a copy of the replacement arguments of an edit.
func (d Decision) Args() map[string]any { return cloneArgs(d.args) }

func (d Decision) Feedback() string { return d.feedback }

func (d Decision) IsReject() bool { return d.kind == KindReject }

func (d Decision) Validate() error {
	switch d.kind {
	case KindApprove, KindReject:
		return nil
	case KindEdit:
		if d.args == nil {
			return fmt.Errorf("%w: edit requires arguments", ErrInvalidDecision)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDecision, d.kind)
	}
}

func (d Decision) String() string {
	switch d.kind {
	case KindEdit:
		encoded, _ := json.Marshal(d.args)
		return fmt.Sprintf("edit(%s)", encoded)
	case KindReject:
		return fmt.Sprintf("reject(%q)", d.feedback)
	default:
		return string(d.kind)
	}
}

type decisionJSON struct {
	Type    string          `json:"type"`
	Args    json.RawMessage `json:"args,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (d Decision) MarshalJSON() ([]byte, error) {
	out := decisionJSON{Type: string(d.kind)}
	switch d.kind {
	case KindEdit:
		encoded, err := json.Marshal(d.args)
		if err != nil {
			return nil, err
		}
		out.Args = encoded
	case KindReject:
		out.Message = d.feedback
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts {"type": "approve|edit|reject", "args": {...}, "message": "..."}.
// The type must be one of the three kinds. Edit arguments that are missing or
// not a JSON object fall back to approve.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var in decisionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	switch Kind(strings.ToLower(strings.TrimSpace(in.Type))) {
	case KindApprove:
		*d = Approve()
	case KindEdit:
		*d = ParseEdit(string(in.Args))
	case KindReject:
		*d = Reject(in.Message)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDecision, in.Type)
	}
	return nil
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
