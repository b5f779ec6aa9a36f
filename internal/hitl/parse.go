package hitl

import (
	"encoding/json"
	"strings"
)

// ParseKind maps reviewer input to a decision kind. Single letters and full
// words are accepted case-insensitively; anything else approves.
func ParseKind(input string) Kind {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "e", "edit":
		return KindEdit
	case "r", "reject":
		return KindReject
	default:
		return KindApprove
	}
}

// ParseEdit builds an edit from a JSON object. Input that does not parse as
// an object approves the original call instead.
func ParseEdit(input string) Decision {
	input = strings.TrimSpace(input)
	if input == "" {
		return Approve()
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(input), &args); err != nil || args == nil {
		return Approve()
	}
	return Edit(args)
}
