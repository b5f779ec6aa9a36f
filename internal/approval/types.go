package approval

import (
	"errors"
	"time"
)

// RequestStatus is the lifecycle state of a suspension record.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
	StatusExpired  RequestStatus = "expired"
)

var (
	ErrNotFound   = errors.New("approval not found")
	ErrNotPending = errors.New("approval is not pending")
	ErrExpired    = errors.New("approval expired")
)

// Action is one gated tool call in a suspension.
type Action struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	ArgsJSON   string `json:"args_json"`
}

// Request is a persisted suspension awaiting decisions for every action.
type Request struct {
	ID           string        `json:"id"`
	ThreadID     string        `json:"thread_id"`
	Actions      []Action      `json:"actions"`
	DecisionNote string        `json:"decision_note,omitempty"`
	Status       RequestStatus `json:"status"`
	RequestedAt  time.Time     `json:"requested_at"`
	ExpiresAt    time.Time     `json:"expires_at,omitempty"`
	DecidedAt    time.Time     `json:"decided_at,omitempty"`
	DecidedBy    string        `json:"decided_by,omitempty"`
}

// CreateInput contains fields needed to open a suspension record.
type CreateInput struct {
	ThreadID string
	Actions  []Action
	TTL      time.Duration
}

// DecisionInput contains fields needed to settle a record.
type DecisionInput struct {
	DecidedBy string
	Note      string
}

// Query filters records when listing.
type Query struct {
	ID       string
	Status   RequestStatus
	ThreadID string
}
