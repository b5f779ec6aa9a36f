package tracker

import (
	"errors"
	"fmt"
	"time"
)

// Status is the coarse lifecycle state of a tracked request.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusHITLRequired Status = "hitl_required"
	StatusApproved     Status = "approved"
	StatusDenied       Status = "denied"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

const (
	ProgressCreated      = 15
	ProgressHITLRequired = 50
	ProgressApproved     = 75
	ProgressDenied       = 0
	ProgressCompleted    = 100

	titleLimit = 50
)

var (
	ErrNotFound          = errors.New("request not found")
	ErrInvalidTransition = errors.New("invalid request status transition")
	ErrInvalidProgress   = errors.New("progress must be between 0 and 100")
)

// Request is one tracked agent request.
type Request struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var allowedStatusTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:      {},
		StatusHITLRequired: {},
		StatusFailed:       {},
	},
	StatusRunning: {
		StatusHITLRequired: {},
		StatusCompleted:    {},
		StatusFailed:       {},
	},
	StatusHITLRequired: {
		StatusRunning: {},
		StatusFailed:  {},
	},
	StatusApproved: {
		StatusRunning:      {},
		StatusHITLRequired: {},
		StatusCompleted:    {},
		StatusFailed:       {},
	},
	StatusDenied: {
		StatusRunning: {},
	},
	StatusCompleted: {
		StatusRunning: {},
	},
	StatusFailed: {
		StatusRunning: {},
	},
}

// ValidateTransition checks from -> to. Approve and deny bypass this table.
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	allowed, ok := allowedStatusTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source status %q", ErrInvalidTransition, from)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := allowedStatusTransitions[s]
	return ok
}

// Title derives a display title: the first 50 characters plus "..." when
// the description is longer.
func Title(description string) string {
	runes := []rune(description)
	if len(runes) <= titleLimit {
		return description
	}
	return string(runes[:titleLimit]) + "..."
}
