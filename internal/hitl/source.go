package hitl

import (
	"context"
	"fmt"
	"sync"
)

// Source supplies one decision per action request of an interrupt.
type Source interface {
	Decide(ctx context.Context, interrupt Interrupt) ([]Decision, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, interrupt Interrupt) ([]Decision, error)

func (f SourceFunc) Decide(ctx context.Context, interrupt Interrupt) ([]Decision, error) {
	return f(ctx, interrupt)
}

// ApproveAll approves every action request.
var ApproveAll Source = SourceFunc(func(_ context.Context, interrupt Interrupt) ([]Decision, error) {
	out := make([]Decision, len(interrupt.ActionRequests))
	for i := range out {
		out[i] = Approve()
	}
	return out, nil
})

// Scripted replays prepared decision batches, one per interrupt.
type Scripted struct {
	mu      sync.Mutex
	batches [][]Decision
	seen    []Interrupt
}

func NewScripted(batches ...[]Decision) *Scripted {
	return &Scripted{batches: batches}
}

func (s *Scripted) Decide(_ context.Context, interrupt Interrupt) ([]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen = append(s.seen, interrupt)
	if len(s.batches) == 0 {
		return nil, fmt.Errorf("no scripted decisions left for interrupt on thread %s", interrupt.ThreadID)
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

// Seen returns the interrupts presented so far.
func (s *Scripted) Seen() []Interrupt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Interrupt(nil), s.seen...)
}
