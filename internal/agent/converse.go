package agent

import (
	"context"

	"github.com/MEKXH/weatherhitl/internal/hitl"
)

// Runner is the invoke/resume surface Converse drives.
type Runner interface {
	Invoke(ctx context.Context, threadID, input string) (Turn, error)
	Resume(ctx context.Context, threadID string, decisions []hitl.Decision) (Turn, error)
}

// Converse invokes the runner and keeps asking source for decisions until
// the turn is no longer interrupted.
func Converse(ctx context.Context, runner Runner, source hitl.Source, threadID, input string) (Turn, error) {
	turn, err := runner.Invoke(ctx, threadID, input)
	for err == nil && turn.Interrupted() {
		decisions, derr := source.Decide(ctx, *turn.Interrupt)
		if derr != nil {
			return turn, derr
		}
		turn, err = runner.Resume(ctx, threadID, decisions)
	}
	return turn, err
}
