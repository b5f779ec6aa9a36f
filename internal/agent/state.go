package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/MEKXH/weatherhitl/internal/hitl"
	"github.com/MEKXH/weatherhitl/internal/policy"
)

const stateVersion = 1

// counters tracks model and tool calls.
type counters struct {
	ModelCalls int `json:"model_calls"`
	ToolCalls  int `json:"tool_calls"`
}

// pendingBatch is a model tool-call batch held back for decisions.
type pendingBatch struct {
	Interrupt hitl.Interrupt `json:"interrupt"`
	// AssistantIndex locates the assistant message that issued the batch.
	AssistantIndex int `json:"assistant_index"`
	// Actions holds the policy outcome of every call, aligned with the
	// assistant's ToolCalls.
	Actions []policy.Action `json:"actions"`
	Reasons []string        `json:"reasons"`
	// Gated maps each action request to its position in ToolCalls.
	Gated []int `json:"gated"`
}

// threadState is the checkpointed conversation of one thread. The system
// prompt is not stored.
type threadState struct {
	Version  int               `json:"version"`
	ThreadID string            `json:"thread_id"`
	Phase    hitl.Phase        `json:"phase"`
	Messages []*schema.Message `json:"messages"`
	Thread   counters          `json:"thread"`
	Run      counters          `json:"run"`
	Pending  *pendingBatch     `json:"pending,omitempty"`
}

func (r *Runtime) load(ctx context.Context, threadID string) (*threadState, error) {
	data, ok, err := r.checkpoints.Get(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if !ok {
		return &threadState{Version: stateVersion, ThreadID: threadID, Phase: hitl.PhaseIdle}, nil
	}
	var st threadState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", threadID, err)
	}
	st.ThreadID = threadID
	return &st, nil
}

func (r *Runtime) save(ctx context.Context, st *threadState) error {
	st.Version = stateVersion
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode thread %s: %w", st.ThreadID, err)
	}
	if err := r.checkpoints.Set(ctx, st.ThreadID, data); err != nil {
		return fmt.Errorf("save thread %s: %w", st.ThreadID, err)
	}
	return nil
}

// ThreadInfo is a read-only view of a thread.
type ThreadInfo struct {
	ThreadID  string
	Phase     hitl.Phase
	Messages  int
	Pending   *hitl.Interrupt
	ModelRuns int
	ToolRuns  int
}

// Thread reports the checkpointed state of a thread. Unknown threads are idle.
func (r *Runtime) Thread(ctx context.Context, threadID string) (ThreadInfo, error) {
	unlock := r.lockThread(threadID)
	defer unlock()

	st, err := r.load(ctx, threadID)
	if err != nil {
		return ThreadInfo{}, err
	}
	if st.Phase == hitl.PhaseSuspended && st.Pending != nil {
		expired, err := r.pendingExpired(st.Pending.Interrupt)
		if err != nil {
			return ThreadInfo{}, err
		}
		if expired {
			if err := r.expireBatch(ctx, st); err != nil {
				return ThreadInfo{}, err
			}
		}
	}
	info := ThreadInfo{
		ThreadID:  threadID,
		Phase:     st.Phase,
		Messages:  len(st.Messages),
		ModelRuns: st.Thread.ModelCalls,
		ToolRuns:  st.Thread.ToolCalls,
	}
	if st.Pending != nil {
		in := st.Pending.Interrupt
		info.Pending = &in
	}
	return info, nil
}
