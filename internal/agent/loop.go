package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/MEKXH/weatherhitl/internal/approval"
	"github.com/MEKXH/weatherhitl/internal/audit"
	"github.com/MEKXH/weatherhitl/internal/guardrail"
	"github.com/MEKXH/weatherhitl/internal/hitl"
	"github.com/MEKXH/weatherhitl/internal/metrics"
	"github.com/MEKXH/weatherhitl/internal/policy"
	"github.com/MEKXH/weatherhitl/internal/render"
	"github.com/MEKXH/weatherhitl/internal/tools"
	"github.com/MEKXH/weatherhitl/internal/tracing"
)

const (
	msgNotExecutedRejected = "Tool call not executed: another tool call in this batch was rejected."
	msgNotExecutedExpired  = "Tool call not executed: approval expired."
	msgNotExecutedAnswered = "Tool call not executed: the structured response ended the turn."
	msgToolLimitExceeded   = "Error: tool call limit exceeded. Do not make additional tool calls."
)

// Invoke adds a user message to the thread and runs the agent until it
// answers, is blocked, or suspends for approval.
func (r *Runtime) Invoke(ctx context.Context, threadID, input string) (Turn, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return Turn{}, fmt.Errorf("thread id is required")
	}
	unlock := r.lockThread(threadID)
	defer unlock()

	ctx, span := tracing.StartSpan(ctx, "agent.invoke")
	defer span.End()
	span.SetAttributes(tracing.StringAttr("thread.id", threadID))

	st, err := r.load(ctx, threadID)
	if err != nil {
		tracing.RecordError(span, err)
		return Turn{ThreadID: threadID}, err
	}
	if st.Phase == hitl.PhaseSuspended && st.Pending != nil {
		in := st.Pending.Interrupt
		suspended := Turn{ThreadID: threadID, Interrupt: &in, Phase: st.Phase, ShouldContinue: true}
		expired, err := r.pendingExpired(in)
		if err != nil {
			tracing.RecordError(span, err)
			return suspended, err
		}
		if !expired {
			return suspended, ErrThreadSuspended
		}
		// A lapsed suspension is settled here so the new question can run.
		if err := r.expireBatch(ctx, st); err != nil {
			return Turn{ThreadID: threadID, Phase: st.Phase}, err
		}
	}
	if !st.Phase.Settled() {
		r.logger.Warn("recovering thread left mid-run", "thread_id", threadID, "phase", st.Phase)
		st.Phase = hitl.PhaseFailed
	}
	if err := hitl.Transition(&st.Phase, hitl.PhaseRunning); err != nil {
		return Turn{ThreadID: threadID, Phase: st.Phase}, err
	}
	st.Run = counters{}
	st.Messages = append(st.Messages, schema.UserMessage(input))

	r.logger.Info("processing message",
		"request_id", RequestIDFromContext(ctx),
		"thread_id", threadID,
		"messages", len(st.Messages),
	)

	if r.guardrail != nil {
		verdict, err := r.guardrail.Check(ctx, st.Messages)
		if err != nil || verdict.Checked {
			r.recordMetric(r.metrics.RecordGuardrail(!verdict.Allowed, err))
		}
		if err != nil {
			tracing.RecordError(span, err)
			return r.fail(ctx, st, fmt.Errorf("guardrail: %w", err))
		}
		if !verdict.Allowed {
			st.Messages = append(st.Messages, schema.AssistantMessage(guardrail.Refusal, nil))
			r.appendAudit(ctx, audit.Event{Type: audit.TypeGuardrailBlock, ThreadID: threadID, Result: verdict.Reason})
			return r.complete(ctx, st, Turn{Message: guardrail.Refusal, Blocked: true})
		}
	}

	turn, err := r.run(ctx, st)
	if err != nil {
		tracing.RecordError(span, err)
	}
	return turn, err
}

// Resume applies one decision per pending action request, in order, and
// continues the suspended run.
func (r *Runtime) Resume(ctx context.Context, threadID string, decisions []hitl.Decision) (Turn, error) {
	threadID = strings.TrimSpace(threadID)
	unlock := r.lockThread(threadID)
	defer unlock()

	ctx, span := tracing.StartSpan(ctx, "agent.resume")
	defer span.End()
	span.SetAttributes(tracing.StringAttr("thread.id", threadID), tracing.IntAttr("decisions", len(decisions)))

	st, err := r.load(ctx, threadID)
	if err != nil {
		tracing.RecordError(span, err)
		return Turn{ThreadID: threadID}, err
	}
	if st.Phase != hitl.PhaseSuspended || st.Pending == nil {
		return Turn{ThreadID: threadID, Phase: st.Phase}, ErrNotSuspended
	}
	batch := st.Pending
	in := batch.Interrupt
	suspended := Turn{ThreadID: threadID, Interrupt: &in, Phase: st.Phase, ShouldContinue: true}

	expired, err := r.pendingExpired(in)
	if err != nil {
		tracing.RecordError(span, err)
		return suspended, err
	}
	if expired {
		return r.expire(ctx, st)
	}
	if err := in.CheckDecisions(decisions); err != nil {
		return suspended, fmt.Errorf("%w: %v", ErrDecisionMismatch, err)
	}

	if err := hitl.Transition(&st.Phase, hitl.PhaseResuming); err != nil {
		return suspended, err
	}
	r.auditDecisions(ctx, st, decisions)
	for _, d := range decisions {
		r.recordMetric(r.metrics.RecordDecision(string(d.Kind())))
	}

	if hitl.AnyRejected(decisions) {
		r.applyRejection(st, batch, decisions)
		st.Pending = nil
		r.settleApproval(ctx, in.ApprovalID, true, decisions)
		if err := hitl.Transition(&st.Phase, hitl.PhaseTerminated); err != nil {
			return Turn{ThreadID: threadID, Phase: st.Phase}, err
		}
		if err := r.save(ctx, st); err != nil {
			return Turn{ThreadID: threadID, Phase: st.Phase}, err
		}
		r.logger.Info("tool calls rejected", "thread_id", threadID, "approval_id", in.ApprovalID)
		return Turn{ThreadID: threadID, Rejected: true, ShouldContinue: false, Phase: st.Phase}, nil
	}

	r.applyEdits(st, batch, decisions)
	st.Pending = nil
	r.settleApproval(ctx, in.ApprovalID, false, decisions)
	if err := hitl.Transition(&st.Phase, hitl.PhaseRunning); err != nil {
		return Turn{ThreadID: threadID, Phase: st.Phase}, err
	}
	r.execute(ctx, st, batch)

	turn, err := r.run(ctx, st)
	if err != nil {
		tracing.RecordError(span, err)
	}
	return turn, err
}

func (r *Runtime) run(ctx context.Context, st *threadState) (Turn, error) {
	for {
		if exceeded := r.modelLimitMessage(st); exceeded != "" {
			st.Messages = append(st.Messages, schema.AssistantMessage(exceeded, nil))
			r.logger.Warn("model call limit reached", "thread_id", st.ThreadID, "detail", exceeded)
			return r.complete(ctx, st, Turn{Message: exceeded})
		}

		resp, err := r.generate(ctx, st)
		if err != nil {
			return r.fail(ctx, st, err)
		}
		st.Messages = append(st.Messages, resp)

		if len(resp.ToolCalls) == 0 {
			return r.complete(ctx, st, Turn{Message: render.Answer(resp.Content)})
		}

		if idx := responseCallIndex(resp.ToolCalls); idx >= 0 {
			report, err := tools.DecodeReport(resp.ToolCalls[idx].Function.Arguments)
			for i, tc := range resp.ToolCalls {
				content := msgNotExecutedAnswered
				if i == idx {
					if err != nil {
						content = fmt.Sprintf("Error: %v. Please fix your mistakes.", err)
					} else {
						content = "Returning structured response: " + tc.Function.Arguments
					}
				}
				st.Messages = append(st.Messages, toolMessage(tc, content))
			}
			if err != nil {
				r.logger.Warn("malformed structured response", "thread_id", st.ThreadID, "error", err)
				continue
			}
			return r.complete(ctx, st, Turn{Response: report, Message: render.Answer(resp.Content)})
		}

		batch, err := r.plan(ctx, st, len(st.Messages)-1)
		if err != nil {
			return r.fail(ctx, st, err)
		}
		if len(batch.Gated) > 0 {
			return r.suspend(ctx, st, batch)
		}
		r.execute(ctx, st, batch)
	}
}

func (r *Runtime) generate(ctx context.Context, st *threadState) (*schema.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "agent.model")
	defer span.End()

	input := make([]*schema.Message, 0, len(st.Messages)+1)
	input = append(input, schema.SystemMessage(r.cfg.SystemPrompt))
	input = append(input, st.Messages...)

	st.Run.ModelCalls++
	st.Thread.ModelCalls++
	start := time.Now()
	resp, err := r.model.Generate(ctx, input)
	r.logger.Debug("model call finished",
		"thread_id", st.ThreadID,
		"duration_ms", time.Since(start).Milliseconds(),
		"success", err == nil,
	)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("model generate: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("model generate: empty response")
	}
	if resp.Role == "" {
		resp.Role = schema.Assistant
	}
	return resp, nil
}

// plan evaluates the policy for every call of the assistant message at idx.
func (r *Runtime) plan(ctx context.Context, st *threadState, idx int) (*pendingBatch, error) {
	msg := st.Messages[idx]
	batch := &pendingBatch{
		AssistantIndex: idx,
		Actions:        make([]policy.Action, len(msg.ToolCalls)),
		Reasons:        make([]string, len(msg.ToolCalls)),
	}
	var requests []hitl.ActionRequest

	for i, tc := range msg.ToolCalls {
		name := tc.Function.Name
		args := decodeArgs(tc.Function.Arguments)
		if _, ok := r.tools.Get(name); !ok {
			batch.Actions[i] = policy.ActionDeny
			batch.Reasons[i] = fmt.Sprintf("tool not found: %s", name)
			continue
		}

		decision, err := r.gate.Decide(ctx, policy.Input{ToolName: name, Arguments: args, ThreadID: st.ThreadID})
		if err != nil {
			return nil, fmt.Errorf("policy decide %s: %w", name, err)
		}
		batch.Actions[i] = decision.Action
		switch decision.Action {
		case policy.ActionDeny:
			reason := strings.TrimSpace(decision.Reason)
			if reason == "" {
				reason = fmt.Sprintf("tool %s denied by policy", name)
			}
			batch.Reasons[i] = reason
		case policy.ActionRequireApproval:
			batch.Gated = append(batch.Gated, i)
			requests = append(requests, hitl.ActionRequest{
				ToolCallID:  tc.ID,
				Name:        name,
				Arguments:   args,
				Description: r.describer.Describe(name, args),
			})
		}
	}
	batch.Interrupt.ActionRequests = requests
	return batch, nil
}

// suspend parks the batch before any of its calls run.
func (r *Runtime) suspend(ctx context.Context, st *threadState, batch *pendingBatch) (Turn, error) {
	now := r.nowUTC()
	in := hitl.Interrupt{
		ThreadID:       st.ThreadID,
		ActionRequests: batch.Interrupt.ActionRequests,
		RequestedAt:    now,
		ExpiresAt:      now.Add(r.cfg.ApprovalTTL),
	}

	if r.approvals != nil {
		actions := make([]approval.Action, 0, len(in.ActionRequests))
		for _, req := range in.ActionRequests {
			encoded, _ := json.Marshal(req.Arguments)
			actions = append(actions, approval.Action{ToolCallID: req.ToolCallID, ToolName: req.Name, ArgsJSON: string(encoded)})
		}
		rec, err := r.approvals.Create(approval.CreateInput{ThreadID: st.ThreadID, Actions: actions, TTL: r.cfg.ApprovalTTL})
		if err != nil {
			return r.fail(ctx, st, fmt.Errorf("record approval: %w", err))
		}
		in.ApprovalID = rec.ID
	} else {
		in.ApprovalID = NewThreadID()
	}

	batch.Interrupt = in
	st.Pending = batch
	if err := hitl.Transition(&st.Phase, hitl.PhaseSuspended); err != nil {
		return Turn{ThreadID: st.ThreadID, Phase: st.Phase}, err
	}
	if err := r.save(ctx, st); err != nil {
		return Turn{ThreadID: st.ThreadID, Phase: st.Phase}, err
	}

	r.recordMetric(r.metrics.RecordInterrupt(len(in.ActionRequests)))
	for _, req := range in.ActionRequests {
		r.appendAudit(ctx, audit.Event{
			Type:       audit.TypeInterrupt,
			ThreadID:   st.ThreadID,
			ApprovalID: in.ApprovalID,
			Tool:       req.Name,
			Result:     "pending",
		})
	}
	r.logger.Info("thread suspended for approval",
		"thread_id", st.ThreadID,
		"approval_id", in.ApprovalID,
		"actions", len(in.ActionRequests),
		"expires_at", in.ExpiresAt.Format(time.RFC3339),
	)
	return Turn{ThreadID: st.ThreadID, Interrupt: &in, Phase: st.Phase, ShouldContinue: true}, nil
}

func (r *Runtime) expire(ctx context.Context, st *threadState) (Turn, error) {
	if err := r.expireBatch(ctx, st); err != nil {
		return Turn{ThreadID: st.ThreadID, Phase: st.Phase}, err
	}
	return Turn{ThreadID: st.ThreadID, Phase: st.Phase}, ErrSuspensionExpired
}

// expireBatch drops the pending batch with "not executed" tool messages,
// settles its ledger record and checkpoints the thread as expired.
func (r *Runtime) expireBatch(ctx context.Context, st *threadState) error {
	batch := st.Pending
	msg := st.Messages[batch.AssistantIndex]
	for _, tc := range msg.ToolCalls {
		st.Messages = append(st.Messages, toolMessage(tc, msgNotExecutedExpired))
	}
	st.Pending = nil
	if r.approvals != nil {
		if _, err := r.approvals.Expire(batch.Interrupt.ApprovalID); err != nil && !errors.Is(err, approval.ErrNotPending) {
			r.logger.Warn("expire approval failed", "approval_id", batch.Interrupt.ApprovalID, "error", err)
		}
	}
	if err := hitl.Transition(&st.Phase, hitl.PhaseExpired); err != nil {
		return err
	}
	if err := r.save(ctx, st); err != nil {
		return err
	}
	r.appendAudit(ctx, audit.Event{Type: audit.TypeExpired, ThreadID: st.ThreadID, ApprovalID: batch.Interrupt.ApprovalID})
	r.recordMetric(r.metrics.RecordExpired())
	r.logger.Info("suspension expired", "thread_id", st.ThreadID, "approval_id", batch.Interrupt.ApprovalID)
	return nil
}

// pendingExpired reports whether a suspension lapsed, by the runtime clock or
// by its ledger record.
func (r *Runtime) pendingExpired(in hitl.Interrupt) (bool, error) {
	if in.Expired(r.nowUTC()) {
		return true, nil
	}
	if r.approvals == nil {
		return false, nil
	}
	_, err := r.approvals.Claim(in.ApprovalID)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, approval.ErrExpired):
		return true, nil
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, approval.ErrNotPending):
		r.logger.Warn("approval ledger out of sync", "thread_id", in.ThreadID, "approval_id", in.ApprovalID, "error", err)
		return false, nil
	default:
		return false, fmt.Errorf("claim approval: %w", err)
	}
}

// execute runs the batch in call order and appends one tool message per call.
func (r *Runtime) execute(ctx context.Context, st *threadState, batch *pendingBatch) {
	msg := st.Messages[batch.AssistantIndex]
	for i, tc := range msg.ToolCalls {
		var content string
		if batch.Actions[i] == policy.ActionDeny {
			content = "Error: " + batch.Reasons[i]
			r.appendAudit(ctx, audit.Event{Type: audit.TypePolicyDeny, ThreadID: st.ThreadID, Tool: tc.Function.Name, Result: batch.Reasons[i]})
		} else {
			content = r.runTool(ctx, st, tc)
		}
		st.Messages = append(st.Messages, toolMessage(tc, content))
	}
}

func (r *Runtime) runTool(ctx context.Context, st *threadState, tc schema.ToolCall) string {
	name := tc.Function.Name
	if st.Run.ToolCalls >= r.cfg.ToolCallRunLimit || st.Thread.ToolCalls >= r.cfg.ToolCallThreadLimit {
		r.logger.Warn("tool call limit reached", "thread_id", st.ThreadID, "tool", name)
		return msgToolLimitExceeded
	}
	st.Run.ToolCalls++
	st.Thread.ToolCalls++

	ctx, span := tracing.StartSpan(ctx, "agent.tool")
	defer span.End()
	span.SetAttributes(tracing.StringAttr("tool.name", name))

	toolCtx := tools.WithInvocation(ctx, tools.Invocation{
		ThreadID:   st.ThreadID,
		RequestID:  RequestIDFromContext(ctx),
		ToolCallID: tc.ID,
	})
	start := time.Now()
	result, err := r.tools.Execute(toolCtx, name, tc.Function.Arguments)
	if err != nil {
		tracing.RecordError(span, err)
		result = "Error: " + err.Error()
	}
	duration := time.Since(start)
	r.recordMetric(r.metrics.RecordToolExecution(duration, result, err))
	r.logger.Info("tool execution finished",
		"request_id", RequestIDFromContext(ctx),
		"thread_id", st.ThreadID,
		"tool", name,
		"duration_ms", duration.Milliseconds(),
		"success", err == nil,
	)
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
	}
	r.appendAudit(ctx, audit.Event{Type: audit.TypeToolResult, ThreadID: st.ThreadID, Tool: name, Result: outcome})
	return result
}

func (r *Runtime) applyRejection(st *threadState, batch *pendingBatch, decisions []hitl.Decision) {
	byCall := make(map[int]hitl.Decision, len(batch.Gated))
	for k, idx := range batch.Gated {
		byCall[idx] = decisions[k]
	}
	msg := st.Messages[batch.AssistantIndex]
	for i, tc := range msg.ToolCalls {
		content := msgNotExecutedRejected
		if d, ok := byCall[i]; ok && d.IsReject() {
			content = d.Feedback()
		}
		st.Messages = append(st.Messages, toolMessage(tc, content))
	}
}

// applyEdits rewrites edited call arguments in the assistant transcript.
func (r *Runtime) applyEdits(st *threadState, batch *pendingBatch, decisions []hitl.Decision) {
	msg := st.Messages[batch.AssistantIndex]
	for k, idx := range batch.Gated {
		d := decisions[k]
		if d.Kind() != hitl.KindEdit {
			continue
		}
		encoded, err := json.Marshal(d.Args())
		if err != nil {
			continue
		}
		msg.ToolCalls[idx].Function.Arguments = string(encoded)
	}
}

func (r *Runtime) settleApproval(ctx context.Context, approvalID string, rejected bool, decisions []hitl.Decision) {
	if r.approvals == nil {
		return
	}
	reviewer := reviewerFromContext(ctx)
	notes := make([]string, 0, len(decisions))
	for _, d := range decisions {
		notes = append(notes, d.String())
	}
	input := approval.DecisionInput{DecidedBy: reviewer, Note: strings.Join(notes, "; ")}

	var err error
	if rejected {
		_, err = r.approvals.Reject(approvalID, input)
	} else {
		_, err = r.approvals.Approve(approvalID, input)
	}
	if err != nil {
		r.logger.Warn("settle approval failed", "approval_id", approvalID, "error", err)
	}
}

func (r *Runtime) auditDecisions(ctx context.Context, st *threadState, decisions []hitl.Decision) {
	for k, req := range st.Pending.Interrupt.ActionRequests {
		r.appendAudit(ctx, audit.Event{
			Type:       audit.TypeDecision,
			ThreadID:   st.ThreadID,
			ApprovalID: st.Pending.Interrupt.ApprovalID,
			Tool:       req.Name,
			Result:     decisions[k].String(),
		})
	}
}

func (r *Runtime) complete(ctx context.Context, st *threadState, turn Turn) (Turn, error) {
	if err := hitl.Transition(&st.Phase, hitl.PhaseCompleted); err != nil {
		return Turn{ThreadID: st.ThreadID, Phase: st.Phase}, err
	}
	if err := r.save(ctx, st); err != nil {
		return Turn{ThreadID: st.ThreadID, Phase: st.Phase}, err
	}
	turn.ThreadID = st.ThreadID
	turn.Phase = st.Phase
	return turn, nil
}

func (r *Runtime) fail(ctx context.Context, st *threadState, cause error) (Turn, error) {
	if err := hitl.Transition(&st.Phase, hitl.PhaseFailed); err != nil {
		r.logger.Warn("mark thread failed", "thread_id", st.ThreadID, "error", err)
	}
	st.Pending = nil
	if err := r.save(ctx, st); err != nil {
		r.logger.Warn("save failed thread", "thread_id", st.ThreadID, "error", err)
	}
	r.logger.Error("agent run failed", "request_id", RequestIDFromContext(ctx), "thread_id", st.ThreadID, "error", cause)
	return Turn{ThreadID: st.ThreadID, Phase: st.Phase}, cause
}

func (r *Runtime) modelLimitMessage(st *threadState) string {
	var parts []string
	if st.Thread.ModelCalls >= r.cfg.ModelCallThreadLimit {
		parts = append(parts, fmt.Sprintf("thread limit (%d/%d)", st.Thread.ModelCalls, r.cfg.ModelCallThreadLimit))
	}
	if st.Run.ModelCalls >= r.cfg.ModelCallRunLimit {
		parts = append(parts, fmt.Sprintf("run limit (%d/%d)", st.Run.ModelCalls, r.cfg.ModelCallRunLimit))
	}
	if len(parts) == 0 {
		return ""
	}
	return "Model call limits exceeded: " + strings.Join(parts, ", ")
}

func (r *Runtime) appendAudit(ctx context.Context, event audit.Event) {
	if r.audit == nil {
		return
	}
	event.Time = r.nowUTC()
	event.RequestID = RequestIDFromContext(ctx)
	if err := r.audit.Append(event); err != nil {
		r.logger.Warn("append audit event failed", "type", event.Type, "error", err)
	}
}

func (r *Runtime) recordMetric(_ metrics.RuntimeSnapshot, err error) {
	if err != nil {
		r.logger.Debug("persist runtime metrics failed", "error", err)
	}
}

func responseCallIndex(calls []schema.ToolCall) int {
	for i, tc := range calls {
		if tc.Function.Name == tools.WeatherResponseName {
			return i
		}
	}
	return -1
}

func decodeArgs(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

func toolMessage(tc schema.ToolCall, content string) *schema.Message {
	return &schema.Message{
		Role:       schema.Tool,
		Content:    content,
		ToolCallID: tc.ID,
	}
}
