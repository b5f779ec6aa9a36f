package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/MEKXH/weatherhitl/internal/approval"
	"github.com/MEKXH/weatherhitl/internal/audit"
	"github.com/MEKXH/weatherhitl/internal/checkpoint"
	"github.com/MEKXH/weatherhitl/internal/guardrail"
	"github.com/MEKXH/weatherhitl/internal/hitl"
	"github.com/MEKXH/weatherhitl/internal/metrics"
	"github.com/MEKXH/weatherhitl/internal/policy"
	"github.com/MEKXH/weatherhitl/internal/tools"
	"github.com/MEKXH/weatherhitl/internal/weather"
)

type scriptedModel struct {
	mu      sync.Mutex
	replies []*schema.Message
	inputs  [][]*schema.Message
	bound   []*schema.ToolInfo
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, append([]*schema.Message(nil), input...))
	if len(m.replies) == 0 {
		return nil, errors.New("no scripted reply left")
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return reply, nil
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, nil
}

func (m *scriptedModel) BindTools(infos []*schema.ToolInfo) error {
	m.bound = infos
	return nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func (m *scriptedModel) lastInput() []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[len(m.inputs)-1]
}

type stubLookup struct {
	mu     sync.Mutex
	cities []string
}

func (s *stubLookup) Lookup(ctx context.Context, city string) weather.Result {
	s.mu.Lock()
	s.cities = append(s.cities, city)
	s.mu.Unlock()
	return weather.Result{
		Raw:      json.RawMessage(`{"current":{"temperature_2m":12,"weather_code":1}}`),
		Forecast: &weather.Forecast{},
	}
}

func (s *stubLookup) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cities...)
}

type stubScreener struct {
	verdict guardrail.Verdict
	err     error
}

func (s stubScreener) Check(ctx context.Context, messages []*schema.Message) (guardrail.Verdict, error) {
	return s.verdict, s.err
}

func call(id, name, args string) schema.ToolCall {
	return schema.ToolCall{ID: id, Function: schema.FunctionCall{Name: name, Arguments: args}}
}

func calls(tcs ...schema.ToolCall) *schema.Message {
	return schema.AssistantMessage("", tcs)
}

func answer(city string) *schema.Message {
	return calls(call("resp", tools.WeatherResponseName,
		`{"city":"`+city+`","weather":"clear","temperature":"12","summary":"nice"}`))
}

func newTestRuntime(t *testing.T, m *scriptedModel, mutate func(*Options)) (*Runtime, *stubLookup) {
	t.Helper()
	lookup := &stubLookup{}
	reg, respond, err := tools.NewWeatherRegistry(lookup)
	if err != nil {
		t.Fatalf("NewWeatherRegistry error: %v", err)
	}
	opts := Options{
		Model:   m,
		Tools:   reg,
		Respond: respond,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	rt, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return rt, lookup
}

func toolMessages(msgs []*schema.Message) []*schema.Message {
	var out []*schema.Message
	for _, msg := range msgs {
		if msg.Role == schema.Tool {
			out = append(out, msg)
		}
	}
	return out
}

func TestInvoke_PlainAnswer(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{schema.AssistantMessage("Hello there", nil)}}
	rt, _ := newTestRuntime(t, m, nil)

	turn, err := rt.Invoke(context.Background(), "t1", "hi")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if turn.Message != "Hello there" || turn.Interrupted() || turn.Phase != hitl.PhaseCompleted {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if len(m.bound) != 3 {
		t.Fatalf("expected 3 bound tools, got %d", len(m.bound))
	}
	input := m.lastInput()
	if input[0].Role != schema.System || input[0].Content != DefaultSystemPrompt {
		t.Fatalf("expected system prompt first, got %+v", input[0])
	}
	if input[1].Role != schema.User || input[1].Content != "hi" {
		t.Fatalf("expected user message, got %+v", input[1])
	}
}

func TestInvoke_PlainAnswerDropsReasoning(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		schema.AssistantMessage("<think>no tool needed</think>Ask me about a city.", nil),
	}}
	rt, _ := newTestRuntime(t, m, nil)

	turn, err := rt.Invoke(context.Background(), "t1", "hi")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if turn.Message != "Ask me about a city." {
		t.Fatalf("unexpected message: %q", turn.Message)
	}
}

func TestInvoke_UngatedToolThenStructuredResponse(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		calls(call("c1", tools.GetWeatherName, `{"city":"Boston"}`)),
		answer("Boston"),
	}}
	rt, lookup := newTestRuntime(t, m, nil)

	turn, err := rt.Invoke(context.Background(), "t1", "weather in boston?")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if turn.Response == nil || turn.Response.City != "Boston" {
		t.Fatalf("expected structured response, got %+v", turn)
	}
	if got := lookup.seen(); len(got) != 1 || got[0] != "Boston" {
		t.Fatalf("unexpected lookups: %v", got)
	}
	tms := toolMessages(m.lastInput())
	if len(tms) != 1 || tms[0].ToolCallID != "c1" || !strings.Contains(tms[0].Content, `"temperature_2m":12`) {
		t.Fatalf("unexpected tool messages: %+v", tms)
	}
}

func TestInvoke_GatedCallSuspendsThenApprove(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		calls(call("c1", tools.GetCanadianWeatherName, `{"city":"Toronto"}`)),
		answer("Toronto"),
	}}
	rt, lookup := newTestRuntime(t, m, nil)
	ctx := context.Background()

	turn, err := rt.Invoke(ctx, "t1", "weather in toronto?")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if !turn.Interrupted() || turn.Phase != hitl.PhaseSuspended || !turn.ShouldContinue {
		t.Fatalf("expected interrupt, got %+v", turn)
	}
	reqs := turn.Interrupt.ActionRequests
	if len(reqs) != 1 || reqs[0].Name != tools.GetCanadianWeatherName || reqs[0].Arguments["city"] != "Toronto" {
		t.Fatalf("unexpected action requests: %+v", reqs)
	}
	if !strings.HasPrefix(reqs[0].Description, policy.DefaultDescriptionPrefix+"\n\nTool: get_canadian_weather") {
		t.Fatalf("unexpected description: %q", reqs[0].Description)
	}
	if len(lookup.seen()) != 0 {
		t.Fatal("gated tool must not run before a decision")
	}

	if _, err := rt.Invoke(ctx, "t1", "hello?"); !errors.Is(err, ErrThreadSuspended) {
		t.Fatalf("expected ErrThreadSuspended, got %v", err)
	}

	turn, err = rt.Resume(ctx, "t1", []hitl.Decision{hitl.Approve()})
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	if turn.Response == nil || turn.Response.City != "Toronto" || turn.Phase != hitl.PhaseCompleted {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if got := lookup.seen(); len(got) != 1 || got[0] != "Toronto" {
		t.Fatalf("unexpected lookups: %v", got)
	}
}

func TestResume_EditRewritesArguments(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		calls(call("c1", tools.GetCanadianWeatherName, `{"city":"Toronto"}`)),
		answer("Ottawa"),
	}}
	rt, lookup := newTestRuntime(t, m, nil)
	ctx := context.Background()

	if _, err := rt.Invoke(ctx, "t1", "weather in toronto?"); err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if _, err := rt.Resume(ctx, "t1", []hitl.Decision{hitl.Edit(map[string]any{"city": "Ottawa"})}); err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	if got := lookup.seen(); len(got) != 1 || got[0] != "Ottawa" {
		t.Fatalf("expected edited lookup, got %v", got)
	}

	var assistant *schema.Message
	for _, msg := range m.lastInput() {
		if msg.Role == schema.Assistant && len(msg.ToolCalls) > 0 {
			assistant = msg
		}
	}
	if assistant == nil || assistant.ToolCalls[0].Function.Arguments != `{"city":"Ottawa"}` {
		t.Fatalf("expected transcript to carry edited args, got %+v", assistant)
	}
}

func TestResume_RejectEndsTurnAndSkipsBatch(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		calls(
			call("c1", tools.GetWeatherName, `{"city":"Boston"}`),
			call("c2", tools.GetCanadianWeatherName, `{"city":"Toronto"}`),
		),
		schema.AssistantMessage("ok, something else?", nil),
	}}
	rt, lookup := newTestRuntime(t, m, nil)
	ctx := context.Background()

	turn, err := rt.Invoke(ctx, "t1", "weather in boston and toronto?")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if len(turn.Interrupt.ActionRequests) != 1 {
		t.Fatalf("expected only the canadian call gated, got %+v", turn.Interrupt.ActionRequests)
	}

	turn, err = rt.Resume(ctx, "t1", []hitl.Decision{hitl.Reject("not that city")})
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	if !turn.Rejected || turn.ShouldContinue || turn.Phase != hitl.PhaseTerminated {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if len(lookup.seen()) != 0 {
		t.Fatalf("no call of a rejected batch may run, got %v", lookup.seen())
	}
	if m.calls() != 1 {
		t.Fatalf("expected no model call after rejection, got %d", m.calls())
	}

	if _, err := rt.Invoke(ctx, "t1", "never mind"); err != nil {
		t.Fatalf("Invoke after rejection error: %v", err)
	}
	tms := toolMessages(m.lastInput())
	if len(tms) != 2 {
		t.Fatalf("expected 2 tool messages, got %d", len(tms))
	}
	if tms[0].ToolCallID != "c1" || tms[0].Content != msgNotExecutedRejected {
		t.Fatalf("unexpected skipped call message: %+v", tms[0])
	}
	if tms[1].ToolCallID != "c2" || tms[1].Content != "not that city" {
		t.Fatalf("unexpected rejected call message: %+v", tms[1])
	}
}

func TestResume_DecisionMismatchKeepsSuspension(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		calls(call("c1", tools.GetCanadianWeatherName, `{"city":"Toronto"}`)),
	}}
	rt, _ := newTestRuntime(t, m, nil)
	ctx := context.Background()

	if _, err := rt.Invoke(ctx, "t1", "toronto?"); err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	_, err := rt.Resume(ctx, "t1", []hitl.Decision{hitl.Approve(), hitl.Approve()})
	if !errors.Is(err, ErrDecisionMismatch) {
		t.Fatalf("expected ErrDecisionMismatch, got %v", err)
	}
	info, err := rt.Thread(ctx, "t1")
	if err != nil {
		t.Fatalf("Thread error: %v", err)
	}
	if info.Phase != hitl.PhaseSuspended || info.Pending == nil {
		t.Fatalf("expected thread still suspended, got %+v", info)
	}
}

func TestResume_NotSuspended(t *testing.T) {
	rt, _ := newTestRuntime(t, &scriptedModel{}, nil)
	if _, err := rt.Resume(context.Background(), "missing", []hitl.Decision{hitl.Approve()}); !errors.Is(err, ErrNotSuspended) {
		t.Fatalf("expected ErrNotSuspended, got %v", err)
	}
}

func TestResume_ExpiredSuspension(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		calls(call("c1", tools.GetCanadianWeatherName, `{"city":"Toronto"}`)),
		schema.AssistantMessage("fresh start", nil),
	}}
	rt, lookup := newTestRuntime(t, m, func(o *Options) {
		o.Config.ApprovalTTL = time.Minute
	})
	base := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	rt.now = func() time.Time { return base }
	ctx := context.Background()

	if _, err := rt.Invoke(ctx, "t1", "toronto?"); err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	rt.now = func() time.Time { return base.Add(2 * time.Minute) }

	turn, err := rt.Resume(ctx, "t1", []hitl.Decision{hitl.Approve()})
	if !errors.Is(err, ErrSuspensionExpired) {
		t.Fatalf("expected ErrSuspensionExpired, got %v", err)
	}
	if turn.Phase != hitl.PhaseExpired {
		t.Fatalf("expected expired phase, got %s", turn.Phase)
	}
	if len(lookup.seen()) != 0 {
		t.Fatal("expired call must not run")
	}

	turn, err = rt.Invoke(ctx, "t1", "again")
	if err != nil {
		t.Fatalf("Invoke after expiry error: %v", err)
	}
	if turn.Message != "fresh start" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	tms := toolMessages(m.lastInput())
	if len(tms) != 1 || tms[0].Content != msgNotExecutedExpired {
		t.Fatalf("expected expiry tool message, got %+v", tms)
	}
}

func TestInvoke_ExpiredSuspensionStartsNewTurn(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		calls(call("c1", tools.GetCanadianWeatherName, `{"city":"Toronto"}`)),
		schema.AssistantMessage("fresh start", nil),
	}}
	rt, lookup := newTestRuntime(t, m, func(o *Options) {
		o.Config.ApprovalTTL = time.Minute
	})
	base := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	rt.now = func() time.Time { return base }
	ctx := context.Background()

	if _, err := rt.Invoke(ctx, "t1", "toronto?"); err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	rt.now = func() time.Time { return base.Add(2 * time.Minute) }

	info, err := rt.Thread(ctx, "t1")
	if err != nil {
		t.Fatalf("Thread error: %v", err)
	}
	if info.Phase != hitl.PhaseExpired || info.Pending != nil {
		t.Fatalf("lapsed suspension should read as expired, got %+v", info)
	}

	turn, err := rt.Invoke(ctx, "t1", "what about now?")
	if err != nil {
		t.Fatalf("Invoke on lapsed suspension error: %v", err)
	}
	if turn.Message != "fresh start" || turn.Phase != hitl.PhaseCompleted {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if len(lookup.seen()) != 0 {
		t.Fatal("expired call must not run")
	}
	tms := toolMessages(m.lastInput())
	if len(tms) != 1 || tms[0].Content != msgNotExecutedExpired {
		t.Fatalf("expected one expiry tool message, got %+v", tms)
	}
	input := m.lastInput()
	if last := input[len(input)-1]; last.Role != schema.User || last.Content != "what about now?" {
		t.Fatalf("new question should close the model input, got %+v", last)
	}
}

func TestInvoke_LedgerExpiredSuspensionStartsNewTurn(t *testing.T) {
	dir := t.TempDir()
	svc := approval.NewService(dir, time.Minute)
	base := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return base })

	m := &scriptedModel{replies: []*schema.Message{
		calls(call("c1", tools.GetCanadianWeatherName, `{"city":"Toronto"}`)),
		schema.AssistantMessage("fresh start", nil),
	}}
	rt, _ := newTestRuntime(t, m, func(o *Options) {
		o.Approvals = svc
	})
	rt.now = func() time.Time { return base }
	ctx := context.Background()

	first, err := rt.Invoke(ctx, "t1", "toronto?")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	svc.SetClock(func() time.Time { return base.Add(5 * time.Minute) })
	if _, err := svc.ExpirePending(); err != nil {
		t.Fatalf("ExpirePending error: %v", err)
	}

	turn, err := rt.Invoke(ctx, "t1", "again")
	if err != nil {
		t.Fatalf("Invoke after ledger expiry error: %v", err)
	}
	if turn.Message != "fresh start" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	rec, err := svc.Get(first.Interrupt.ApprovalID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.Status != approval.StatusExpired {
		t.Fatalf("expected expired record, got %+v", rec)
	}
}

func TestResume_ExpiryWinsOverDecisionCount(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		calls(call("c1", tools.GetCanadianWeatherName, `{"city":"Toronto"}`)),
	}}
	rt, _ := newTestRuntime(t, m, func(o *Options) {
		o.Config.ApprovalTTL = time.Minute
	})
	base := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	rt.now = func() time.Time { return base }
	ctx := context.Background()

	if _, err := rt.Invoke(ctx, "t1", "toronto?"); err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	rt.now = func() time.Time { return base.Add(2 * time.Minute) }

	turn, err := rt.Resume(ctx, "t1", []hitl.Decision{hitl.Approve(), hitl.Approve()})
	if !errors.Is(err, ErrSuspensionExpired) {
		t.Fatalf("expected ErrSuspensionExpired, got %v", err)
	}
	if turn.Phase != hitl.PhaseExpired {
		t.Fatalf("expected expired phase, got %s", turn.Phase)
	}
}

func TestRuntime_ReleasesThreadLocks(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		schema.AssistantMessage("one", nil),
		schema.AssistantMessage("two", nil),
	}}
	rt, _ := newTestRuntime(t, m, nil)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		if _, err := rt.Invoke(ctx, id, "hello"); err != nil {
			t.Fatalf("Invoke %s error: %v", id, err)
		}
	}
	if _, err := rt.Thread(ctx, "t3"); err != nil {
		t.Fatalf("Thread error: %v", err)
	}

	rt.mu.Lock()
	held := len(rt.threads)
	rt.mu.Unlock()
	if held != 0 {
		t.Fatalf("expected no thread locks after calls return, got %d", held)
	}
}

func TestResume_LedgerRecordsDecisionAndExpiry(t *testing.T) {
	dir := t.TempDir()
	svc := approval.NewService(dir, time.Minute)
	base := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return base })
	writer := audit.NewWriter(dir)

	m := &scriptedModel{replies: []*schema.Message{
		calls(call("c1", tools.GetCanadianWeatherName, `{"city":"Toronto"}`)),
		schema.AssistantMessage("done", nil),
		calls(call("c2", tools.GetCanadianWeatherName, `{"city":"Ottawa"}`)),
	}}
	rt, _ := newTestRuntime(t, m, func(o *Options) {
		o.Approvals = svc
		o.Audit = writer
	})
	rt.now = func() time.Time { return base }
	ctx := WithReviewer(context.Background(), "cli")

	turn, err := rt.Invoke(ctx, "t1", "toronto?")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	approvalID := turn.Interrupt.ApprovalID
	rec, err := svc.Get(approvalID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.Status != approval.StatusPending || rec.ThreadID != "t1" || rec.Actions[0].ArgsJSON != `{"city":"Toronto"}` {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := rt.Resume(ctx, "t1", []hitl.Decision{hitl.Approve()}); err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	rec, _ = svc.Get(approvalID)
	if rec.Status != approval.StatusApproved || rec.DecidedBy != "cli" {
		t.Fatalf("expected approved by cli, got %+v", rec)
	}

	turn, err = rt.Invoke(ctx, "t1", "ottawa?")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	svc.SetClock(func() time.Time { return base.Add(5 * time.Minute) })
	if _, err := rt.Resume(ctx, "t1", []hitl.Decision{hitl.Approve()}); !errors.Is(err, ErrSuspensionExpired) {
		t.Fatalf("expected ErrSuspensionExpired from ledger, got %v", err)
	}
	rec, _ = svc.Get(turn.Interrupt.ApprovalID)
	if rec.Status != approval.StatusExpired {
		t.Fatalf("expected expired record, got %+v", rec)
	}

	events, err := writer.Tail(0)
	if err != nil {
		t.Fatalf("Tail error: %v", err)
	}
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	joined := strings.Join(types, ",")
	for _, want := range []string{audit.TypeInterrupt, audit.TypeDecision, audit.TypeToolResult, audit.TypeExpired} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected audit type %s in %s", want, joined)
		}
	}
}

func TestInvoke_GuardrailBlocks(t *testing.T) {
	m := &scriptedModel{}
	rt, _ := newTestRuntime(t, m, func(o *Options) {
		o.Guardrail = stubScreener{verdict: guardrail.Verdict{Allowed: false, Checked: true, Reason: "ERROR off topic"}}
	})

	turn, err := rt.Invoke(context.Background(), "t1", "what is the capital of france?")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if !turn.Blocked || turn.Message != guardrail.Refusal || turn.Phase != hitl.PhaseCompleted {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if m.calls() != 0 {
		t.Fatalf("model must not run on a blocked question, got %d calls", m.calls())
	}
}

func TestInvoke_GuardrailFailureFailsClosed(t *testing.T) {
	m := &scriptedModel{}
	rt, _ := newTestRuntime(t, m, func(o *Options) {
		o.Guardrail = stubScreener{err: guardrail.ErrClassifierUnavailable}
	})
	ctx := context.Background()

	turn, err := rt.Invoke(ctx, "t1", "weather?")
	if !errors.Is(err, guardrail.ErrClassifierUnavailable) {
		t.Fatalf("expected classifier error, got %v", err)
	}
	if turn.Phase != hitl.PhaseFailed || m.calls() != 0 {
		t.Fatalf("unexpected turn %+v with %d model calls", turn, m.calls())
	}
}

func TestInvoke_ModelCallRunLimit(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		calls(call("c1", tools.GetWeatherName, `{"city":"Boston"}`)),
		calls(call("c2", tools.GetWeatherName, `{"city":"Boston"}`)),
		calls(call("c3", tools.GetWeatherName, `{"city":"Boston"}`)),
	}}
	rt, _ := newTestRuntime(t, m, func(o *Options) {
		o.Config.ModelCallRunLimit = 2
	})

	turn, err := rt.Invoke(context.Background(), "t1", "boston?")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if turn.Message != "Model call limits exceeded: run limit (2/2)" {
		t.Fatalf("unexpected message: %q", turn.Message)
	}
	if m.calls() != 2 {
		t.Fatalf("expected 2 model calls, got %d", m.calls())
	}
}

func TestInvoke_ModelCallThreadLimitSpansRuns(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		schema.AssistantMessage("one", nil),
		schema.AssistantMessage("two", nil),
	}}
	rt, _ := newTestRuntime(t, m, func(o *Options) {
		o.Config.ModelCallThreadLimit = 1
	})
	ctx := context.Background()

	if _, err := rt.Invoke(ctx, "t1", "first"); err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	turn, err := rt.Invoke(ctx, "t1", "second")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if turn.Message != "Model call limits exceeded: thread limit (1/1)" {
		t.Fatalf("unexpected message: %q", turn.Message)
	}
}

func TestInvoke_ToolCallRunLimit(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		calls(
			call("c1", tools.GetWeatherName, `{"city":"Boston"}`),
			call("c2", tools.GetWeatherName, `{"city":"Denver"}`),
		),
		schema.AssistantMessage("done", nil),
	}}
	rt, lookup := newTestRuntime(t, m, func(o *Options) {
		o.Config.ToolCallRunLimit = 1
	})

	if _, err := rt.Invoke(context.Background(), "t1", "boston and denver?"); err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if got := lookup.seen(); len(got) != 1 || got[0] != "Boston" {
		t.Fatalf("unexpected lookups: %v", got)
	}
	tms := toolMessages(m.lastInput())
	if len(tms) != 2 || tms[1].Content != msgToolLimitExceeded {
		t.Fatalf("expected limit message for second call, got %+v", tms)
	}
}

func TestInvoke_MalformedStructuredResponseRetries(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		calls(call("r1", tools.WeatherResponseName, `{"city":`)),
		answer("Boston"),
	}}
	rt, _ := newTestRuntime(t, m, nil)

	turn, err := rt.Invoke(context.Background(), "t1", "boston?")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if turn.Response == nil || m.calls() != 2 {
		t.Fatalf("expected retry into valid response, got %+v after %d calls", turn, m.calls())
	}
	tms := toolMessages(m.lastInput())
	if len(tms) != 1 || !strings.HasPrefix(tms[0].Content, "Error: ") {
		t.Fatalf("expected error tool message, got %+v", tms)
	}
}

func TestInvoke_DeniedAndUnknownTools(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		calls(
			call("c1", tools.GetWeatherName, `{"city":"Boston"}`),
			call("c2", "launch_rocket", `{}`),
		),
		schema.AssistantMessage("sorry", nil),
	}}
	rt, lookup := newTestRuntime(t, m, func(o *Options) {
		o.Gate = policy.NewEvaluator(policy.Config{Mode: policy.ModeStrict, Deny: []string{tools.GetWeatherName}})
	})

	if _, err := rt.Invoke(context.Background(), "t1", "boston?"); err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if len(lookup.seen()) != 0 {
		t.Fatalf("denied tool must not run, got %v", lookup.seen())
	}
	tms := toolMessages(m.lastInput())
	if len(tms) != 2 {
		t.Fatalf("expected 2 tool messages, got %d", len(tms))
	}
	if !strings.Contains(tms[0].Content, "denied by policy") {
		t.Fatalf("unexpected deny message: %q", tms[0].Content)
	}
	if tms[1].Content != "Error: tool not found: launch_rocket" {
		t.Fatalf("unexpected unknown tool message: %q", tms[1].Content)
	}
}

func TestInvoke_ModelErrorFailsThread(t *testing.T) {
	rt, _ := newTestRuntime(t, &scriptedModel{}, nil)
	ctx := context.Background()

	turn, err := rt.Invoke(ctx, "t1", "hi")
	if err == nil || turn.Phase != hitl.PhaseFailed {
		t.Fatalf("expected failed turn, got %+v, %v", turn, err)
	}
	info, _ := rt.Thread(ctx, "t1")
	if info.Phase != hitl.PhaseFailed {
		t.Fatalf("expected persisted failed phase, got %s", info.Phase)
	}
}

func TestInvoke_RequiresThreadID(t *testing.T) {
	rt, _ := newTestRuntime(t, &scriptedModel{}, nil)
	if _, err := rt.Invoke(context.Background(), "  ", "hi"); err == nil {
		t.Fatal("expected error for empty thread id")
	}
}

func TestResume_SurvivesRestartWithSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx := context.Background()

	first, err := checkpoint.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore error: %v", err)
	}
	m1 := &scriptedModel{replies: []*schema.Message{
		calls(call("c1", tools.GetCanadianWeatherName, `{"city":"Toronto"}`)),
	}}
	rt1, _ := newTestRuntime(t, m1, func(o *Options) { o.Checkpoints = first })
	if _, err := rt1.Invoke(ctx, "t1", "toronto?"); err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	second, err := checkpoint.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer second.Close()
	m2 := &scriptedModel{replies: []*schema.Message{answer("Toronto")}}
	rt2, lookup := newTestRuntime(t, m2, func(o *Options) { o.Checkpoints = second })

	turn, err := rt2.Resume(ctx, "t1", []hitl.Decision{hitl.Approve()})
	if err != nil {
		t.Fatalf("Resume after restart error: %v", err)
	}
	if turn.Response == nil || turn.Response.City != "Toronto" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if got := lookup.seen(); len(got) != 1 || got[0] != "Toronto" {
		t.Fatalf("unexpected lookups: %v", got)
	}
}

func TestRuntime_ThreadsRunIndependently(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		calls(call("c1", tools.GetCanadianWeatherName, `{"city":"Toronto"}`)),
		schema.AssistantMessage("other thread", nil),
	}}
	rt, _ := newTestRuntime(t, m, nil)
	ctx := context.Background()

	if _, err := rt.Invoke(ctx, "a", "toronto?"); err != nil {
		t.Fatalf("Invoke a error: %v", err)
	}
	turn, err := rt.Invoke(ctx, "b", "hello")
	if err != nil {
		t.Fatalf("Invoke b error: %v", err)
	}
	if turn.Message != "other thread" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	info, _ := rt.Thread(ctx, "a")
	if info.Phase != hitl.PhaseSuspended {
		t.Fatalf("thread a should stay suspended, got %s", info.Phase)
	}
}

func TestRuntime_RecordsMetrics(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		calls(call("c1", tools.GetCanadianWeatherName, `{"city":"Toronto"}`), call("c2", tools.GetWeatherName, `{"city":"Boston"}`)),
		answer("Toronto"),
	}}
	recorder := metrics.NewRuntimeMetrics(t.TempDir())
	rt, _ := newTestRuntime(t, m, func(o *Options) {
		o.Metrics = recorder
		o.Guardrail = stubScreener{verdict: guardrail.Verdict{Allowed: true, Checked: true, Reason: "VALID"}}
	})
	ctx := context.Background()

	if _, err := rt.Invoke(ctx, "t1", "weather in toronto and boston?"); err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if _, err := rt.Resume(ctx, "t1", []hitl.Decision{hitl.Edit(map[string]any{"city": "Ottawa"})}); err != nil {
		t.Fatalf("Resume error: %v", err)
	}

	snap := recorder.Snapshot()
	if snap.Guardrail.Checks != 1 || snap.Guardrail.Blocks != 0 {
		t.Fatalf("unexpected guardrail stats: %+v", snap.Guardrail)
	}
	if snap.Approval.Interrupts != 1 || snap.Approval.GatedActions != 1 || snap.Approval.Edited != 1 {
		t.Fatalf("unexpected approval stats: %+v", snap.Approval)
	}
	if snap.Tool.Total != 2 || snap.Tool.Errors != 0 {
		t.Fatalf("unexpected tool stats: %+v", snap.Tool)
	}
}
