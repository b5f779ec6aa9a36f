package commands

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/MEKXH/weatherhitl/internal/agent"
	"github.com/MEKXH/weatherhitl/internal/hitl"
	"github.com/MEKXH/weatherhitl/internal/weather"
)

type fakeRunner struct {
	mu sync.Mutex

	invokeTurn  agent.Turn
	invokeErr   error
	// laterTurn, when set, answers every Invoke after the first.
	laterTurn   *agent.Turn
	resumeTurns []agent.Turn
	resumeErr   error

	inputs    []string
	threads   []string
	decisions [][]hitl.Decision
}

func (f *fakeRunner) Invoke(ctx context.Context, threadID, input string) (agent.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	f.threads = append(f.threads, threadID)
	if f.laterTurn != nil && len(f.inputs) > 1 {
		turn := *f.laterTurn
		turn.ThreadID = threadID
		return turn, nil
	}
	turn := f.invokeTurn
	turn.ThreadID = threadID
	return turn, f.invokeErr
}

func (f *fakeRunner) Resume(ctx context.Context, threadID string, decisions []hitl.Decision) (agent.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, decisions)
	if f.resumeErr != nil {
		return agent.Turn{ThreadID: threadID}, f.resumeErr
	}
	if len(f.resumeTurns) == 0 {
		return agent.Turn{ThreadID: threadID}, errors.New("unexpected resume")
	}
	turn := f.resumeTurns[0]
	f.resumeTurns = f.resumeTurns[1:]
	return turn, nil
}

func canadianInterrupt(cities ...string) *hitl.Interrupt {
	in := &hitl.Interrupt{ThreadID: "t-1", ApprovalID: "ap-1"}
	for _, city := range cities {
		in.ActionRequests = append(in.ActionRequests, hitl.ActionRequest{
			ToolCallID:  "call-" + city,
			Name:        "get_canadian_weather",
			Arguments:   map[string]any{"city": city},
			Description: "Tool execution pending approval",
		})
	}
	return in
}

func newTestSession(runner agent.Runner, input, threadID string) (*chatSession, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return newChatSession(runner, strings.NewReader(input), out, threadID), out
}

func TestChatSession_AnswersUntilExit(t *testing.T) {
	runner := &fakeRunner{invokeTurn: agent.Turn{Message: "It is sunny."}}
	session, out := newTestSession(runner, "hello\nquit\n", "")

	if err := session.loop(context.Background()); err != nil {
		t.Fatalf("loop error: %v", err)
	}

	if len(runner.inputs) != 1 || runner.inputs[0] != "hello" {
		t.Fatalf("unexpected inputs: %v", runner.inputs)
	}
	text := out.String()
	if !strings.Contains(text, "It is sunny.") || !strings.Contains(text, "Goodbye!") {
		t.Fatalf("unexpected output: %s", text)
	}
}

func TestChatSession_EmptyLineEndsLoop(t *testing.T) {
	runner := &fakeRunner{invokeTurn: agent.Turn{Message: "ok"}}
	session, out := newTestSession(runner, "\nnever asked\n", "")

	if err := session.loop(context.Background()); err != nil {
		t.Fatalf("loop error: %v", err)
	}
	if len(runner.inputs) != 0 {
		t.Fatalf("expected no questions, got %v", runner.inputs)
	}
	if !strings.Contains(out.String(), "Goodbye!") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestChatSession_ThreadPerQuestionUnlessPinned(t *testing.T) {
	runner := &fakeRunner{invokeTurn: agent.Turn{Message: "ok"}}
	session, _ := newTestSession(runner, "a\nb\nexit\n", "")
	if err := session.loop(context.Background()); err != nil {
		t.Fatalf("loop error: %v", err)
	}
	if len(runner.threads) != 2 || runner.threads[0] == runner.threads[1] {
		t.Fatalf("expected two distinct threads, got %v", runner.threads)
	}

	pinned := &fakeRunner{invokeTurn: agent.Turn{Message: "ok"}}
	session, _ = newTestSession(pinned, "a\nb\nexit\n", "my-thread")
	if err := session.loop(context.Background()); err != nil {
		t.Fatalf("loop error: %v", err)
	}
	for _, id := range pinned.threads {
		if id != "my-thread" {
			t.Fatalf("expected pinned thread, got %v", pinned.threads)
		}
	}
}

func TestChatSession_PromptsForEveryAction(t *testing.T) {
	runner := &fakeRunner{
		invokeTurn: agent.Turn{Interrupt: canadianInterrupt("Toronto", "Montreal")},
		resumeTurns: []agent.Turn{{
			Response: &weather.Report{City: "Ottawa", Weather: "clear", Temperature: "3", Summary: "Cold and clear"},
		}},
	}
	input := strings.Join([]string{
		"weather in Toronto and Montreal",
		"E",
		`{"city":"Ottawa"}`,
		"reject",
		"",
		"exit",
	}, "\n") + "\n"
	session, out := newTestSession(runner, input, "")

	if err := session.loop(context.Background()); err != nil {
		t.Fatalf("loop error: %v", err)
	}

	if len(runner.decisions) != 1 || len(runner.decisions[0]) != 2 {
		t.Fatalf("expected one batch of two decisions, got %v", runner.decisions)
	}
	edit, reject := runner.decisions[0][0], runner.decisions[0][1]
	if edit.Kind() != hitl.KindEdit || edit.Args()["city"] != "Ottawa" {
		t.Fatalf("unexpected edit decision: %v", edit)
	}
	if reject.Kind() != hitl.KindReject || reject.Feedback() != hitl.DefaultRejectFeedback {
		t.Fatalf("unexpected reject decision: %v", reject)
	}

	text := out.String()
	for _, want := range []string{
		`get_canadian_weather({"city":"Toronto"})`,
		`get_canadian_weather({"city":"Montreal"})`,
		"Approval required (1/2)",
		"Cold and clear",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output: %s", want, text)
		}
	}
}

func TestChatSession_MalformedEditApproves(t *testing.T) {
	runner := &fakeRunner{
		invokeTurn:  agent.Turn{Interrupt: canadianInterrupt("Toronto")},
		resumeTurns: []agent.Turn{{Message: "done"}},
	}
	session, out := newTestSession(runner, "e\nnot json\n", "")

	if err := session.ask(context.Background(), "weather in Toronto"); err != nil {
		t.Fatalf("ask error: %v", err)
	}
	if runner.decisions[0][0].Kind() != hitl.KindApprove {
		t.Fatalf("expected approve fallback, got %v", runner.decisions[0][0])
	}
	if !strings.Contains(out.String(), "approving the original call") {
		t.Fatalf("expected fallback notice: %s", out.String())
	}
}

func TestChatSession_RejectedTurn(t *testing.T) {
	runner := &fakeRunner{
		invokeTurn:  agent.Turn{Interrupt: canadianInterrupt("Toronto")},
		resumeTurns: []agent.Turn{{Rejected: true}},
	}
	session, out := newTestSession(runner, "r\nnot today\n", "")

	if err := session.ask(context.Background(), "weather in Toronto"); err != nil {
		t.Fatalf("ask error: %v", err)
	}
	if got := runner.decisions[0][0].Feedback(); got != "not today" {
		t.Fatalf("unexpected feedback: %q", got)
	}
	if !strings.Contains(out.String(), "Tool call rejected") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestChatSession_ExpiredSuspension(t *testing.T) {
	runner := &fakeRunner{
		invokeTurn: agent.Turn{Interrupt: canadianInterrupt("Toronto")},
		resumeErr:  agent.ErrSuspensionExpired,
	}
	session, out := newTestSession(runner, "a\n", "")

	if err := session.ask(context.Background(), "weather in Toronto"); err != nil {
		t.Fatalf("ask error: %v", err)
	}
	if !strings.Contains(out.String(), "Approval expired") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestChatSession_SettlesAlreadySuspendedThread(t *testing.T) {
	runner := &fakeRunner{
		invokeTurn:  agent.Turn{Interrupt: canadianInterrupt("Toronto")},
		invokeErr:   agent.ErrThreadSuspended,
		resumeTurns: []agent.Turn{{Message: "resumed answer"}},
		laterTurn:   &agent.Turn{Message: "fresh answer"},
	}
	session, out := newTestSession(runner, "approve\n", "t-1")

	if err := session.ask(context.Background(), "new question"); err != nil {
		t.Fatalf("ask error: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "still waiting on earlier tool calls") || !strings.Contains(text, "resumed answer") {
		t.Fatalf("unexpected output: %s", text)
	}
	if len(runner.inputs) != 2 || runner.inputs[1] != "new question" {
		t.Fatalf("expected the question to be sent again after settling, got %v", runner.inputs)
	}
	if runner.threads[1] != "t-1" {
		t.Fatalf("expected pinned thread, got %v", runner.threads)
	}
	if !strings.Contains(text, "fresh answer") {
		t.Fatalf("expected answer to the new question, got: %s", text)
	}
}

func TestChatSession_RejectedBacklogDropsNewQuestion(t *testing.T) {
	runner := &fakeRunner{
		invokeTurn:  agent.Turn{Interrupt: canadianInterrupt("Toronto")},
		invokeErr:   agent.ErrThreadSuspended,
		resumeTurns: []agent.Turn{{Rejected: true}},
		laterTurn:   &agent.Turn{Message: "fresh answer"},
	}
	session, out := newTestSession(runner, "r\nnot now\n", "t-1")

	if err := session.ask(context.Background(), "new question"); err != nil {
		t.Fatalf("ask error: %v", err)
	}
	if len(runner.inputs) != 1 {
		t.Fatalf("rejected backlog should not resend the question, got %v", runner.inputs)
	}
	if !strings.Contains(out.String(), "Tool call rejected") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestChatSession_InputClosedDuringReview(t *testing.T) {
	runner := &fakeRunner{invokeTurn: agent.Turn{Interrupt: canadianInterrupt("Toronto")}}
	session, out := newTestSession(runner, "", "t-1")

	err := session.ask(context.Background(), "weather in Toronto")
	if err == nil {
		t.Fatal("expected error when input closes mid-review")
	}
	if len(runner.decisions) != 0 {
		t.Fatalf("expected no resume, got %v", runner.decisions)
	}
	if !strings.Contains(out.String(), "Thread t-1 is still waiting for approval.") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestChatSession_RuntimeErrorIsPrintedInLoop(t *testing.T) {
	runner := &fakeRunner{invokeErr: errors.New("model unavailable")}
	session, out := newTestSession(runner, "hi\nexit\n", "")

	if err := session.loop(context.Background()); err != nil {
		t.Fatalf("loop error: %v", err)
	}
	if !strings.Contains(out.String(), "Error: model unavailable") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestRenderReport_ContainsFields(t *testing.T) {
	out := renderReport(&weather.Report{City: "Denver", Weather: "snow", Temperature: "-2", Summary: "Snowy"})
	for _, want := range []string{"Denver", "snow", "-2", "Snowy"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %s", want, out)
		}
	}
}
