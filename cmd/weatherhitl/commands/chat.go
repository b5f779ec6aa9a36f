package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/MEKXH/weatherhitl/internal/agent"
	"github.com/MEKXH/weatherhitl/internal/config"
	"github.com/MEKXH/weatherhitl/internal/hitl"
	"github.com/MEKXH/weatherhitl/internal/weather"
)

var (
	accentColor = lipgloss.Color("#8E4EC6")
	mutedColor  = lipgloss.Color("245")

	userPromptStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	agentLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2E8B57"))
	mutedStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	warnStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#D7875F"))
	errorStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#E06C75"))
	approvalStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)
)

func NewChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Ask weather questions from the terminal",
		RunE:  runChat,
	}
	cmd.Flags().String("thread", "", "Continue an existing thread instead of starting one per question")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := buildStack(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer st.Close()

	threadID := ""
	if cmd != nil {
		threadID, _ = cmd.Flags().GetString("thread")
	}

	session := newChatSession(st.runtime, os.Stdin, os.Stdout, threadID)
	if len(args) > 0 {
		return session.ask(ctx, strings.Join(args, " "))
	}
	return session.loop(ctx)
}

// chatSession is the line-oriented prompt loop. Reviewer answers are read
// from the same input as questions.
type chatSession struct {
	runner   agent.Runner
	scanner  *bufio.Scanner
	out      io.Writer
	threadID string
	source   hitl.Source
}

func newChatSession(runner agent.Runner, in io.Reader, out io.Writer, threadID string) *chatSession {
	s := &chatSession{
		runner:   runner,
		scanner:  bufio.NewScanner(in),
		out:      out,
		threadID: strings.TrimSpace(threadID),
	}
	s.source = &promptSource{read: s.readLine, out: out}
	return s
}

func (s *chatSession) loop(ctx context.Context) error {
	fmt.Fprintln(s.out, agentLabelStyle.Render("Weather Agent - Ask about weather in any city!"))
	fmt.Fprintln(s.out, mutedStyle.Render("Type 'exit' or 'quit' to stop"))

	for {
		fmt.Fprintln(s.out)
		input, err := s.readLine("You: ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		switch strings.ToLower(strings.TrimSpace(input)) {
		case "", "exit", "quit":
			fmt.Fprintln(s.out, "Goodbye!")
			return nil
		}

		fmt.Fprintln(s.out, mutedStyle.Render("--- Processing your request ---"))
		if err := s.ask(ctx, input); err != nil {
			fmt.Fprintln(s.out, errorStyle.Render("Error: "+err.Error()))
		}
	}
	return nil
}

func (s *chatSession) ask(ctx context.Context, input string) error {
	threadID := s.threadID
	if threadID == "" {
		threadID = agent.NewThreadID()
	}

	turn, err := agent.Converse(ctx, s.runner, s.source, threadID, input)
	if errors.Is(err, agent.ErrThreadSuspended) && turn.Interrupted() {
		fmt.Fprintln(s.out, warnStyle.Render("This thread is still waiting on earlier tool calls."))
		turn, err = s.settle(ctx, threadID, turn)
		if err == nil && !turn.Rejected {
			s.printTurn(turn)
			turn, err = agent.Converse(ctx, s.runner, s.source, threadID, input)
		}
	}
	switch {
	case errors.Is(err, agent.ErrSuspensionExpired):
		fmt.Fprintln(s.out, warnStyle.Render("Approval expired; the pending tool calls were not run."))
		return nil
	case err != nil:
		if turn.Interrupted() {
			fmt.Fprintln(s.out, warnStyle.Render(fmt.Sprintf("Thread %s is still waiting for approval.", threadID)))
		}
		return err
	}

	s.printTurn(turn)
	return nil
}

// settle drives an already pending interrupt to the end of its turn.
func (s *chatSession) settle(ctx context.Context, threadID string, turn agent.Turn) (agent.Turn, error) {
	var err error
	for turn.Interrupted() {
		decisions, derr := s.source.Decide(ctx, *turn.Interrupt)
		if derr != nil {
			return turn, derr
		}
		turn, err = s.runner.Resume(ctx, threadID, decisions)
		if err != nil {
			return turn, err
		}
	}
	return turn, nil
}

func (s *chatSession) printTurn(turn agent.Turn) {
	switch {
	case turn.Rejected:
		fmt.Fprintln(s.out, warnStyle.Render("Tool call rejected. Ask another question to continue."))
	case turn.Response != nil:
		fmt.Fprintln(s.out, agentLabelStyle.Render("Agent:"))
		fmt.Fprint(s.out, renderReport(turn.Response))
	case strings.TrimSpace(turn.Message) != "":
		fmt.Fprintf(s.out, "%s %s\n", agentLabelStyle.Render("Agent:"), turn.Message)
	default:
		fmt.Fprintln(s.out, mutedStyle.Render("No response."))
	}
}

func (s *chatSession) readLine(prompt string) (string, error) {
	fmt.Fprint(s.out, userPromptStyle.Render(prompt))
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(s.scanner.Text()), nil
}

func renderReport(report *weather.Report) string {
	md := fmt.Sprintf("## %s\n\n* **Conditions:** %s\n* **Temperature:** %s\n\n%s\n",
		report.City, report.Weather, report.Temperature, report.Summary)

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	rendered, err := r.Render(md)
	if err != nil {
		return md
	}
	return rendered
}

// promptSource asks the reviewer for one decision per pending action.
type promptSource struct {
	read func(prompt string) (string, error)
	out  io.Writer
}

func (p *promptSource) Decide(_ context.Context, interrupt hitl.Interrupt) ([]hitl.Decision, error) {
	decisions := make([]hitl.Decision, 0, len(interrupt.ActionRequests))
	for i, action := range interrupt.ActionRequests {
		box := fmt.Sprintf("Approval required (%d/%d)\n%s\n%s",
			i+1, len(interrupt.ActionRequests), action.Description, action.Display())
		fmt.Fprintln(p.out, approvalStyle.Render(box))

		answer, err := p.read("Decision [a]pprove / [e]dit / [r]eject: ")
		if err != nil {
			return nil, fmt.Errorf("read decision: %w", err)
		}

		switch hitl.ParseKind(answer) {
		case hitl.KindEdit:
			raw, err := p.read("New arguments (JSON object): ")
			if err != nil {
				return nil, fmt.Errorf("read edited arguments: %w", err)
			}
			decision := hitl.ParseEdit(raw)
			if decision.Kind() != hitl.KindEdit {
				fmt.Fprintln(p.out, warnStyle.Render("Arguments were not a JSON object; approving the original call."))
			}
			decisions = append(decisions, decision)
		case hitl.KindReject:
			feedback, err := p.read("Feedback: ")
			if err != nil {
				return nil, fmt.Errorf("read feedback: %w", err)
			}
			decisions = append(decisions, hitl.Reject(feedback))
		default:
			decisions = append(decisions, hitl.Approve())
		}
	}
	return decisions, nil
}
