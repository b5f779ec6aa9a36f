package commands

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/MEKXH/weatherhitl/internal/approval"
	"github.com/MEKXH/weatherhitl/internal/audit"
	"github.com/MEKXH/weatherhitl/internal/config"
)

const timeLayout = "2006-01-02 15:04:05"

func NewApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect the suspension ledger",
	}

	cmd.AddCommand(
		newApprovalsListCmd(),
		newApprovalsExpireCmd(),
		newApprovalsAuditCmd(),
	)

	return cmd
}

func newApprovalsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List suspensions awaiting decisions",
		RunE:  runApprovalsList,
	}
	cmd.Flags().String("status", string(approval.StatusPending), "Filter by status (pending|approved|rejected|expired|all)")
	cmd.Flags().String("thread", "", "Filter by thread id")
	return cmd
}

func newApprovalsExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Mark overdue suspensions expired",
		RunE:  runApprovalsExpire,
	}
}

func newApprovalsAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit events",
		RunE:  runApprovalsAudit,
	}
	cmd.Flags().Int("limit", 20, "Number of events to show (0 for all)")
	return cmd
}

func loadApprovalService() (*approval.Service, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return approval.NewService(cfg.Store.StateDir, cfg.ApprovalTTL()), cfg, nil
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	svc, _, err := loadApprovalService()
	if err != nil {
		return err
	}

	query := approval.Query{Status: approval.StatusPending}
	if cmd != nil {
		status, _ := cmd.Flags().GetString("status")
		query.Status = approval.RequestStatus(strings.ToLower(strings.TrimSpace(status)))
		if query.Status == "all" {
			query.Status = ""
		}
		query.ThreadID, _ = cmd.Flags().GetString("thread")
	}

	requests, err := svc.List(query)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		fmt.Println("No matching approvals.")
		return nil
	}

	printApprovalTable(requests)
	return nil
}

func runApprovalsExpire(cmd *cobra.Command, args []string) error {
	svc, _, err := loadApprovalService()
	if err != nil {
		return err
	}

	expired, err := svc.ExpirePending()
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		fmt.Println("No overdue approvals.")
		return nil
	}
	for _, req := range expired {
		fmt.Printf("Expired %s (thread %s)\n", req.ID, req.ThreadID)
	}
	return nil
}

func runApprovalsAudit(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadApprovalService()
	if err != nil {
		return err
	}

	limit := 20
	if cmd != nil {
		limit, _ = cmd.Flags().GetInt("limit")
	}

	events, err := audit.NewWriter(cfg.Store.StateDir).Tail(limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No audit events.")
		return nil
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s %-15s thread=%s", ev.Time.Local().Format(timeLayout), ev.Type, ev.ThreadID)
		if ev.Tool != "" {
			line += " tool=" + ev.Tool
		}
		if ev.ApprovalID != "" {
			line += " approval=" + ev.ApprovalID
		}
		if ev.Result != "" {
			line += " result=" + truncate(ev.Result, 60)
		}
		fmt.Println(line)
	}
	return nil
}

func printApprovalTable(requests []approval.Request) {
	var (
		headerStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(accentColor).
				Padding(0, 1).
				MarginBottom(1)

		wID      = 28
		wThread  = 28
		wTools   = 24
		wExpires = 20
		wStatus  = 10

		colHeaderStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true).
				MarginRight(1)

		cell = func(width int) lipgloss.Style {
			return lipgloss.NewStyle().Width(width).MarginRight(1)
		}

		statusColors = map[approval.RequestStatus]lipgloss.Color{
			approval.StatusPending:  lipgloss.Color("#D7875F"),
			approval.StatusApproved: lipgloss.Color("#2E8B57"),
			approval.StatusRejected: lipgloss.Color("#E06C75"),
			approval.StatusExpired:  lipgloss.Color("241"),
		}
	)

	fmt.Println(headerStyle.Render("Approvals"))

	headers := lipgloss.JoinHorizontal(lipgloss.Top,
		colHeaderStyle.Width(wID).Render("ID"),
		colHeaderStyle.Width(wThread).Render("THREAD"),
		colHeaderStyle.Width(wTools).Render("TOOLS"),
		colHeaderStyle.Width(wExpires).Render("EXPIRES"),
		colHeaderStyle.Width(wStatus).Render("STATUS"),
	)
	fmt.Printf("  %s\n", headers)

	sepStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginRight(1)
	separator := lipgloss.JoinHorizontal(lipgloss.Top,
		sepStyle.Render(strings.Repeat("─", wID)),
		sepStyle.Render(strings.Repeat("─", wThread)),
		sepStyle.Render(strings.Repeat("─", wTools)),
		sepStyle.Render(strings.Repeat("─", wExpires)),
		sepStyle.Render(strings.Repeat("─", wStatus)),
	)
	fmt.Printf("  %s\n", separator)

	for _, req := range requests {
		names := make([]string, 0, len(req.Actions))
		for _, action := range req.Actions {
			names = append(names, action.ToolName)
		}
		expires := "-"
		if !req.ExpiresAt.IsZero() {
			expires = req.ExpiresAt.Local().Format(timeLayout)
		}

		row := lipgloss.JoinHorizontal(lipgloss.Top,
			cell(wID).Foreground(mutedColor).Render(req.ID),
			cell(wThread).Render(truncate(req.ThreadID, wThread)),
			cell(wTools).Render(truncate(strings.Join(names, ","), wTools)),
			cell(wExpires).Render(expires),
			cell(wStatus).Foreground(statusColors[req.Status]).Render(string(req.Status)),
		)
		fmt.Printf("  %s\n", row)
	}

	fmt.Println()
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}
