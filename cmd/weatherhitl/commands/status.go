package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/MEKXH/weatherhitl/internal/approval"
	"github.com/MEKXH/weatherhitl/internal/config"
	"github.com/MEKXH/weatherhitl/internal/metrics"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var statusHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and runtime counters",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println(statusHeaderStyle.Render("=== weatherhitl status ==="))
	fmt.Println()

	fmt.Printf("Config: %s\n", config.ConfigPath())
	if _, err := os.Stat(config.ConfigPath()); err == nil {
		fmt.Println("  Status: OK")
	} else {
		fmt.Println("  Status: Not found (run 'weatherhitl init')")
	}

	fmt.Printf("\nModel: %s\n", cfg.Agent.Model)
	fmt.Println("\nProviders:")
	for _, p := range []struct {
		name string
		set  bool
	}{
		{"OpenRouter", cfg.Providers.OpenRouter.APIKey != ""},
		{"Claude", cfg.Providers.Claude.APIKey != ""},
		{"OpenAI", cfg.Providers.OpenAI.APIKey != ""},
		{"DeepSeek", cfg.Providers.DeepSeek.APIKey != ""},
		{"Ollama", cfg.Providers.Ollama.BaseURL != ""},
	} {
		state := "Not configured"
		if p.set {
			state = "Configured"
		}
		fmt.Printf("  %s: %s\n", p.name, state)
	}

	fmt.Println("\nGuardrail:")
	if cfg.Guardrail.Enabled {
		model := strings.TrimSpace(cfg.Guardrail.Model)
		if model == "" {
			model = cfg.Agent.Model
		}
		fmt.Printf("  enabled (model=%s, max_failures=%d)\n", model, cfg.Guardrail.MaxFailures)
	} else {
		fmt.Println("  " + warnStyle.Render("disabled"))
	}

	fmt.Println("\nPolicy:")
	fmt.Printf("  Mode: %s\n", cfg.Policy.Mode)
	fmt.Printf("  Approval TTL: %s\n", cfg.ApprovalTTL())
	if len(cfg.Policy.Deny) > 0 {
		fmt.Printf("  Deny: %s\n", strings.Join(cfg.Policy.Deny, ", "))
	}

	fmt.Println("\nStore:")
	fmt.Printf("  Checkpoints: %s\n", cfg.Store.Kind)
	fmt.Printf("  State dir: %s\n", cfg.Store.StateDir)

	svc := approval.NewService(cfg.Store.StateDir, cfg.ApprovalTTL())
	pending, err := svc.List(approval.Query{Status: approval.StatusPending})
	if err != nil {
		fmt.Println("  Approvals: unavailable")
	} else {
		fmt.Printf("  Pending approvals: %d\n", len(pending))
	}

	fmt.Println("\nGateway:")
	fmt.Printf("  Address: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)

	snap, err := metrics.ReadRuntimeSnapshot(cfg.Store.StateDir)
	fmt.Println("\nRuntime:")
	switch {
	case err != nil:
		fmt.Println("  " + errorStyle.Render("unreadable: "+err.Error()))
	case !snap.HasData():
		fmt.Println("  No activity recorded yet.")
	default:
		printRuntimeSnapshot(snap)
	}
	return nil
}

func printRuntimeSnapshot(snap metrics.RuntimeSnapshot) {
	t := snap.Tool
	fmt.Printf("  Tools: %d runs, %.1f%% errors, %.1f%% timeouts, avg %.0fms, p95~%dms\n",
		t.Total, t.ErrorRatio()*100, t.TimeoutRatio()*100, t.AvgLatencyMs(), t.P95ProxyLatencyMs)

	a := snap.Approval
	fmt.Printf("  Interrupts: %d (%d gated actions, %d expired)\n", a.Interrupts, a.GatedActions, a.Expired)
	fmt.Printf("  Decisions: %d approved, %d edited, %d rejected\n", a.Approved, a.Edited, a.Rejected)

	g := snap.Guardrail
	fmt.Printf("  Guardrail: %d checks, %d blocked, %d failures\n", g.Checks, g.Blocks, g.Failures)
	if !snap.UpdatedAt.IsZero() {
		fmt.Println(mutedStyle.Render("  Updated " + snap.UpdatedAt.Local().Format(timeLayout)))
	}
}
