package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/MEKXH/weatherhitl/internal/agent"
	"github.com/MEKXH/weatherhitl/internal/approval"
	"github.com/MEKXH/weatherhitl/internal/audit"
	"github.com/MEKXH/weatherhitl/internal/checkpoint"
	"github.com/MEKXH/weatherhitl/internal/config"
	"github.com/MEKXH/weatherhitl/internal/guardrail"
	"github.com/MEKXH/weatherhitl/internal/metrics"
	"github.com/MEKXH/weatherhitl/internal/policy"
	"github.com/MEKXH/weatherhitl/internal/provider"
	"github.com/MEKXH/weatherhitl/internal/tools"
	"github.com/MEKXH/weatherhitl/internal/weather"
)

// Model constructors are variables so command tests can swap in fakes.
var (
	newChatModel       = provider.NewChatModel
	newClassifierModel = provider.NewClassifierModel
)

// stack is the wired agent runtime shared by chat and serve.
type stack struct {
	cfg       *config.Config
	runtime   *agent.Runtime
	approvals *approval.Service
	audit     *audit.Writer
	metrics   *metrics.RuntimeMetrics
	closeFn   func() error
}

func (s *stack) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	if logger == nil {
		logger = slog.Default()
	}

	chatModel, err := newChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}

	client := weather.NewClient(weather.Config{
		GeocodeEndpoint:  cfg.Weather.GeocodeEndpoint,
		ForecastEndpoint: cfg.Weather.ForecastEndpoint,
		Timeout:          cfg.WeatherTimeout(),
	})
	registry, respond, err := tools.NewWeatherRegistry(client)
	if err != nil {
		return nil, fmt.Errorf("register weather tools: %w", err)
	}

	gate, describer, err := buildGate(ctx, cfg.Policy)
	if err != nil {
		return nil, err
	}

	var screener agent.Screener
	if cfg.Guardrail.Enabled {
		classifier, err := newClassifierModel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create guardrail classifier: %w", err)
		}
		screener = guardrail.New(classifier, guardrailConfig(cfg.Guardrail), logger)
	} else {
		logger.Warn("guardrail disabled; questions reach the model unscreened")
	}

	store, closeStore, err := checkpoint.Open(cfg.Store.Kind, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	approvals := approval.NewService(cfg.Store.StateDir, cfg.ApprovalTTL())
	auditWriter := audit.NewWriter(cfg.Store.StateDir)
	recorder := metrics.NewRuntimeMetrics(cfg.Store.StateDir)

	rt, err := agent.New(ctx, agent.Options{
		Model:       chatModel,
		Tools:       registry,
		Respond:     respond,
		Gate:        gate,
		Describer:   describer,
		Guardrail:   screener,
		Checkpoints: store,
		Approvals:   approvals,
		Audit:       auditWriter,
		Metrics:     recorder,
		Logger:      logger,
		Config: agent.Config{
			SystemPrompt:         cfg.Agent.SystemPrompt,
			ModelCallRunLimit:    cfg.Agent.ModelCallRunLimit,
			ModelCallThreadLimit: cfg.Agent.ModelCallThreadLimit,
			ToolCallRunLimit:     cfg.Agent.ToolCallRunLimit,
			ToolCallThreadLimit:  cfg.Agent.ToolCallThreadLimit,
			ApprovalTTL:          cfg.ApprovalTTL(),
		},
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create agent runtime: %w", err), closeStore())
	}

	return &stack{
		cfg:       cfg,
		runtime:   rt,
		approvals: approvals,
		audit:     auditWriter,
		metrics:   recorder,
		closeFn:   closeStore,
	}, nil
}

// guardrailConfig maps the breaker settings. Out-of-range values fall back to
// the guardrail defaults.
func guardrailConfig(cfg config.GuardrailConfig) guardrail.Config {
	out := guardrail.Config{
		OpenTimeout: time.Duration(max(cfg.OpenTimeoutSeconds, 0)) * time.Second,
		Interval:    time.Duration(max(cfg.IntervalSeconds, 0)) * time.Second,
	}
	if cfg.MaxFailures > 0 && int64(cfg.MaxFailures) <= math.MaxUint32 {
		out.MaxFailures = uint32(cfg.MaxFailures)
	}
	return out
}

// buildGate picks the tool policy. Rego mode loads policy.rego_file, or the
// built-in module when none is set. Descriptions always come from the
// config-driven evaluator.
func buildGate(ctx context.Context, cfg config.PolicyConfig) (policy.Gate, agent.Describer, error) {
	evaluator := policy.NewEvaluator(policy.Config{
		Mode:              policy.Mode(cfg.Mode),
		InterruptOn:       cfg.InterruptOn,
		Deny:              cfg.Deny,
		DescriptionPrefix: cfg.DescriptionPrefix,
	})
	if !strings.EqualFold(strings.TrimSpace(cfg.Mode), "rego") {
		return evaluator, evaluator, nil
	}

	var (
		rego *policy.RegoEvaluator
		err  error
	)
	if path := strings.TrimSpace(cfg.RegoFile); path != "" {
		rego, err = policy.LoadRegoEvaluator(ctx, path)
	} else {
		rego, err = policy.NewRegoEvaluator(ctx, policy.DefaultRegoPolicy)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load rego policy: %w", err)
	}
	return rego, evaluator, nil
}
