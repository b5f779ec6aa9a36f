package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

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

const (
	DefaultSystemPrompt = "You are a helpful assistant"

	DefaultModelCallRunLimit    = 5
	DefaultModelCallThreadLimit = 10
	DefaultToolCallRunLimit     = 10
	DefaultToolCallThreadLimit  = 20
)

var (
	ErrThreadSuspended   = errors.New("thread is suspended awaiting decisions")
	ErrNotSuspended      = errors.New("thread is not suspended")
	ErrDecisionMismatch  = errors.New("decisions do not match pending action requests")
	ErrSuspensionExpired = errors.New("suspension expired")
)

// Screener screens the conversation before the model runs.
type Screener interface {
	Check(ctx context.Context, messages []*schema.Message) (guardrail.Verdict, error)
}

// Describer renders the reviewer-facing description of a gated call.
type Describer interface {
	Describe(toolName string, args map[string]any) string
}

// Config holds runtime limits and prompt settings. Zero values take defaults.
type Config struct {
	SystemPrompt         string
	ModelCallRunLimit    int
	ModelCallThreadLimit int
	ToolCallRunLimit     int
	ToolCallThreadLimit  int
	ApprovalTTL          time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.ModelCallRunLimit <= 0 {
		c.ModelCallRunLimit = DefaultModelCallRunLimit
	}
	if c.ModelCallThreadLimit <= 0 {
		c.ModelCallThreadLimit = DefaultModelCallThreadLimit
	}
	if c.ToolCallRunLimit <= 0 {
		c.ToolCallRunLimit = DefaultToolCallRunLimit
	}
	if c.ToolCallThreadLimit <= 0 {
		c.ToolCallThreadLimit = DefaultToolCallThreadLimit
	}
	if c.ApprovalTTL <= 0 {
		c.ApprovalTTL = approval.DefaultTTL
	}
	return c
}

// Options wires the runtime collaborators. Model and Tools are required;
// everything else is optional.
type Options struct {
	Model       model.BaseChatModel
	Tools       *tools.Registry
	Respond     tool.InvokableTool
	Gate        policy.Gate
	Describer   Describer
	Guardrail   Screener
	Checkpoints checkpoint.Store
	Approvals   *approval.Service
	Audit       *audit.Writer
	Metrics     *metrics.RuntimeMetrics
	Logger      *slog.Logger
	Config      Config
}

// Runtime runs the tool-calling loop for many threads. Calls on one thread
// are serialized; different threads run in parallel.
type Runtime struct {
	model       model.BaseChatModel
	tools       *tools.Registry
	gate        policy.Gate
	describer   Describer
	guardrail   Screener
	checkpoints checkpoint.Store
	approvals   *approval.Service
	audit       *audit.Writer
	metrics     *metrics.RuntimeMetrics
	logger      *slog.Logger
	cfg         Config
	now         func() time.Time

	mu      sync.Mutex
	threads map[string]*threadLock
}

// threadLock serializes work on one thread. refs counts holders and waiters;
// the entry is dropped when it reaches zero.
type threadLock struct {
	mu   sync.Mutex
	refs int
}

// New binds the tool schemas to the model and returns a runtime.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.Model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if opts.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}

	infos, err := opts.Tools.Infos(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Respond != nil {
		info, err := opts.Respond.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("response tool info: %w", err)
		}
		infos = append(infos, info)
	}
	chatModel, err := bindTools(opts.Model, infos)
	if err != nil {
		return nil, fmt.Errorf("bind tools: %w", err)
	}

	gate := opts.Gate
	if gate == nil {
		gate = policy.NewEvaluator(policy.Config{Mode: policy.ModeStrict, InterruptOn: policy.DefaultInterruptOn()})
	}
	describer := opts.Describer
	if describer == nil {
		if d, ok := gate.(Describer); ok {
			describer = d
		} else {
			describer = policy.NewEvaluator(policy.Config{})
		}
	}
	store := opts.Checkpoints
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Config.withDefaults()
	if opts.Approvals != nil {
		cfg.ApprovalTTL = opts.Approvals.TTL()
	}

	return &Runtime{
		model:       chatModel,
		tools:       opts.Tools,
		gate:        gate,
		describer:   describer,
		guardrail:   opts.Guardrail,
		checkpoints: store,
		approvals:   opts.Approvals,
		audit:       opts.Audit,
		metrics:     opts.Metrics,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
		threads:     map[string]*threadLock{},
	}, nil
}

func bindTools(m model.BaseChatModel, infos []*schema.ToolInfo) (model.BaseChatModel, error) {
	if len(infos) == 0 {
		return m, nil
	}
	if tc, ok := m.(model.ToolCallingChatModel); ok {
		return tc.WithTools(infos)
	}
	if binder, ok := m.(interface {
		BindTools([]*schema.ToolInfo) error
	}); ok {
		return m, binder.BindTools(infos)
	}
	return m, nil
}

// NewThreadID returns a time-sortable thread identifier.
func NewThreadID() string {
	return ulid.Make().String()
}

// Turn is the outcome of one Invoke or Resume call.
type Turn struct {
	ThreadID string
	// Response is set when the model returned the structured answer.
	Response *weather.Report
	// Message is the last assistant text of the turn.
	Message   string
	Interrupt *hitl.Interrupt
	// Blocked marks a guardrail refusal.
	Blocked bool
	// Rejected marks a turn ended by a reviewer rejection.
	Rejected       bool
	ShouldContinue bool
	Phase          hitl.Phase
}

func (t Turn) Interrupted() bool {
	return t.Interrupt != nil
}

// Visible reports whether the turn produced anything to show.
func (t Turn) Visible() bool {
	return t.Response != nil || strings.TrimSpace(t.Message) != ""
}

func (r *Runtime) lockThread(threadID string) func() {
	r.mu.Lock()
	lock, ok := r.threads[threadID]
	if !ok {
		lock = &threadLock{}
		r.threads[threadID] = lock
	}
	lock.refs++
	r.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.threads, threadID)
		}
		r.mu.Unlock()
	}
}

func (r *Runtime) nowUTC() time.Time {
	return r.now().UTC()
}
