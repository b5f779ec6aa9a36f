package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const runtimeMetricsFileName = "runtime_metrics.json"

var latencyBucketUpperBoundsMs = []int64{
	10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000,
}

// Decision kinds accepted by RecordDecision.
const (
	DecisionApprove = "approve"
	DecisionEdit    = "edit"
	DecisionReject  = "reject"
)

// RuntimeSnapshot contains aggregated agent runtime metrics.
type RuntimeSnapshot struct {
	UpdatedAt time.Time      `json:"updated_at"`
	Tool      ToolStats      `json:"tool"`
	Approval  ApprovalStats  `json:"approval"`
	Guardrail GuardrailStats `json:"guardrail"`
}

// ToolStats tracks tool execution metrics. Lookup failures reported in the
// tool payload count as errors.
type ToolStats struct {
	Total             int64 `json:"total"`
	Errors            int64 `json:"errors"`
	Timeouts          int64 `json:"timeouts"`
	TotalLatencyMs    int64 `json:"total_latency_ms"`
	MaxLatencyMs      int64 `json:"max_latency_ms"`
	LastLatencyMs     int64 `json:"last_latency_ms"`
	P95ProxyLatencyMs int64 `json:"p95_proxy_latency_ms"`
}

// ErrorRatio returns errors/total in [0,1].
func (t ToolStats) ErrorRatio() float64 {
	if t.Total <= 0 {
		return 0
	}
	return float64(t.Errors) / float64(t.Total)
}

// TimeoutRatio returns timeouts/total in [0,1].
func (t ToolStats) TimeoutRatio() float64 {
	if t.Total <= 0 {
		return 0
	}
	return float64(t.Timeouts) / float64(t.Total)
}

// AvgLatencyMs returns average latency in milliseconds.
func (t ToolStats) AvgLatencyMs() float64 {
	if t.Total <= 0 {
		return 0
	}
	return float64(t.TotalLatencyMs) / float64(t.Total)
}

// ApprovalStats counts suspensions and per-action reviewer decisions.
type ApprovalStats struct {
	Interrupts   int64 `json:"interrupts"`
	GatedActions int64 `json:"gated_actions"`
	Approved     int64 `json:"approved"`
	Edited       int64 `json:"edited"`
	Rejected     int64 `json:"rejected"`
	Expired      int64 `json:"expired"`
}

// Decisions returns the number of per-action decisions recorded.
func (a ApprovalStats) Decisions() int64 {
	return a.Approved + a.Edited + a.Rejected
}

// RejectionRatio returns rejected/decisions in [0,1].
func (a ApprovalStats) RejectionRatio() float64 {
	total := a.Decisions()
	if total <= 0 {
		return 0
	}
	return float64(a.Rejected) / float64(total)
}

// GuardrailStats counts screening outcomes.
type GuardrailStats struct {
	Checks   int64 `json:"checks"`
	Blocks   int64 `json:"blocks"`
	Failures int64 `json:"failures"`
}

// BlockRatio returns blocks/checks in [0,1].
func (g GuardrailStats) BlockRatio() float64 {
	if g.Checks <= 0 {
		return 0
	}
	return float64(g.Blocks) / float64(g.Checks)
}

// HasData reports whether any runtime metrics were recorded.
func (s RuntimeSnapshot) HasData() bool {
	return s.Tool.Total > 0 || s.Approval.Interrupts > 0 || s.Guardrail.Checks > 0
}

// RuntimeMetrics records and persists runtime metrics. A nil recorder is a
// valid no-op.
type RuntimeMetrics struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	snap    RuntimeSnapshot
	buckets []int64
}

// NewRuntimeMetrics creates a recorder persisting to <stateDir>/runtime_metrics.json.
// A previously persisted snapshot is loaded so counters survive restarts;
// latency buckets start empty.
func NewRuntimeMetrics(stateDir string) *RuntimeMetrics {
	m := &RuntimeMetrics{
		path:    runtimeMetricsPath(stateDir),
		now:     time.Now,
		buckets: make([]int64, len(latencyBucketUpperBoundsMs)+1),
	}
	if snap, err := ReadRuntimeSnapshot(stateDir); err == nil {
		m.snap = snap
	}
	return m
}

// Snapshot returns the latest in-memory snapshot.
func (m *RuntimeMetrics) Snapshot() RuntimeSnapshot {
	if m == nil {
		return RuntimeSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// RecordToolExecution updates tool metrics and persists the snapshot.
func (m *RuntimeMetrics) RecordToolExecution(duration time.Duration, result string, runErr error) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}

	latencyMs := duration.Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}

	return m.update(func(s *RuntimeSnapshot) {
		s.Tool.Total++
		s.Tool.TotalLatencyMs += latencyMs
		s.Tool.LastLatencyMs = latencyMs
		if latencyMs > s.Tool.MaxLatencyMs {
			s.Tool.MaxLatencyMs = latencyMs
		}
		if runErr != nil || isErrorResult(result) {
			s.Tool.Errors++
			if isTimeoutError(runErr, result) {
				s.Tool.Timeouts++
			}
		}

		m.buckets[latencyBucketIndex(latencyMs)]++
		s.Tool.P95ProxyLatencyMs = p95ProxyFromBuckets(m.buckets, s.Tool.Total)
	})
}

// RecordInterrupt counts one suspension gating the given number of actions.
func (m *RuntimeMetrics) RecordInterrupt(actions int) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}
	return m.update(func(s *RuntimeSnapshot) {
		s.Approval.Interrupts++
		s.Approval.GatedActions += int64(actions)
	})
}

// RecordDecision counts one per-action decision. Unknown kinds are ignored.
func (m *RuntimeMetrics) RecordDecision(kind string) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}
	return m.update(func(s *RuntimeSnapshot) {
		switch kind {
		case DecisionApprove:
			s.Approval.Approved++
		case DecisionEdit:
			s.Approval.Edited++
		case DecisionReject:
			s.Approval.Rejected++
		}
	})
}

// RecordExpired counts one suspension that lapsed before its decisions.
func (m *RuntimeMetrics) RecordExpired() (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}
	return m.update(func(s *RuntimeSnapshot) {
		s.Approval.Expired++
	})
}

// RecordGuardrail counts one screening. A non-nil checkErr is a classifier failure.
func (m *RuntimeMetrics) RecordGuardrail(blocked bool, checkErr error) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}
	return m.update(func(s *RuntimeSnapshot) {
		s.Guardrail.Checks++
		switch {
		case checkErr != nil:
			s.Guardrail.Failures++
		case blocked:
			s.Guardrail.Blocks++
		}
	})
}

func (m *RuntimeMetrics) update(mutate func(*RuntimeSnapshot)) (RuntimeSnapshot, error) {
	m.mu.Lock()
	m.snap.UpdatedAt = m.now().UTC()
	mutate(&m.snap)
	snapshot := m.snap
	err := persistRuntimeSnapshot(m.path, snapshot)
	m.mu.Unlock()

	return snapshot, err
}

// ReadRuntimeSnapshot reads the persisted snapshot from the state directory.
// If no file exists yet, it returns a zero-value snapshot and nil error.
func ReadRuntimeSnapshot(stateDir string) (RuntimeSnapshot, error) {
	path := runtimeMetricsPath(stateDir)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeSnapshot{}, nil
		}
		return RuntimeSnapshot{}, fmt.Errorf("read runtime metrics: %w", err)
	}

	var snap RuntimeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return RuntimeSnapshot{}, fmt.Errorf("decode runtime metrics: %w", err)
	}
	return snap, nil
}

func runtimeMetricsPath(stateDir string) string {
	if strings.TrimSpace(stateDir) == "" {
		return ""
	}
	return filepath.Join(stateDir, runtimeMetricsFileName)
}

func persistRuntimeSnapshot(path string, snapshot RuntimeSnapshot) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create runtime metrics dir: %w", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode runtime metrics: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		return fmt.Errorf("write runtime metrics temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename runtime metrics file: %w", err)
	}
	return nil
}

func latencyBucketIndex(latencyMs int64) int {
	for i, upper := range latencyBucketUpperBoundsMs {
		if latencyMs <= upper {
			return i
		}
	}
	return len(latencyBucketUpperBoundsMs)
}

func p95ProxyFromBuckets(buckets []int64, total int64) int64 {
	if total <= 0 {
		return 0
	}
	target := int64(float64(total) * 0.95)
	if target <= 0 {
		target = 1
	}

	var cumulative int64
	for i, count := range buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		if i >= len(latencyBucketUpperBoundsMs) {
			return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
		}
		return latencyBucketUpperBoundsMs[i]
	}
	return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
}

// isErrorResult matches runtime error strings and the {"error": ...} payload
// weather lookups return on failure.
func isErrorResult(result string) bool {
	trimmed := strings.TrimSpace(result)
	return strings.HasPrefix(trimmed, "Error:") || strings.HasPrefix(trimmed, `{"error"`)
}

func isTimeoutError(runErr error, result string) bool {
	if errors.Is(runErr, context.DeadlineExceeded) {
		return true
	}
	lowered := ""
	if runErr != nil {
		lowered = strings.ToLower(runErr.Error())
	}
	combined := lowered + " " + strings.ToLower(strings.TrimSpace(result))
	return strings.Contains(combined, "deadline exceeded") ||
		strings.Contains(combined, "timeout") ||
		strings.Contains(combined, "timed out")
}
