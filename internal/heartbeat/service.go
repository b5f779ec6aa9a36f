// Package heartbeat runs periodic maintenance probes for long-lived servers.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const defaultInterval = time.Minute

// ProbeFunc runs one maintenance pass and returns a short summary.
type ProbeFunc func(ctx context.Context) (string, error)

// Config controls heartbeat runtime behavior.
type Config struct {
	Enabled  bool
	Interval time.Duration
}

// Result is the outcome of one heartbeat tick.
type Result struct {
	Status  string
	Summary string
	RanAt   time.Time
}

// Service runs named probes on a fixed interval until stopped.
type Service struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	names   []string
	probes  map[string]ProbeFunc
	last    Result
	stopCh  chan struct{}
	stopped chan struct{}
	running bool
}

// NewService creates a heartbeat service.
func NewService(cfg Config, logger *slog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		probes: make(map[string]ProbeFunc),
	}
}

// Register adds a probe. Registering a name twice replaces the probe.
func (s *Service) Register(name string, probe ProbeFunc) {
	name = strings.TrimSpace(name)
	if name == "" || probe == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.probes[name]; !ok {
		s.names = append(s.names, name)
	}
	s.probes[name] = probe
}

// IsRunning returns true when the service loop is active.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Last returns the most recent tick result.
func (s *Service) Last() Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Start launches the periodic loop.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if !s.cfg.Enabled {
		s.logger.Info("heartbeat disabled")
		return nil
	}

	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	s.running = true

	go s.loop(s.stopCh, s.stopped)
	s.logger.Info("heartbeat service started", "interval", s.cfg.Interval.String(), "probes", len(s.names))
	return nil
}

// Stop halts the periodic loop and waits for an in-flight tick.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	stopped := s.stopped
	s.running = false
	s.stopCh = nil
	s.stopped = nil
	s.mu.Unlock()

	close(stopCh)
	<-stopped
	s.logger.Info("heartbeat service stopped")
}

func (s *Service) loop(stopCh <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(context.Background()); err != nil {
				s.logger.Warn("heartbeat run failed", "error", err)
			}
		}
	}
}

// RunOnce runs every probe in registration order. A failing probe marks the
// tick degraded without stopping the others; the joined errors are returned.
func (s *Service) RunOnce(ctx context.Context) (Result, error) {
	s.mu.RLock()
	names := append([]string(nil), s.names...)
	probes := make([]ProbeFunc, len(names))
	for i, name := range names {
		probes[i] = s.probes[name]
	}
	s.mu.RUnlock()

	status := "ok"
	var (
		parts []string
		errs  []error
	)
	for i, probe := range probes {
		summary, err := probe(ctx)
		if err != nil {
			status = "degraded"
			errs = append(errs, err)
			parts = append(parts, names[i]+"="+err.Error())
			continue
		}
		if summary = strings.TrimSpace(summary); summary != "" {
			parts = append(parts, names[i]+"="+summary)
		}
	}

	summary := "heartbeat check passed"
	if len(parts) > 0 {
		summary = strings.Join(parts, " ")
	}
	result := Result{Status: status, Summary: summary, RanAt: s.now()}

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()

	if status == "ok" {
		s.logger.Debug("heartbeat", "heartbeat_status", status, "summary", summary)
	} else {
		s.logger.Warn("heartbeat", "heartbeat_status", status, "summary", summary)
	}
	return result, errors.Join(errs...)
}
