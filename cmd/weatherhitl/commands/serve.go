package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/MEKXH/weatherhitl/internal/approval"
	"github.com/MEKXH/weatherhitl/internal/config"
	"github.com/MEKXH/weatherhitl/internal/gateway"
	"github.com/MEKXH/weatherhitl/internal/heartbeat"
	"github.com/MEKXH/weatherhitl/internal/tracing"
	"github.com/MEKXH/weatherhitl/internal/tracker"
	"github.com/spf13/cobra"
)

const expirySweepInterval = time.Minute

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	}
	cmd.Flags().String("host", "", "Override gateway.host")
	cmd.Flags().Int("port", 0, "Override gateway.port")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Gateway.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Gateway.Port = port
	}

	logger := slog.Default()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:  cfg.Tracing.Enabled,
		Exporter: cfg.Tracing.Exporter,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close checkpoint store failed", "error", err)
		}
	}()

	requests := tracker.New()
	if cfg.Tracker.SeedMockData {
		if err := requests.Seed(tracker.MockRequests(time.Now().UTC())...); err != nil {
			return fmt.Errorf("seed tracker: %w", err)
		}
	}

	handler := gateway.NewHandler(ctx, gateway.Deps{
		Agent:     st.runtime,
		Tracker:   requests,
		Approvals: st.approvals,
		Metrics:   st.metrics,
		Logger:    logger,
		RateLimit: cfg.Gateway.RateLimit,
		RateBurst: cfg.Gateway.RateBurst,
	})
	server := gateway.New(cfg.Gateway, handler, logger)

	beat := heartbeat.NewService(heartbeat.Config{Enabled: true, Interval: expirySweepInterval}, logger)
	beat.Register("approvals", approvalSweepProbe(st.approvals, logger))
	if err := beat.Start(); err != nil {
		return fmt.Errorf("start heartbeat: %w", err)
	}
	defer beat.Stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- fmt.Errorf("gateway server failed: %w", err)
		}
	}()

	fmt.Printf("weatherhitl API running on http://%s\nPress Ctrl+C to stop.\n", server.Addr())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("server component failed", "error", runErr)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Gateway.ShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("gateway shutdown failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", "error", err)
	}

	return runErr
}

// approvalSweepProbe marks overdue ledger records expired and reports how
// many remain pending.
func approvalSweepProbe(svc *approval.Service, logger *slog.Logger) heartbeat.ProbeFunc {
	return func(ctx context.Context) (string, error) {
		expired, err := svc.ExpirePending()
		if err != nil {
			return "", fmt.Errorf("expire approvals: %w", err)
		}
		for _, req := range expired {
			logger.Info("approval expired", "approval_id", req.ID, "thread_id", req.ThreadID)
		}
		pending, err := svc.List(approval.Query{Status: approval.StatusPending})
		if err != nil {
			return "", fmt.Errorf("list approvals: %w", err)
		}
		return fmt.Sprintf("expired=%d pending=%d", len(expired), len(pending)), nil
	}
}
