package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marcus-qen/dispatchd/internal/config"
	"github.com/marcus-qen/dispatchd/internal/domain"
	"github.com/marcus-qen/dispatchd/internal/metrics"
	"github.com/marcus-qen/dispatchd/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dispatcher loop, escalation monitor, and rollback monitor",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.Tracing.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	a, err := build(cfg, logger)
	if err != nil {
		return fmt.Errorf("wire components: %w", err)
	}
	defer a.close()

	if err := a.escalation.Start(); err != nil {
		return fmt.Errorf("start escalation monitor: %w", err)
	}
	defer a.escalation.Stop()

	if err := a.rollback.Start(); err != nil {
		return fmt.Errorf("start rollback monitor: %w", err)
	}
	defer a.rollback.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if a.flags.IsDisabled() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "kill switch tripped")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":%q,"commit":%q,"date":%q}`+"\n", version, commit, date)
	})
	mux.Handle("GET /metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting dispatchd", zap.String("addr", cfg.ListenAddr), zap.String("version", version))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(time.Duration(cfg.TickIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown error", zap.Error(err))
			}
			a.supervisor.Shutdown()
			return nil
		case <-ticker.C:
			runTick(ctx, a, logger)
		}
	}
}

func runTick(ctx context.Context, a *app, logger *zap.Logger) {
	if a.flags.IsDisabled() {
		logger.Debug("kill switch tripped, skipping tick")
		return
	}

	candidates, err := a.store.GetTasks(ctx, domain.Filter{
		Status: []domain.TaskStatus{domain.StatusPending, domain.StatusNeedsImprovement},
	})
	if err != nil {
		logger.Error("fetch candidate tasks failed", zap.Error(err))
		return
	}

	for _, result := range a.dispatch.Tick(ctx, candidates) {
		if result.Err != nil {
			logger.Warn("dispatch tick error", zap.String("task_id", result.TaskID), zap.Error(result.Err))
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
