package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/document-classifier/internal/bootstrap"
	"github.com/kirillkom/document-classifier/internal/config"
	"github.com/kirillkom/document-classifier/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.New(os.Stdout, "worker", cfg.LogLevel, cfg.LogFormat))

	if err := run(cfg); err != nil {
		slog.Error("worker_failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lockPath := cfg.WorkerLockPath
	if lockPath == "" {
		lockPath = filepath.Join(cfg.WorkspacePath, ".worker.lock")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire worker lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another worker already owns %s", cfg.WorkspacePath)
	}
	defer func() { _ = lock.Unlock() }()

	w, err := bootstrap.NewWorker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer w.Close()

	recovered, err := w.Workspace.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight documents: %w", err)
	}
	if len(recovered) > 0 {
		slog.Info("in_flight_recovered", "documents", len(recovered))
	}
	if report, err := w.Knowledge.RefreshCategoryDocuments(ctx); err != nil {
		slog.Warn("reference_refresh_failed", "error", err)
	} else {
		slog.Info("reference_refresh_done", "report", report)
	}

	// Jobs keep running through shutdown until they reach a terminal stage.
	w.Intake.Start(context.WithoutCancel(ctx))

	trigger := make(chan struct{}, 1)
	poke := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
	poke()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metricsMux(w),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return w.Watcher.Run(gctx, func(string) { poke() })
	})
	if w.Queue != nil {
		g.Go(func() error {
			slog.Info("worker_subscribed", "subject", cfg.NATSSubject)
			return w.Queue.SubscribeDocumentIngested(gctx, func(context.Context, string) error {
				poke()
				return nil
			})
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(seconds(cfg.IntakeScanSeconds, 30))
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			case <-trigger:
			}
			if n, err := w.Dispatcher.Scan(gctx); err != nil && gctx.Err() == nil {
				slog.Warn("intake_scan_failed", "error", err)
			} else if n > 0 {
				slog.Info("intake_scan_done", "admitted", n)
			}
		}
	})
	g.Go(func() error {
		return every(gctx, seconds(cfg.FeedbackPollSeconds, 15), func(ctx context.Context) {
			report, err := w.Feedback.RunOnce(ctx)
			if err != nil {
				slog.Warn("feedback_cycle_failed", "error", err)
				return
			}
			if report.Applied+report.Rejected+report.AlreadyApplied+report.Deferred > 0 {
				slog.Info("feedback_cycle_done", "report", report)
			}
		})
	})
	g.Go(func() error {
		return every(gctx, seconds(cfg.ReanalysisPollSeconds, 60), func(ctx context.Context) {
			restored, err := w.Reanalysis.RunOnce(ctx)
			if err != nil {
				slog.Warn("reanalysis_pass_failed", "error", err)
			}
			if restored > 0 {
				poke()
			}
		})
	})
	g.Go(func() error {
		return every(gctx, seconds(cfg.ReferenceRefreshSeconds, 300), func(ctx context.Context) {
			if _, err := w.Knowledge.RefreshCategoryDocuments(ctx); err != nil {
				slog.Warn("reference_refresh_failed", "error", err)
			}
		})
	})

	err = g.Wait()

	slog.Info("worker_shutting_down", "in_flight", w.Intake.InFlight(), "pending", w.Intake.Len())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), seconds(cfg.ShutdownTimeoutSeconds, 120))
	defer cancel()
	unstarted, shutdownErr := w.Intake.Shutdown(shutdownCtx)
	w.Dispatcher.HandBack(context.Background(), unstarted)
	if shutdownErr != nil {
		slog.Error("worker_shutdown_incomplete", "error", shutdownErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func metricsMux(w *bootstrap.Worker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", w.Metrics.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	return mux
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
