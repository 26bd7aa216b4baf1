package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/ports"
)

// PipelineObserver receives pipeline measurements.
type PipelineObserver interface {
	StageCompleted(stage domain.Stage, elapsed time.Duration)
	ValidationFinished(attempts int, confidence float64)
	JobFinished(outcome domain.Outcome)
	FeedbackProcessed(result string)
}

type nopObserver struct{}

func (nopObserver) StageCompleted(domain.Stage, time.Duration) {}
func (nopObserver) ValidationFinished(int, float64)             {}
func (nopObserver) JobFinished(domain.Outcome)                  {}
func (nopObserver) FeedbackProcessed(string)                    {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, domain.EventKind, map[string]any) error { return nil }

// eventEmitter bounds every notification by a short timeout. A failed notification is logged
// and never changes the outcome of the caller.
type eventEmitter struct {
	notifier ports.Notifier
	timeout  time.Duration
}

func newEventEmitter(notifier ports.Notifier, timeout time.Duration) eventEmitter {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return eventEmitter{notifier: notifier, timeout: timeout}
}

func (e eventEmitter) emit(ctx context.Context, kind domain.EventKind, payload map[string]any) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.notifier.Notify(notifyCtx, kind, payload); err != nil {
		slog.Warn("notify_failed", "event", string(kind), "error", err)
	}
}

func timelinePayload(job *domain.Job, terminal domain.Stage, reason string) map[string]any {
	stages := make([]map[string]any, 0, len(job.Timeline))
	var total time.Duration
	for _, rec := range job.Durations() {
		total += rec.Duration
		stages = append(stages, map[string]any{
			"stage":       string(rec.Stage),
			"entered_at":  rec.EnteredAt,
			"duration_ms": rec.Duration.Milliseconds(),
		})
	}
	payload := map[string]any{
		"job_id":   job.ID,
		"document": job.SourceName,
		"terminal": string(terminal),
		"stages":   stages,
		"total_ms": total.Milliseconds(),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return payload
}
