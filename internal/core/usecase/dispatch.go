package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/ports"
)

// IntakeDispatcher moves files from the intake folder into the queue.
type IntakeDispatcher struct {
	workspace ports.Workspace
	queue     *IntakeQueue
}

func NewIntakeDispatcher(workspace ports.Workspace, queue *IntakeQueue) *IntakeDispatcher {
	return &IntakeDispatcher{workspace: workspace, queue: queue}
}

// Scan claims every pending intake file and admits it. It returns how many jobs were admitted.
func (d *IntakeDispatcher) Scan(ctx context.Context) (int, error) {
	listedAt := time.Now().UTC()
	names, err := d.workspace.PendingIntake(ctx)
	if err != nil {
		return 0, fmt.Errorf("list intake: %w", err)
	}
	if n := d.queue.ForgetReturned(names, listedAt); n > 0 {
		slog.Info("returned_jobs_forgotten", "count", n)
	}

	admitted := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return admitted, err
		}
		path, size, err := d.workspace.Claim(ctx, name)
		if err != nil {
			if domain.IsKind(err, domain.ErrDocumentNotFound) {
				continue
			}
			slog.Warn("intake_claim_failed", "document", name, "error", err)
			continue
		}
		if _, err := d.queue.Admit(path, size); err != nil {
			handBack := domain.NewJob("", path, size, time.Now().UTC())
			if rerr := d.workspace.ReturnToIntake(ctx, handBack); rerr != nil {
				slog.Error("return_to_intake_failed", "document", name, "error", rerr)
			}
			if domain.IsKind(err, domain.ErrQueueClosed) {
				return admitted, err
			}
			slog.Warn("intake_admit_failed", "document", name, "error", err)
			continue
		}
		admitted++
	}
	return admitted, nil
}

// HandBack returns unstarted jobs to intake after a shutdown.
func (d *IntakeDispatcher) HandBack(ctx context.Context, jobs []*domain.Job) {
	for _, job := range jobs {
		if err := d.workspace.ReturnToIntake(ctx, job); err != nil {
			slog.Error("return_to_intake_failed", "job_id", job.ID, "document", job.SourceName, "error", err)
			continue
		}
		slog.Info("job_handed_back", "job_id", job.ID, "document", job.SourceName)
	}
}
