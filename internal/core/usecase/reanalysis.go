package usecase

import (
	"context"
	"log/slog"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/ports"
)

// ReanalysisKnowledge exposes the sticky reanalysis markers.
type ReanalysisKnowledge interface {
	PendingReanalysis() []domain.ReanalysisMarker
	CompleteReanalysis(ctx context.Context, documentID string) error
}

// ReanalysisPass restores archived sources of marked documents into intake.
type ReanalysisPass struct {
	knowledge ReanalysisKnowledge
	workspace ports.Workspace
	events    eventEmitter
}

func NewReanalysisPass(knowledge ReanalysisKnowledge, workspace ports.Workspace, notifier ports.Notifier) *ReanalysisPass {
	return &ReanalysisPass{
		knowledge: knowledge,
		workspace: workspace,
		events:    newEventEmitter(notifier, 0),
	}
}

// RunOnce returns how many documents went back to intake. A marker whose archived source is
// gone is cleared with a warning; other failures keep the marker for the next pass.
func (p *ReanalysisPass) RunOnce(ctx context.Context) (int, error) {
	restored := 0
	for _, marker := range p.knowledge.PendingReanalysis() {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		name, err := p.workspace.Restore(ctx, marker.DocumentID, marker.SourceName)
		if err != nil {
			if !domain.IsKind(err, domain.ErrDocumentNotFound) {
				slog.Warn("reanalysis_restore_failed", "document_id", marker.DocumentID, "error", err)
				continue
			}
			slog.Warn("reanalysis_source_missing", "document_id", marker.DocumentID, "document", marker.SourceName)
		}
		if err := p.knowledge.CompleteReanalysis(ctx, marker.DocumentID); err != nil {
			return restored, err
		}
		if name == "" {
			continue
		}
		restored++
		p.events.emit(ctx, domain.EventReanalysisQueued, map[string]any{
			"document_id":  marker.DocumentID,
			"document":     marker.SourceName,
			"intake_name":  name,
			"category":     marker.Category,
			"feedback_key": marker.FeedbackKey,
		})
		slog.Info("reanalysis_queued", "document_id", marker.DocumentID, "intake_name", name)
	}
	return restored, nil
}
