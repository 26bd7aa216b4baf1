package ports

import (
	"context"
	"io"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

// DocumentSubmitter is the inbound contract for placing documents into intake.
type DocumentSubmitter interface {
	Submit(ctx context.Context, filename string, body io.Reader) (*domain.Submission, error)
}

// FeedbackSubmitter queues reviewer feedback for the worker's feedback cycle.
type FeedbackSubmitter interface {
	SubmitFeedback(ctx context.Context, record domain.FeedbackRecord) (*domain.Submission, error)
}

// ClassificationReader is the inbound read model over the knowledge repository.
type ClassificationReader interface {
	GetClassification(ctx context.Context, documentID string) (*domain.ClassificationRecord, error)
	ListCategories(ctx context.Context) ([]domain.CategoryProfile, error)
	ListDeadLetters(ctx context.Context) ([]domain.DeadLetterRecord, error)
}

// JobProcessor runs one job through the processing state machine.
type JobProcessor interface {
	Process(ctx context.Context, job *domain.Job) domain.Outcome
}
