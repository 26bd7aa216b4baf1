package ports

import (
	"context"
	"io"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

// TextExtractor reads plain text out of a document file.
type TextExtractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// LLMClassifier asks an external model for a category judgment.
type LLMClassifier interface {
	Classify(ctx context.Context, req domain.LLMRequest) (domain.LLMResponse, error)
}

// ArtifactPackager bundles a finalized job into a deliverable artifact.
type ArtifactPackager interface {
	Package(ctx context.Context, job *domain.Job, result domain.ClassificationResult) (domain.Artifact, error)
}

// Notifier publishes lifecycle events. Failures never change a job outcome.
type Notifier interface {
	Notify(ctx context.Context, kind domain.EventKind, payload map[string]any) error
}

// Workspace owns the on-disk lifecycle of document files.
type Workspace interface {
	PendingIntake(ctx context.Context) ([]string, error)
	Claim(ctx context.Context, name string) (path string, size int64, err error)
	ReturnToIntake(ctx context.Context, job *domain.Job) error
	DeadLetter(ctx context.Context, job *domain.Job, record domain.DeadLetterRecord) error
	Archive(ctx context.Context, job *domain.Job) (string, error)
	Restore(ctx context.Context, documentID, sourceName string) (string, error)
	RecoverInFlight(ctx context.Context) ([]string, error)
	ListDeadLetters(ctx context.Context) ([]domain.DeadLetterRecord, error)
}

// KnowledgeRepository persists category profiles, classification history and feedback state.
type KnowledgeRepository interface {
	LoadProfiles(ctx context.Context) ([]domain.CategoryProfile, error)
	SaveProfile(ctx context.Context, profile domain.CategoryProfile) error

	AppendClassification(ctx context.Context, record domain.ClassificationRecord) error
	ListClassifications(ctx context.Context) ([]domain.ClassificationRecord, error)
	GetClassification(ctx context.Context, documentID string) (*domain.ClassificationRecord, error)

	GetFeedbackApplication(ctx context.Context, key string) (*domain.FeedbackApplication, error)
	// SaveFeedbackApplication claims key. It returns domain.ErrAlreadyApplied when the key exists.
	SaveFeedbackApplication(ctx context.Context, app domain.FeedbackApplication) error
	SaveDocumentFeedback(ctx context.Context, state domain.DocumentFeedback) error
	ListDocumentFeedback(ctx context.Context) ([]domain.DocumentFeedback, error)

	SaveReanalysisMarker(ctx context.Context, marker domain.ReanalysisMarker) error
	ListReanalysisMarkers(ctx context.Context) ([]domain.ReanalysisMarker, error)
	DeleteReanalysisMarker(ctx context.Context, documentID string) error
}

// ReferenceLibrary exposes one folder of reference documents per category.
type ReferenceLibrary interface {
	ListCategories(ctx context.Context) ([]string, error)
	ListDocuments(ctx context.Context, category string) ([]domain.ReferenceDocument, error)
	SaveExcerpt(ctx context.Context, category, name, text string) (string, error)
}

// FeedbackInbox yields pending reviewer feedback artifacts.
type FeedbackInbox interface {
	Pending(ctx context.Context) ([]domain.FeedbackEnvelope, error)
	Archive(ctx context.Context, env domain.FeedbackEnvelope, category string) error
	Reject(ctx context.Context, env domain.FeedbackEnvelope, reason string) error
}

// MessageQueue carries intake triggers between the API and the worker.
type MessageQueue interface {
	PublishDocumentIngested(ctx context.Context, name string) error
	SubscribeDocumentIngested(ctx context.Context, handler func(context.Context, string) error) error
}

// ObjectStorage saves and opens files atomically under a root.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}
