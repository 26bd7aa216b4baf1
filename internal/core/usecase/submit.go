package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/ports"
)

var SupportedExtensions = []string{".txt", ".md", ".csv", ".log", ".pdf", ".docx", ".xlsx", ".html", ".htm"}

// SubmissionService places uploads into the watched folders. The worker stays the only writer
// of the knowledge store: feedback is queued as a file, never applied here.
type SubmissionService struct {
	intake   ports.ObjectStorage
	feedback ports.ObjectStorage
	queue    ports.MessageQueue
	maxBytes int64
	allowed  map[string]struct{}
	now      func() time.Time
	newID    func() string
}

func NewSubmissionService(
	intake ports.ObjectStorage,
	feedback ports.ObjectStorage,
	queue ports.MessageQueue,
	maxBytes int64,
) *SubmissionService {
	allowed := make(map[string]struct{}, len(SupportedExtensions))
	for _, ext := range SupportedExtensions {
		allowed[ext] = struct{}{}
	}
	return &SubmissionService{
		intake:   intake,
		feedback: feedback,
		queue:    queue,
		maxBytes: maxBytes,
		allowed:  allowed,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

func (uc *SubmissionService) Submit(ctx context.Context, filename string, body io.Reader) (*domain.Submission, error) {
	name := sanitizeFilename(filename)
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := uc.allowed[ext]; !ok {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit document", fmt.Errorf("unsupported file type %q", ext))
	}

	storageKey := fmt.Sprintf("%s_%s", uc.newID()[:8], name)
	counter := &limitedReader{r: body, limit: uc.maxBytes}
	if err := uc.intake.Save(ctx, storageKey, counter); err != nil {
		if errors.Is(err, errTooLarge) {
			return nil, domain.WrapError(domain.ErrInvalidInput, "submit document", fmt.Errorf("file exceeds %d bytes", uc.maxBytes))
		}
		return nil, fmt.Errorf("save to intake: %w", err)
	}
	if counter.n == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit document", errors.New("empty file"))
	}

	if uc.queue != nil {
		// the intake folder is the source of truth; a lost trigger is caught by the next scan
		if err := uc.queue.PublishDocumentIngested(ctx, storageKey); err != nil {
			slog.Warn("intake_trigger_failed", "document", storageKey, "error", err)
		}
	}

	return &domain.Submission{
		Name:        filename,
		StoredAs:    storageKey,
		SizeBytes:   counter.n,
		SubmittedAt: uc.now(),
	}, nil
}

func (uc *SubmissionService) SubmitFeedback(ctx context.Context, record domain.FeedbackRecord) (*domain.Submission, error) {
	if strings.TrimSpace(record.DocumentRef) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit feedback", errors.New("document reference is required"))
	}
	if !record.Actionable() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit feedback", errors.New("feedback asks for no change"))
	}
	for category, verdict := range record.Verdicts {
		if verdict != domain.VerdictConfirm && verdict != domain.VerdictReject {
			return nil, domain.WrapError(domain.ErrInvalidInput, "submit feedback", fmt.Errorf("invalid verdict %q for %q", verdict, category))
		}
	}

	now := uc.now()
	record.ReceivedAt = now
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode feedback: %w", err)
	}
	key := fmt.Sprintf("feedback_%s_%s.json", now.Format("20060102T150405"), uc.newID()[:8])
	if err := uc.feedback.Save(ctx, key, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("save feedback: %w", err)
	}
	return &domain.Submission{
		Name:        key,
		StoredAs:    key,
		SizeBytes:   int64(len(raw)),
		SubmittedAt: now,
	}, nil
}

var errTooLarge = errors.New("file too large")

type limitedReader struct {
	r     io.Reader
	limit int64
	n     int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.limit > 0 && l.n > l.limit {
		return n, errTooLarge
	}
	return n, err
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	base = strings.TrimLeft(base, ".")
	if base == "" {
		return "document.bin"
	}
	return base
}
