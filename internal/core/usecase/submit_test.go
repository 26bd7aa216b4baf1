package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

type storageFake struct {
	saved map[string]string
	err   error
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.err != nil {
		return f.err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if f.saved == nil {
		f.saved = map[string]string{}
	}
	f.saved[key] = string(raw)
	return nil
}

func (f *storageFake) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

type queueFake struct {
	published []string
	err       error
}

func (f *queueFake) PublishDocumentIngested(_ context.Context, name string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, name)
	return nil
}

func (f *queueFake) SubscribeDocumentIngested(context.Context, func(context.Context, string) error) error {
	return errors.New("not implemented")
}

func newTestSubmission(intake, feedback *storageFake, queue *queueFake, maxBytes int64) *SubmissionService {
	uc := NewSubmissionService(intake, feedback, queue, maxBytes)
	uc.newID = func() string { return "0123456789abcdef" }
	return uc
}

func TestSubmitStoresDocumentAndTriggersScan(t *testing.T) {
	intake := &storageFake{}
	queue := &queueFake{}
	uc := newTestSubmission(intake, &storageFake{}, queue, 1024)

	sub, err := uc.Submit(context.Background(), "Nota Fiscal março.pdf", bytes.NewBufferString("%PDF-1.4 body"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if sub.StoredAs != "01234567_Nota_Fiscal_mar_o.pdf" {
		t.Fatalf("unexpected storage key %q", sub.StoredAs)
	}
	if intake.saved[sub.StoredAs] != "%PDF-1.4 body" || sub.SizeBytes != int64(len("%PDF-1.4 body")) {
		t.Fatalf("unexpected saved body or size: %+v", sub)
	}
	if len(queue.published) != 1 || queue.published[0] != sub.StoredAs {
		t.Fatalf("expected scan trigger for %q, got %v", sub.StoredAs, queue.published)
	}
}

func TestSubmitRejectsUnsupportedType(t *testing.T) {
	uc := newTestSubmission(&storageFake{}, &storageFake{}, &queueFake{}, 1024)
	_, err := uc.Submit(context.Background(), "malware.exe", bytes.NewBufferString("MZ"))
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSubmitRejectsOversizedAndEmptyFiles(t *testing.T) {
	uc := newTestSubmission(&storageFake{}, &storageFake{}, &queueFake{}, 4)
	if _, err := uc.Submit(context.Background(), "big.txt", bytes.NewBufferString("0123456789")); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for oversized file, got %v", err)
	}
	if _, err := uc.Submit(context.Background(), "empty.txt", bytes.NewBuffer(nil)); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty file, got %v", err)
	}
}

func TestSubmitSurvivesTriggerFailure(t *testing.T) {
	uc := newTestSubmission(&storageFake{}, &storageFake{}, &queueFake{err: errBoom}, 1024)
	if _, err := uc.Submit(context.Background(), "a.txt", bytes.NewBufferString("hello")); err != nil {
		t.Fatalf("a lost trigger must not fail the upload: %v", err)
	}
}

func TestSubmitStorageFailure(t *testing.T) {
	uc := newTestSubmission(&storageFake{err: errBoom}, &storageFake{}, &queueFake{}, 1024)
	if _, err := uc.Submit(context.Background(), "a.txt", bytes.NewBufferString("hello")); !errors.Is(err, errBoom) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestSubmitFeedbackWritesInboxFile(t *testing.T) {
	inbox := &storageFake{}
	uc := newTestSubmission(&storageFake{}, inbox, &queueFake{}, 1024)

	sub, err := uc.SubmitFeedback(context.Background(), domain.FeedbackRecord{
		DocumentRef: "doc-1",
		Verdicts:    map[string]domain.Verdict{"Financeiro": domain.VerdictConfirm},
	})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if !strings.HasPrefix(sub.StoredAs, "feedback_") || !strings.HasSuffix(sub.StoredAs, "_01234567.json") {
		t.Fatalf("unexpected feedback file name %q", sub.StoredAs)
	}
	var stored domain.FeedbackRecord
	if err := json.Unmarshal([]byte(inbox.saved[sub.StoredAs]), &stored); err != nil {
		t.Fatalf("stored feedback is not json: %v", err)
	}
	if stored.DocumentRef != "doc-1" || stored.ReceivedAt.IsZero() {
		t.Fatalf("unexpected stored feedback: %+v", stored)
	}
}

func TestSubmitFeedbackValidates(t *testing.T) {
	uc := newTestSubmission(&storageFake{}, &storageFake{}, &queueFake{}, 1024)
	bad := []domain.FeedbackRecord{
		{Reanalysis: true},
		{DocumentRef: "doc-1"},
		{DocumentRef: "doc-1", Verdicts: map[string]domain.Verdict{"A": "perhaps"}},
	}
	for _, rec := range bad {
		if _, err := uc.SubmitFeedback(context.Background(), rec); !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %+v, got %v", rec, err)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd":    "passwd",
		"C:\\docs\\relat.txt": "relat.txt",
		"...":                 "document.bin",
		"minha nota.pdf":      "minha_nota.pdf",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
