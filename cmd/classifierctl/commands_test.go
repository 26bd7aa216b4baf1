package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/document-classifier/internal/config"
	"github.com/kirillkom/document-classifier/internal/core/domain"
)

type servicesFake struct {
	submitted []string
	feedback  []domain.FeedbackRecord
	records   map[string]domain.ClassificationRecord
	profiles  []domain.CategoryProfile
	dead      []domain.DeadLetterRecord
}

func (f *servicesFake) Submit(_ context.Context, filename string, body io.Reader) (*domain.Submission, error) {
	raw, _ := io.ReadAll(body)
	f.submitted = append(f.submitted, filename)
	return &domain.Submission{Name: filename, StoredAs: "abcd1234_" + filename, SizeBytes: int64(len(raw))}, nil
}

func (f *servicesFake) SubmitFeedback(_ context.Context, record domain.FeedbackRecord) (*domain.Submission, error) {
	if !record.Actionable() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit feedback", errors.New("feedback asks for no change"))
	}
	f.feedback = append(f.feedback, record)
	return &domain.Submission{StoredAs: "feedback_1.json"}, nil
}

func (f *servicesFake) GetClassification(_ context.Context, id string) (*domain.ClassificationRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get classification", errors.New(id))
	}
	return &rec, nil
}

func (f *servicesFake) ListCategories(context.Context) ([]domain.CategoryProfile, error) {
	return f.profiles, nil
}

func (f *servicesFake) ListDeadLetters(context.Context) ([]domain.DeadLetterRecord, error) {
	return f.dead, nil
}

func runCLI(t *testing.T, fake *servicesFake, args ...string) (string, error) {
	t.Helper()
	open := func(context.Context, config.Config) (services, func(), error) {
		return fake, func() {}, nil
	}
	cmd := newRootCommand(open)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitCommandQueuesFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contrato.txt")
	if err := os.WriteFile(path, []byte("contrato de prestacao de servicos"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	fake := &servicesFake{}
	out, err := runCLI(t, fake, "submit", path)
	if err != nil {
		t.Fatalf("submit error = %v", err)
	}
	if len(fake.submitted) != 1 || fake.submitted[0] != "contrato.txt" {
		t.Fatalf("unexpected submissions: %v", fake.submitted)
	}
	if !strings.Contains(out, "abcd1234_contrato.txt") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestFeedbackCommandFromFlags(t *testing.T) {
	fake := &servicesFake{}
	if _, err := runCLI(t, fake, "feedback", "--document", "doc-1", "--confirm", "Financeiro", "--reject", "Juridico", "--reviewer", "ana"); err != nil {
		t.Fatalf("feedback error = %v", err)
	}
	if len(fake.feedback) != 1 {
		t.Fatalf("expected one feedback record, got %d", len(fake.feedback))
	}
	rec := fake.feedback[0]
	if rec.DocumentRef != "doc-1" || rec.Verdicts["Financeiro"] != domain.VerdictConfirm || rec.Verdicts["Juridico"] != domain.VerdictReject || rec.Reviewer != "ana" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestFeedbackCommandFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback_doc-9.txt")
	if err := os.WriteFile(path, []byte("documento: doc-9\nstatus: incorreto\ncategoria correta: Juridico\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fake := &servicesFake{}
	if _, err := runCLI(t, fake, "feedback", path); err != nil {
		t.Fatalf("feedback error = %v", err)
	}
	rec := fake.feedback[0]
	if rec.DocumentRef != "doc-9" || rec.Verdicts["Juridico"] != domain.VerdictConfirm || rec.Verdicts[domain.PrimaryCategory] != domain.VerdictReject {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestFeedbackCommandNeedsDocument(t *testing.T) {
	if _, err := runCLI(t, &servicesFake{}, "feedback", "--confirm", "Financeiro"); err == nil {
		t.Fatalf("expected error without document")
	}
}

func TestShowCommandJSONAndNotFound(t *testing.T) {
	fake := &servicesFake{records: map[string]domain.ClassificationRecord{
		"doc-1": {DocumentID: "doc-1", Category: "Financeiro", Confidence: 0.87, RecordedAt: time.Now()},
	}}
	out, err := runCLI(t, fake, "show", "doc-1", "--json")
	if err != nil {
		t.Fatalf("show error = %v", err)
	}
	var rec domain.ClassificationRecord
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("show --json output is not json: %v", err)
	}
	if rec.Category != "Financeiro" {
		t.Fatalf("unexpected record %+v", rec)
	}

	if _, err := runCLI(t, fake, "show", "missing"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestCategoriesCommandRendersTable(t *testing.T) {
	p := domain.NewCategoryProfile("cat-1", "Financeiro", time.Now())
	p.Aliases = []string{"finance"}
	p.Keywords["boleto"] = 0.8
	out, err := runCLI(t, &servicesFake{profiles: []domain.CategoryProfile{p}}, "categories")
	if err != nil {
		t.Fatalf("categories error = %v", err)
	}
	if !strings.Contains(out, "Financeiro") || !strings.Contains(out, "finance") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}

func TestDeadLettersCommandEmpty(t *testing.T) {
	out, err := runCLI(t, &servicesFake{}, "dead-letters")
	if err != nil {
		t.Fatalf("dead-letters error = %v", err)
	}
	if !strings.Contains(out, "empty") {
		t.Fatalf("unexpected output %q", out)
	}
}
