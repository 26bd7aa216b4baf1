package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "knowledge.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	return repo
}

func TestProfilesRoundTripAndUpsert(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := domain.NewCategoryProfile("cat-1", "Financeiro", now)
	p.Keywords["boleto"] = 0.5
	if err := repo.SaveProfile(ctx, p); err != nil {
		t.Fatalf("SaveProfile() error = %v", err)
	}
	p.Keywords["boleto"] = 0.9
	if err := repo.SaveProfile(ctx, p); err != nil {
		t.Fatalf("SaveProfile() second error = %v", err)
	}

	profiles, err := repo.LoadProfiles(ctx)
	if err != nil {
		t.Fatalf("LoadProfiles() error = %v", err)
	}
	if len(profiles) != 1 || profiles[0].Keywords["boleto"] != 0.9 {
		t.Fatalf("unexpected profiles: %+v", profiles)
	}
}

func TestClassificationsAreAppendOnly(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	first := domain.ClassificationRecord{DocumentID: "doc-1", SourceName: "a.pdf", Category: "Financeiro"}
	if err := repo.AppendClassification(ctx, first); err != nil {
		t.Fatalf("AppendClassification() error = %v", err)
	}
	dup := first
	dup.Category = "Juridico"
	if err := repo.AppendClassification(ctx, dup); err != nil {
		t.Fatalf("duplicate AppendClassification() error = %v", err)
	}
	if err := repo.AppendClassification(ctx, domain.ClassificationRecord{DocumentID: "doc-2", SourceName: "b.pdf", Category: "RH"}); err != nil {
		t.Fatalf("AppendClassification() error = %v", err)
	}

	got, err := repo.GetClassification(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetClassification() error = %v", err)
	}
	if got.Category != "Financeiro" {
		t.Fatalf("history must not be rewritten, got %q", got.Category)
	}
	all, err := repo.ListClassifications(ctx)
	if err != nil {
		t.Fatalf("ListClassifications() error = %v", err)
	}
	if len(all) != 2 || all[0].DocumentID != "doc-1" || all[1].DocumentID != "doc-2" {
		t.Fatalf("unexpected history order: %+v", all)
	}
	if _, err := repo.GetClassification(ctx, "nope"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestFeedbackApplicationIsClaimedOnce(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	missing, err := repo.GetFeedbackApplication(ctx, "fb-1")
	if err != nil || missing != nil {
		t.Fatalf("expected nil application, got %+v / %v", missing, err)
	}
	app := domain.FeedbackApplication{Key: "fb-1", DocumentID: "doc-1", Category: "Financeiro", AppliedAt: time.Now().UTC()}
	if err := repo.SaveFeedbackApplication(ctx, app); err != nil {
		t.Fatalf("SaveFeedbackApplication() error = %v", err)
	}
	if err := repo.SaveFeedbackApplication(ctx, app); !domain.IsKind(err, domain.ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied, got %v", err)
	}
	stored, err := repo.GetFeedbackApplication(ctx, "fb-1")
	if err != nil || stored == nil || stored.Category != "Financeiro" {
		t.Fatalf("unexpected stored application: %+v / %v", stored, err)
	}
}

func TestDocumentFeedbackAndMarkers(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.SaveDocumentFeedback(ctx, domain.DocumentFeedback{DocumentID: "doc-1", Approvals: 1, UpdatedAt: now}); err != nil {
		t.Fatalf("SaveDocumentFeedback() error = %v", err)
	}
	if err := repo.SaveDocumentFeedback(ctx, domain.DocumentFeedback{DocumentID: "doc-1", Approvals: 2, Rejections: 1, UpdatedAt: now}); err != nil {
		t.Fatalf("SaveDocumentFeedback() error = %v", err)
	}
	fb, err := repo.ListDocumentFeedback(ctx)
	if err != nil {
		t.Fatalf("ListDocumentFeedback() error = %v", err)
	}
	if len(fb) != 1 || fb[0].Approvals != 2 || fb[0].Rejections != 1 {
		t.Fatalf("unexpected document feedback: %+v", fb)
	}

	if err := repo.SaveReanalysisMarker(ctx, domain.ReanalysisMarker{DocumentID: "doc-2", RequestedAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("SaveReanalysisMarker() error = %v", err)
	}
	if err := repo.SaveReanalysisMarker(ctx, domain.ReanalysisMarker{DocumentID: "doc-1", RequestedAt: now}); err != nil {
		t.Fatalf("SaveReanalysisMarker() error = %v", err)
	}
	markers, err := repo.ListReanalysisMarkers(ctx)
	if err != nil {
		t.Fatalf("ListReanalysisMarkers() error = %v", err)
	}
	if len(markers) != 2 || markers[0].DocumentID != "doc-1" {
		t.Fatalf("markers must come oldest first: %+v", markers)
	}
	if err := repo.DeleteReanalysisMarker(ctx, "doc-1"); err != nil {
		t.Fatalf("DeleteReanalysisMarker() error = %v", err)
	}
	markers, _ = repo.ListReanalysisMarkers(ctx)
	if len(markers) != 1 || markers[0].DocumentID != "doc-2" {
		t.Fatalf("unexpected markers after delete: %+v", markers)
	}
}
