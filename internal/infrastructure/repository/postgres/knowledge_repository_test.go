package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

func newRepoWithMock(t *testing.T) (*KnowledgeRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return NewKnowledgeRepository(db), mock, func() { _ = db.Close() }
}

func TestEnsureSchemaTakesAdvisoryLock(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(int64(2026031501)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS category_profiles").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetClassificationReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT record FROM classifications").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetClassification(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveFeedbackApplicationDetectsDuplicateKey(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	app := domain.FeedbackApplication{Key: "fb-1", DocumentID: "doc-1", AppliedAt: time.Now().UTC()}
	mock.ExpectExec("INSERT INTO feedback_applications").
		WithArgs("fb-1", "doc-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO feedback_applications").
		WithArgs("fb-1", "doc-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.SaveFeedbackApplication(context.Background(), app); err != nil {
		t.Fatalf("first SaveFeedbackApplication() error = %v", err)
	}
	if err := repo.SaveFeedbackApplication(context.Background(), app); !domain.IsKind(err, domain.ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendClassificationWrapsPersistenceErrors(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("INSERT INTO classifications").
		WithArgs("doc-1", "a.pdf", "Financeiro", 0.8, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := repo.AppendClassification(context.Background(), domain.ClassificationRecord{
		DocumentID: "doc-1", SourceName: "a.pdf", Category: "Financeiro", Confidence: 0.8,
	})
	if !domain.IsKind(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoadProfilesDecodesJSONB(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	profile := domain.NewCategoryProfile("cat-1", "Financeiro", time.Now().UTC())
	profile.Keywords["boleto"] = 0.6
	raw, _ := json.Marshal(profile)
	mock.ExpectQuery("SELECT profile FROM category_profiles").
		WillReturnRows(sqlmock.NewRows([]string{"profile"}).AddRow(raw))

	profiles, err := repo.LoadProfiles(context.Background())
	if err != nil {
		t.Fatalf("LoadProfiles() error = %v", err)
	}
	if len(profiles) != 1 || profiles[0].Name != "Financeiro" || profiles[0].Keywords["boleto"] != 0.6 {
		t.Fatalf("unexpected profiles: %+v", profiles)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListDocumentFeedbackScansCounters(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectQuery("FROM document_feedback").
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "approvals", "rejections", "reanalysis_requests", "updated_at"}).
			AddRow("doc-1", 2, 1, 0, now))

	out, err := repo.ListDocumentFeedback(context.Background())
	if err != nil {
		t.Fatalf("ListDocumentFeedback() error = %v", err)
	}
	if len(out) != 1 || out[0].Approvals != 2 || out[0].Rejections != 1 {
		t.Fatalf("unexpected feedback: %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
