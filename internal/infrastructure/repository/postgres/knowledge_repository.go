package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

// KnowledgeRepository stores the knowledge base in Postgres. Profiles, classification records,
// feedback applications and reanalysis markers are kept as JSONB documents next to the columns
// used for lookups.
type KnowledgeRepository struct {
	db *sql.DB
}

func NewKnowledgeRepository(db *sql.DB) *KnowledgeRepository {
	return &KnowledgeRepository{db: db}
}

func (r *KnowledgeRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026031501)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS category_profiles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	profile JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS classifications (
	document_id TEXT PRIMARY KEY,
	source_name TEXT NOT NULL,
	category TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	record JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_classifications_source_name ON classifications(source_name);
CREATE INDEX IF NOT EXISTS idx_classifications_recorded_at ON classifications(recorded_at);

CREATE TABLE IF NOT EXISTS feedback_applications (
	key TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	application JSONB NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS document_feedback (
	document_id TEXT PRIMARY KEY,
	approvals INTEGER NOT NULL DEFAULT 0,
	rejections INTEGER NOT NULL DEFAULT 0,
	reanalysis_requests INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS reanalysis_markers (
	document_id TEXT PRIMARY KEY,
	marker JSONB NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *KnowledgeRepository) LoadProfiles(ctx context.Context) ([]domain.CategoryProfile, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT profile FROM category_profiles ORDER BY name`)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "load profiles", err)
	}
	defer rows.Close()
	return scanJSON[domain.CategoryProfile](rows, "profile")
}

func (r *KnowledgeRepository) SaveProfile(ctx context.Context, profile domain.CategoryProfile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO category_profiles (id, name, profile, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, profile = EXCLUDED.profile, updated_at = EXCLUDED.updated_at
`, profile.ID, profile.Name, raw, profile.UpdatedAt)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "save profile", err)
	}
	return nil
}

// AppendClassification never rewrites history: a second record for the same document is ignored.
func (r *KnowledgeRepository) AppendClassification(ctx context.Context, record domain.ClassificationRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO classifications (document_id, source_name, category, confidence, record, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (document_id) DO NOTHING
`, record.DocumentID, record.SourceName, record.Category, record.Confidence, raw, record.RecordedAt)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "append classification", err)
	}
	return nil
}

func (r *KnowledgeRepository) ListClassifications(ctx context.Context) ([]domain.ClassificationRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record FROM classifications ORDER BY recorded_at, document_id`)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "list classifications", err)
	}
	defer rows.Close()
	return scanJSON[domain.ClassificationRecord](rows, "classification")
}

func (r *KnowledgeRepository) GetClassification(ctx context.Context, documentID string) (*domain.ClassificationRecord, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT record FROM classifications WHERE document_id = $1`, documentID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get classification", fmt.Errorf("document %q", documentID))
		}
		return nil, domain.WrapError(domain.ErrPersistence, "get classification", err)
	}
	var rec domain.ClassificationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal classification: %w", err)
	}
	return &rec, nil
}

func (r *KnowledgeRepository) GetFeedbackApplication(ctx context.Context, key string) (*domain.FeedbackApplication, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT application FROM feedback_applications WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.WrapError(domain.ErrPersistence, "get feedback application", err)
	}
	var app domain.FeedbackApplication
	if err := json.Unmarshal(raw, &app); err != nil {
		return nil, fmt.Errorf("unmarshal feedback application: %w", err)
	}
	return &app, nil
}

func (r *KnowledgeRepository) SaveFeedbackApplication(ctx context.Context, app domain.FeedbackApplication) error {
	raw, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal feedback application: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO feedback_applications (key, document_id, application, applied_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO NOTHING
`, app.Key, app.DocumentID, raw, app.AppliedAt)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "save feedback application", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save feedback application rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrAlreadyApplied, "save feedback application", fmt.Errorf("key %q", app.Key))
	}
	return nil
}

func (r *KnowledgeRepository) SaveDocumentFeedback(ctx context.Context, state domain.DocumentFeedback) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO document_feedback (document_id, approvals, rejections, reanalysis_requests, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (document_id) DO UPDATE SET
	approvals = EXCLUDED.approvals,
	rejections = EXCLUDED.rejections,
	reanalysis_requests = EXCLUDED.reanalysis_requests,
	updated_at = EXCLUDED.updated_at
`, state.DocumentID, state.Approvals, state.Rejections, state.ReanalysisRequests, state.UpdatedAt)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "save document feedback", err)
	}
	return nil
}

func (r *KnowledgeRepository) ListDocumentFeedback(ctx context.Context) ([]domain.DocumentFeedback, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT document_id, approvals, rejections, reanalysis_requests, updated_at
FROM document_feedback
ORDER BY document_id
`)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "list document feedback", err)
	}
	defer rows.Close()

	out := make([]domain.DocumentFeedback, 0)
	for rows.Next() {
		var fb domain.DocumentFeedback
		if err := rows.Scan(&fb.DocumentID, &fb.Approvals, &fb.Rejections, &fb.ReanalysisRequests, &fb.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document feedback: %w", err)
		}
		out = append(out, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document feedback: %w", err)
	}
	return out, nil
}

func (r *KnowledgeRepository) SaveReanalysisMarker(ctx context.Context, marker domain.ReanalysisMarker) error {
	raw, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("marshal reanalysis marker: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO reanalysis_markers (document_id, marker, requested_at)
VALUES ($1, $2, $3)
ON CONFLICT (document_id) DO UPDATE SET marker = EXCLUDED.marker, requested_at = EXCLUDED.requested_at
`, marker.DocumentID, raw, marker.RequestedAt)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "save reanalysis marker", err)
	}
	return nil
}

func (r *KnowledgeRepository) ListReanalysisMarkers(ctx context.Context) ([]domain.ReanalysisMarker, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT marker FROM reanalysis_markers ORDER BY requested_at, document_id`)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "list reanalysis markers", err)
	}
	defer rows.Close()
	return scanJSON[domain.ReanalysisMarker](rows, "reanalysis marker")
}

func (r *KnowledgeRepository) DeleteReanalysisMarker(ctx context.Context, documentID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM reanalysis_markers WHERE document_id = $1`, documentID); err != nil {
		return domain.WrapError(domain.ErrPersistence, "delete reanalysis marker", err)
	}
	return nil
}

func scanJSON[T any](rows *sql.Rows, what string) ([]T, error) {
	out := make([]T, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", what, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}
