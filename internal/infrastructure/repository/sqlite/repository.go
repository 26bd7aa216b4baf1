// Package sqlite is a single-file KnowledgeRepository for deployments without Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

type Repository struct {
	db *sql.DB
}

// Open opens (or creates) the database file at path in WAL mode.
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	// sqlite allows a single writer; one connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	const query = `
CREATE TABLE IF NOT EXISTS category_profiles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	profile TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS classifications (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL UNIQUE,
	source_name TEXT NOT NULL,
	record TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS feedback_applications (
	key TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	application TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS document_feedback (
	document_id TEXT PRIMARY KEY,
	state TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS reanalysis_markers (
	document_id TEXT PRIMARY KEY,
	marker TEXT NOT NULL,
	requested_at TEXT NOT NULL
);
`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	return nil
}

func (r *Repository) LoadProfiles(ctx context.Context) ([]domain.CategoryProfile, error) {
	return queryJSON[domain.CategoryProfile](ctx, r.db, "load profiles", `SELECT profile FROM category_profiles ORDER BY name`)
}

func (r *Repository) SaveProfile(ctx context.Context, profile domain.CategoryProfile) error {
	return r.upsert(ctx, "save profile", profile, `
INSERT INTO category_profiles (id, name, profile, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, profile = excluded.profile, updated_at = excluded.updated_at
`, profile.ID, profile.Name, jsonArg, stamp(profile.UpdatedAt))
}

func (r *Repository) AppendClassification(ctx context.Context, record domain.ClassificationRecord) error {
	return r.upsert(ctx, "append classification", record, `
INSERT INTO classifications (document_id, source_name, record) VALUES (?, ?, ?)
ON CONFLICT (document_id) DO NOTHING
`, record.DocumentID, record.SourceName, jsonArg)
}

func (r *Repository) ListClassifications(ctx context.Context) ([]domain.ClassificationRecord, error) {
	return queryJSON[domain.ClassificationRecord](ctx, r.db, "list classifications", `SELECT record FROM classifications ORDER BY seq`)
}

func (r *Repository) GetClassification(ctx context.Context, documentID string) (*domain.ClassificationRecord, error) {
	var rec domain.ClassificationRecord
	found, err := queryOne(ctx, r.db, &rec, `SELECT record FROM classifications WHERE document_id = ?`, documentID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "get classification", err)
	}
	if !found {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get classification", fmt.Errorf("document %q", documentID))
	}
	return &rec, nil
}

func (r *Repository) GetFeedbackApplication(ctx context.Context, key string) (*domain.FeedbackApplication, error) {
	var app domain.FeedbackApplication
	found, err := queryOne(ctx, r.db, &app, `SELECT application FROM feedback_applications WHERE key = ?`, key)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "get feedback application", err)
	}
	if !found {
		return nil, nil
	}
	return &app, nil
}

func (r *Repository) SaveFeedbackApplication(ctx context.Context, app domain.FeedbackApplication) error {
	raw, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal feedback application: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO feedback_applications (key, document_id, application) VALUES (?, ?, ?)
ON CONFLICT (key) DO NOTHING
`, app.Key, app.DocumentID, string(raw))
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

func (r *Repository) SaveDocumentFeedback(ctx context.Context, state domain.DocumentFeedback) error {
	return r.upsert(ctx, "save document feedback", state, `
INSERT INTO document_feedback (document_id, state) VALUES (?, ?)
ON CONFLICT (document_id) DO UPDATE SET state = excluded.state
`, state.DocumentID, jsonArg)
}

func (r *Repository) ListDocumentFeedback(ctx context.Context) ([]domain.DocumentFeedback, error) {
	return queryJSON[domain.DocumentFeedback](ctx, r.db, "list document feedback", `SELECT state FROM document_feedback ORDER BY document_id`)
}

func (r *Repository) SaveReanalysisMarker(ctx context.Context, marker domain.ReanalysisMarker) error {
	return r.upsert(ctx, "save reanalysis marker", marker, `
INSERT INTO reanalysis_markers (document_id, marker, requested_at) VALUES (?, ?, ?)
ON CONFLICT (document_id) DO UPDATE SET marker = excluded.marker, requested_at = excluded.requested_at
`, marker.DocumentID, jsonArg, stamp(marker.RequestedAt))
}

func (r *Repository) ListReanalysisMarkers(ctx context.Context) ([]domain.ReanalysisMarker, error) {
	return queryJSON[domain.ReanalysisMarker](ctx, r.db, "list reanalysis markers", `SELECT marker FROM reanalysis_markers ORDER BY requested_at, document_id`)
}

func (r *Repository) DeleteReanalysisMarker(ctx context.Context, documentID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM reanalysis_markers WHERE document_id = ?`, documentID); err != nil {
		return domain.WrapError(domain.ErrPersistence, "delete reanalysis marker", err)
	}
	return nil
}

type jsonPlaceholder struct{}

// jsonArg marks the argument position that receives the marshalled value.
var jsonArg = jsonPlaceholder{}

func (r *Repository) upsert(ctx context.Context, op string, value any, query string, args ...any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", op, err)
	}
	for i, a := range args {
		if _, ok := a.(jsonPlaceholder); ok {
			args[i] = string(raw)
		}
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return domain.WrapError(domain.ErrPersistence, op, err)
	}
	return nil
}

func queryOne(ctx context.Context, db *sql.DB, dst any, query string, args ...any) (bool, error) {
	var raw string
	if err := db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("unmarshal: %w", err)
	}
	return true, nil
}

func queryJSON[T any](ctx context.Context, db *sql.DB, op, query string) ([]T, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, op, err)
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("%s: unmarshal: %w", op, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
