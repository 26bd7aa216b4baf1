// Package memory is an in-process KnowledgeRepository for development runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

type Repository struct {
	mu           sync.RWMutex
	profiles     map[string]domain.CategoryProfile
	records      []domain.ClassificationRecord
	byDoc        map[string]int
	applications map[string]domain.FeedbackApplication
	docFeedback  map[string]domain.DocumentFeedback
	markers      map[string]domain.ReanalysisMarker
}

func NewRepository() *Repository {
	return &Repository{
		profiles:     make(map[string]domain.CategoryProfile),
		byDoc:        make(map[string]int),
		applications: make(map[string]domain.FeedbackApplication),
		docFeedback:  make(map[string]domain.DocumentFeedback),
		markers:      make(map[string]domain.ReanalysisMarker),
	}
}

func (r *Repository) LoadProfiles(_ context.Context) ([]domain.CategoryProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.CategoryProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Repository) SaveProfile(_ context.Context, profile domain.CategoryProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[profile.ID] = profile.Clone()
	return nil
}

func (r *Repository) AppendClassification(_ context.Context, record domain.ClassificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byDoc[record.DocumentID]; ok {
		return nil
	}
	r.byDoc[record.DocumentID] = len(r.records)
	r.records = append(r.records, record)
	return nil
}

func (r *Repository) ListClassifications(_ context.Context) ([]domain.ClassificationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.ClassificationRecord(nil), r.records...), nil
}

func (r *Repository) GetClassification(_ context.Context, documentID string) (*domain.ClassificationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byDoc[documentID]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get classification", fmt.Errorf("document %q", documentID))
	}
	rec := r.records[idx]
	return &rec, nil
}

func (r *Repository) GetFeedbackApplication(_ context.Context, key string) (*domain.FeedbackApplication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.applications[key]
	if !ok {
		return nil, nil
	}
	return &app, nil
}

func (r *Repository) SaveFeedbackApplication(_ context.Context, app domain.FeedbackApplication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.applications[app.Key]; ok {
		return domain.WrapError(domain.ErrAlreadyApplied, "save feedback application", fmt.Errorf("key %q", app.Key))
	}
	r.applications[app.Key] = app
	return nil
}

func (r *Repository) SaveDocumentFeedback(_ context.Context, state domain.DocumentFeedback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docFeedback[state.DocumentID] = state
	return nil
}

func (r *Repository) ListDocumentFeedback(_ context.Context) ([]domain.DocumentFeedback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.DocumentFeedback, 0, len(r.docFeedback))
	for _, fb := range r.docFeedback {
		out = append(out, fb)
	}
	return out, nil
}

func (r *Repository) SaveReanalysisMarker(_ context.Context, marker domain.ReanalysisMarker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers[marker.DocumentID] = marker
	return nil
}

func (r *Repository) ListReanalysisMarkers(_ context.Context) ([]domain.ReanalysisMarker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ReanalysisMarker, 0, len(r.markers))
	for _, m := range r.markers {
		out = append(out, m)
	}
	return out, nil
}

func (r *Repository) DeleteReanalysisMarker(_ context.Context, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.markers, documentID)
	return nil
}
