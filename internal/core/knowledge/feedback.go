package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

// AdjustBias shifts the category bias by delta, bounded by BiasLimit, and adds the verdict
// counters. It returns the bias change actually applied.
func (s *Store) AdjustBias(ctx context.Context, category string, delta float64, counters domain.FeedbackCounters) (float64, error) {
	profile, ok := s.MatchCategory(category)
	if !ok {
		return 0, domain.WrapError(domain.ErrCategoryNotFound, "adjust bias", fmt.Errorf("category %q", category))
	}
	applied := 0.0
	_, err := s.mutate(ctx, profile.ID, func(p *domain.CategoryProfile) error {
		before := p.Bias
		p.Bias = roundWeight(math.Max(-s.opts.BiasLimit, math.Min(s.opts.BiasLimit, before+delta)))
		p.Counters = p.Counters.Add(counters)
		applied = p.Bias - before
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// FindClassification looks a document up by id, then by source name with or without its
// extension (latest wins).
func (s *Store) FindClassification(ref string) (domain.ClassificationRecord, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.ClassificationRecord{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.byDoc[ref]; ok {
		return rec, true
	}
	var (
		found  domain.ClassificationRecord
		exists bool
	)
	for _, rec := range s.byDoc {
		stem := strings.TrimSuffix(rec.SourceName, filepath.Ext(rec.SourceName))
		if !strings.EqualFold(rec.SourceName, ref) && !strings.EqualFold(stem, ref) {
			continue
		}
		if !exists || rec.RecordedAt.After(found.RecordedAt) {
			found, exists = rec, true
		}
	}
	return found, exists
}

// FeedbackApplied returns the stored application for key, or nil.
func (s *Store) FeedbackApplied(ctx context.Context, key string) (*domain.FeedbackApplication, error) {
	app, err := s.repo.GetFeedbackApplication(ctx, key)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "get feedback application", err)
	}
	return app, nil
}

// SaveFeedbackApplication claims the feedback key. domain.ErrAlreadyApplied is passed through.
func (s *Store) SaveFeedbackApplication(ctx context.Context, app domain.FeedbackApplication) error {
	if err := s.repo.SaveFeedbackApplication(ctx, app); err != nil {
		if errors.Is(err, domain.ErrAlreadyApplied) {
			return err
		}
		return domain.WrapError(domain.ErrPersistence, "save feedback application", err)
	}
	return nil
}

// NoteDocumentFeedback accumulates verdict counts for a classified document.
func (s *Store) NoteDocumentFeedback(ctx context.Context, delta domain.DocumentFeedback) error {
	s.feedbackMu.Lock()
	defer s.feedbackMu.Unlock()

	s.mu.RLock()
	next := s.docFeedback[delta.DocumentID].Add(delta)
	s.mu.RUnlock()
	next.DocumentID = delta.DocumentID

	if err := s.repo.SaveDocumentFeedback(ctx, next); err != nil {
		return domain.WrapError(domain.ErrPersistence, "save document feedback", err)
	}
	s.mu.Lock()
	s.docFeedback[next.DocumentID] = next
	s.mu.Unlock()
	return nil
}

func (s *Store) DocumentFeedback(documentID string) domain.DocumentFeedback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fb := s.docFeedback[documentID]
	fb.DocumentID = documentID
	return fb
}

// MarkForReanalysis sets a sticky marker. It reports false when one is already pending.
func (s *Store) MarkForReanalysis(ctx context.Context, marker domain.ReanalysisMarker) (bool, error) {
	s.feedbackMu.Lock()
	defer s.feedbackMu.Unlock()

	s.mu.RLock()
	_, pending := s.pending[marker.DocumentID]
	s.mu.RUnlock()
	if pending {
		return false, nil
	}
	if err := s.repo.SaveReanalysisMarker(ctx, marker); err != nil {
		return false, domain.WrapError(domain.ErrPersistence, "save reanalysis marker", err)
	}
	s.mu.Lock()
	s.pending[marker.DocumentID] = marker
	s.mu.Unlock()
	return true, nil
}

// PendingReanalysis lists markers, oldest first.
func (s *Store) PendingReanalysis() []domain.ReanalysisMarker {
	s.mu.RLock()
	out := make([]domain.ReanalysisMarker, 0, len(s.pending))
	for _, m := range s.pending {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	return out
}

func (s *Store) CompleteReanalysis(ctx context.Context, documentID string) error {
	s.feedbackMu.Lock()
	defer s.feedbackMu.Unlock()
	if err := s.repo.DeleteReanalysisMarker(ctx, documentID); err != nil {
		return domain.WrapError(domain.ErrPersistence, "delete reanalysis marker", err)
	}
	s.mu.Lock()
	delete(s.pending, documentID)
	s.mu.Unlock()
	return nil
}
