package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/taxonomy"
	"github.com/kirillkom/document-classifier/internal/core/textnorm"
)

// Record appends a finalized classification to the history. A document id is recorded once.
// High-confidence records reinforce the matched keywords and top terms of their category;
// this is the only automatic learning path. When that reinforcement fails, a later Record of
// the same document retries it instead of reporting the duplicate as done.
func (s *Store) Record(ctx context.Context, rec domain.ClassificationRecord) error {
	if rec.DocumentID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "record classification", fmt.Errorf("document id is required"))
	}

	s.recordMu.Lock()
	s.mu.RLock()
	_, seen := s.byDoc[rec.DocumentID]
	s.mu.RUnlock()
	if seen {
		s.recordMu.Unlock()
		return s.learn(ctx, rec.DocumentID)
	}
	if err := s.repo.AppendClassification(ctx, rec); err != nil {
		s.recordMu.Unlock()
		return domain.WrapError(domain.ErrPersistence, "append classification", err)
	}
	s.mu.Lock()
	s.addRecordLocked(rec)
	if rec.Confidence >= s.opts.AutoLearnConfidence && rec.CategoryID != "" {
		s.unlearned[rec.DocumentID] = rec
	}
	s.mu.Unlock()
	s.recordMu.Unlock()

	return s.learn(ctx, rec.DocumentID)
}

// learn reinforces the category of a recorded document that is still waiting for it.
// The entry is taken out while reinforcing so concurrent retries never learn twice.
func (s *Store) learn(ctx context.Context, documentID string) error {
	s.mu.Lock()
	rec, ok := s.unlearned[documentID]
	delete(s.unlearned, documentID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	words := append([]string{}, rec.Keywords...)
	words = append(words, textnorm.TopTerms(rec.Terms, s.opts.MaxReinforce)...)
	if _, err := s.reinforceByID(ctx, rec.CategoryID, words, domain.DirectionUp); err != nil {
		s.mu.Lock()
		s.unlearned[documentID] = rec
		s.mu.Unlock()
		return err
	}
	return nil
}

// Reinforce moves keyword weights of category one bounded step in direction.
// It returns how many keywords changed.
func (s *Store) Reinforce(ctx context.Context, category string, keywords []string, direction domain.Direction) (int, error) {
	profile, ok := s.MatchCategory(category)
	if !ok {
		return 0, domain.WrapError(domain.ErrCategoryNotFound, "reinforce keywords", fmt.Errorf("category %q", category))
	}
	return s.reinforceByID(ctx, profile.ID, keywords, direction)
}

func (s *Store) reinforceByID(ctx context.Context, id string, keywords []string, direction domain.Direction) (int, error) {
	words := normalizeWords(keywords, s.opts.MaxReinforce)
	if len(words) == 0 {
		return 0, nil
	}

	changed := 0
	_, err := s.mutate(ctx, id, func(p *domain.CategoryProfile) error {
		changed = stepKeywords(p.Keywords, words, s.step(direction))
		if changed == 0 {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *Store) step(direction domain.Direction) float64 {
	if direction == domain.DirectionDown {
		return -s.opts.ReinforceStep
	}
	return s.opts.ReinforceStep
}

// stepKeywords moves each word by step, dropping words that reach zero.
func stepKeywords(weights map[string]float64, words []string, step float64) int {
	changed := 0
	for _, w := range words {
		current, present := weights[w]
		next := roundWeight(domain.Clamp01(current + step))
		if next <= 0 {
			if present {
				delete(weights, w)
				changed++
			}
			continue
		}
		if !present || next != current {
			weights[w] = next
			changed++
		}
	}
	return changed
}

// KeywordCoverage is the keyword coverage of category on a document's terms as it would be
// after adjustments. Adjustments aimed at other categories are ignored and nothing is written.
func (s *Store) KeywordCoverage(category string, terms map[string]float64, adjustments ...domain.KeywordAdjustment) float64 {
	profile, ok := s.MatchCategory(category)
	if !ok {
		return 0
	}
	for _, adj := range adjustments {
		if target, ok := s.MatchCategory(adj.Category); !ok || target.ID != profile.ID {
			continue
		}
		stepKeywords(profile.Keywords, normalizeWords(adj.Keywords, s.opts.MaxReinforce), s.step(adj.Direction))
	}

	words := make([]string, 0, len(terms))
	for term := range terms {
		words = append(words, term)
	}
	sort.Strings(words)
	return taxonomy.Coverage(strings.Join(words, " "), profile.Keywords)
}

// normalizeWords folds, dedupes and caps keywords, keeping their first-seen order.
func normalizeWords(in []string, limit int) []string {
	out := make([]string, 0, min(len(in), limit))
	seen := make(map[string]struct{}, len(in))
	for _, w := range in {
		w = textnorm.Fold(w)
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if len(out) == limit {
			break
		}
	}
	return out
}

func roundWeight(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
