package knowledge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/textnorm"
)

// Similarity is the best of the cosine against past documents of the category, each scaled by
// its feedback modifier, and the cosine against the category reference profile.
func (s *Store) Similarity(terms map[string]float64, categoryID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.similarityLocked(terms, categoryID)
}

func (s *Store) similarityLocked(terms map[string]float64, categoryID string) float64 {
	sl, ok := s.slots[categoryID]
	if !ok || len(terms) == 0 {
		return 0
	}
	best := textnorm.Cosine(terms, sl.profile.TermProfile)
	for _, rec := range s.history[categoryID] {
		sim := textnorm.Cosine(terms, rec.Terms) * s.docFeedback[rec.DocumentID].Modifier()
		if sim > best {
			best = sim
		}
	}
	return domain.Clamp01(best)
}

// KnowledgeScore is the similarity corrected by the category's feedback bias.
func (s *Store) KnowledgeScore(terms map[string]float64, categoryID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[categoryID]
	if !ok {
		return 0
	}
	return domain.Clamp01(s.similarityLocked(terms, categoryID) + sl.profile.Bias)
}

// ContextExcerpts describes the categories closest to terms, used to ground a model retry.
func (s *Store) ContextExcerpts(terms map[string]float64, limit int) []string {
	type scored struct {
		profile domain.CategoryProfile
		sim     float64
	}

	s.mu.RLock()
	candidates := make([]scored, 0, len(s.slots))
	for id, sl := range s.slots {
		if sim := s.similarityLocked(terms, id); sim > 0 {
			candidates = append(candidates, scored{profile: sl.profile, sim: sim})
		}
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		return candidates[i].profile.Name < candidates[j].profile.Name
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		vocab := textnorm.TopTerms(c.profile.Keywords, 8)
		if len(vocab) == 0 {
			vocab = textnorm.TopTerms(c.profile.TermProfile, 8)
		}
		out = append(out, fmt.Sprintf("%s (similarity %.2f): %s", c.profile.Name, c.sim, strings.Join(vocab, ", ")))
	}
	return out
}
