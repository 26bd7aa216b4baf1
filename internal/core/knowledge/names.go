package knowledge

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/textnorm"
)

// MatchCategory finds an existing category by canonical key, then by fuzzy name similarity.
func (s *Store) MatchCategory(name string) (domain.CategoryProfile, bool) {
	key := textnorm.Key(name)
	if key == "" {
		return domain.CategoryProfile{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		id = s.fuzzyLocked(key)
	}
	sl, ok := s.slots[id]
	if !ok {
		return domain.CategoryProfile{}, false
	}
	return sl.profile.Clone(), true
}

// ResolveCategory returns the category for name, merging near duplicates as aliases and
// creating a profile only when nothing matches. created reports a new profile.
func (s *Store) ResolveCategory(ctx context.Context, name string) (profile domain.CategoryProfile, created bool, err error) {
	display := textnorm.DisplayName(name)
	key := textnorm.Key(display)
	if key == "" {
		display = domain.UnclassifiedCategory
		key = textnorm.Key(display)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	s.mu.RLock()
	id, exact := s.byKey[key]
	if !exact {
		id = s.fuzzyLocked(key)
	}
	var existing domain.CategoryProfile
	if sl, ok := s.slots[id]; ok {
		existing = sl.profile.Clone()
	}
	s.mu.RUnlock()

	if id != "" {
		if exact {
			return existing, false, nil
		}
		merged, err := s.mutate(ctx, id, func(p *domain.CategoryProfile) error {
			if !addAlias(p, display) {
				return errUnchanged
			}
			return nil
		})
		if err != nil {
			return domain.CategoryProfile{}, false, err
		}
		slog.Info("category_alias_recorded", "category_id", merged.ID, "category", merged.Name, "alias", display)
		return merged, false, nil
	}

	p := domain.NewCategoryProfile(s.opts.NewID(), display, s.opts.Now())
	if err := s.repo.SaveProfile(ctx, p); err != nil {
		return domain.CategoryProfile{}, false, domain.WrapError(domain.ErrPersistence, "create category", err)
	}
	s.mu.Lock()
	s.slots[p.ID] = &slot{profile: p}
	s.indexLocked(p)
	s.mu.Unlock()

	slog.Info("category_created", "category_id", p.ID, "category", p.Name)
	return p.Clone(), true, nil
}

// Provision creates or enriches categories from seed definitions.
func (s *Store) Provision(ctx context.Context, seeds []domain.CategorySeed) error {
	for _, seed := range seeds {
		profile, _, err := s.ResolveCategory(ctx, seed.Name)
		if err != nil {
			return err
		}
		_, err = s.mutate(ctx, profile.ID, func(p *domain.CategoryProfile) error {
			changed := false
			for _, alias := range seed.Aliases {
				if addAlias(p, alias) {
					changed = true
				}
			}
			for kw, weight := range seed.Keywords {
				term := textnorm.Fold(kw)
				if term == "" {
					continue
				}
				if weight <= 0 {
					weight = 1
				}
				weight = domain.Clamp01(weight)
				if weight > p.Keywords[term] {
					p.Keywords[term] = weight
					changed = true
				}
			}
			if !changed {
				return errUnchanged
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func addAlias(p *domain.CategoryProfile, alias string) bool {
	alias = textnorm.DisplayName(alias)
	key := textnorm.Key(alias)
	if key == "" || key == textnorm.Key(p.Name) {
		return false
	}
	for _, existing := range p.Aliases {
		if strings.EqualFold(existing, alias) || textnorm.Key(existing) == key {
			return false
		}
	}
	p.Aliases = append(p.Aliases, alias)
	return true
}

// fuzzyLocked returns the id owning the closest key at or above the cutoff, or "".
// Ties go to the lexicographically smaller key.
func (s *Store) fuzzyLocked(key string) string {
	bestKey, bestID := "", ""
	bestRatio := 0.0
	for candidate, id := range s.byKey {
		ratio := nameSimilarity(key, candidate)
		if ratio < s.opts.DedupeCutoff {
			continue
		}
		if ratio > bestRatio || (ratio == bestRatio && candidate < bestKey) {
			bestKey, bestID, bestRatio = candidate, id, ratio
		}
	}
	return bestID
}

func nameSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
