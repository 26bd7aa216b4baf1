package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/textnorm"
)

const (
	minExcerptRunes = 10
	maxExcerptRunes = 2000
)

type RefreshReport struct {
	CategoriesCreated int `json:"categories_created"`
	DocumentsScanned  int `json:"documents_scanned"`
	DocumentsSkipped  int `json:"documents_skipped"`
	Failures          int `json:"failures"`
}

// RefreshCategoryDocuments fingerprints the reference library. Only new or changed files are
// extracted; their terms are merged additively into the category profile. Unknown folders
// provision a new category.
func (s *Store) RefreshCategoryDocuments(ctx context.Context) (RefreshReport, error) {
	var report RefreshReport
	if s.refs == nil {
		return report, nil
	}

	folders, err := s.refs.ListCategories(ctx)
	if err != nil {
		return report, fmt.Errorf("list reference categories: %w", err)
	}
	for _, folder := range folders {
		profile, created, err := s.ResolveCategory(ctx, folder)
		if err != nil {
			return report, err
		}
		if created {
			report.CategoriesCreated++
		}

		docs, err := s.refs.ListDocuments(ctx, folder)
		if err != nil {
			return report, fmt.Errorf("list reference documents of %q: %w", folder, err)
		}
		for _, doc := range docs {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if _, known := profile.References[doc.Hash]; known || doc.Hash == "" {
				report.DocumentsSkipped++
				continue
			}
			text, err := s.extractor.Extract(ctx, doc.Path)
			if err != nil {
				report.Failures++
				slog.Warn("reference_extract_failed", "category", profile.Name, "path", doc.Path, "error", err)
				continue
			}
			added, err := s.addReference(ctx, profile.ID, domain.ReferenceFingerprint{
				Hash:      doc.Hash,
				Source:    doc.Path,
				Terms:     textnorm.TermProfile(text, s.opts.ProfileTermLimit),
				ScannedAt: s.opts.Now(),
			})
			if err != nil {
				return report, err
			}
			if added {
				report.DocumentsScanned++
			} else {
				report.DocumentsSkipped++
			}
		}
	}
	return report, nil
}

// AddReferenceExcerpt stores an approved evidence excerpt as a reference document of category
// and fingerprints it immediately. It reports false when the excerpt is already known.
func (s *Store) AddReferenceExcerpt(ctx context.Context, category, excerpt string) (bool, error) {
	text := strings.TrimSpace(excerpt)
	n := utf8.RuneCountInString(text)
	if n < minExcerptRunes || n > maxExcerptRunes {
		return false, domain.WrapError(domain.ErrInvalidInput, "add reference excerpt",
			fmt.Errorf("excerpt length %d outside [%d,%d]", n, minExcerptRunes, maxExcerptRunes))
	}
	profile, ok := s.MatchCategory(category)
	if !ok {
		return false, domain.WrapError(domain.ErrCategoryNotFound, "add reference excerpt", fmt.Errorf("category %q", category))
	}

	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])
	if _, known := profile.References[hash]; known {
		return false, nil
	}

	source := "feedback_" + hash[:12] + ".txt"
	if s.refs != nil {
		path, err := s.refs.SaveExcerpt(ctx, profile.Name, source, text)
		if err != nil {
			return false, domain.WrapError(domain.ErrPersistence, "save reference excerpt", err)
		}
		source = path
	}
	return s.addReference(ctx, profile.ID, domain.ReferenceFingerprint{
		Hash:      hash,
		Source:    source,
		Terms:     textnorm.TermProfile(text, s.opts.ProfileTermLimit),
		ScannedAt: s.opts.Now(),
	})
}

func (s *Store) addReference(ctx context.Context, id string, fp domain.ReferenceFingerprint) (bool, error) {
	added := false
	_, err := s.mutate(ctx, id, func(p *domain.CategoryProfile) error {
		if _, known := p.References[fp.Hash]; known {
			return errUnchanged
		}
		p.References[fp.Hash] = fp
		p.TermProfile = trimProfile(textnorm.Merge(p.TermProfile, fp.Terms), s.opts.ProfileTermLimit)
		added = true
		return nil
	})
	return added, err
}

// trimProfile keeps the limit heaviest terms so a category profile stays bounded.
func trimProfile(profile map[string]float64, limit int) map[string]float64 {
	if limit <= 0 || len(profile) <= limit {
		return profile
	}
	out := make(map[string]float64, limit)
	for _, term := range textnorm.TopTerms(profile, limit) {
		out[term] = profile[term]
	}
	return out
}
