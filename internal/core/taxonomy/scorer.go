package taxonomy

import (
	"sort"
	"strings"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/textnorm"
)

type CategoryScore struct {
	Category string
	Score    float64
	Matches  []domain.KeywordMatch
}

// Report is the deterministic keyword evidence for one text.
type Report struct {
	// Scores is ordered by score desc, then category name asc. Categories without keywords are skipped.
	Scores []CategoryScore
	// Unmatched lists frequent content terms that belong to no category keyword.
	Unmatched []textnorm.TermCount
}

func (r Report) Best() (CategoryScore, bool) {
	if len(r.Scores) == 0 || r.Scores[0].Score <= 0 {
		return CategoryScore{}, false
	}
	return r.Scores[0], true
}

// ScoreOf returns the score of category, compared by canonical key.
func (r Report) ScoreOf(category string) float64 {
	key := textnorm.Key(category)
	for _, s := range r.Scores {
		if textnorm.Key(s.Category) == key {
			return s.Score
		}
	}
	return 0
}

// Score computes per-category keyword coverage: matched weight over total weight.
func Score(text string, keywords map[string]map[string]float64, policy Policy) Report {
	policy = policy.withDefaults()
	folded := textnorm.Fold(text)

	categories := make([]string, 0, len(keywords))
	for name := range keywords {
		categories = append(categories, name)
	}
	sort.Strings(categories)

	known := make(map[string]struct{})
	report := Report{Scores: make([]CategoryScore, 0, len(categories))}
	for _, category := range categories {
		terms := keywords[category]
		if len(terms) == 0 {
			continue
		}
		score := scoreCategory(folded, category, terms, known)
		report.Scores = append(report.Scores, score)
	}

	sort.SliceStable(report.Scores, func(i, j int) bool {
		if report.Scores[i].Score != report.Scores[j].Score {
			return report.Scores[i].Score > report.Scores[j].Score
		}
		return report.Scores[i].Category < report.Scores[j].Category
	})

	report.Unmatched = unmatchedTerms(text, known, policy)
	return report
}

// Coverage is the keyword coverage of a single category's keywords on text.
func Coverage(text string, keywords map[string]float64) float64 {
	if len(keywords) == 0 {
		return 0
	}
	return scoreCategory(textnorm.Fold(text), "", keywords, make(map[string]struct{})).Score
}

func scoreCategory(folded, category string, terms map[string]float64, known map[string]struct{}) CategoryScore {
	keys := make([]string, 0, len(terms))
	for kw := range terms {
		keys = append(keys, kw)
	}
	sort.Strings(keys)

	out := CategoryScore{Category: category}
	var total, matched float64
	for _, kw := range keys {
		weight := domain.Clamp01(terms[kw])
		phrase := textnorm.Fold(kw)
		for _, part := range strings.Fields(phrase) {
			known[part] = struct{}{}
		}
		total += weight
		if phrase == "" || weight == 0 {
			continue
		}
		if n := textnorm.CountPhrase(folded, phrase); n > 0 {
			matched += weight
			out.Matches = append(out.Matches, domain.KeywordMatch{
				Category:    category,
				Keyword:     kw,
				Weight:      weight,
				Occurrences: n,
			})
		}
	}
	if total > 0 {
		out.Score = domain.Clamp01(matched / total)
	}
	return out
}

func unmatchedTerms(text string, known map[string]struct{}, policy Policy) []textnorm.TermCount {
	counts := textnorm.Frequencies(text)
	ranked := textnorm.RankCounts(counts)
	out := make([]textnorm.TermCount, 0, policy.UnmatchedTermsLimit)
	for _, tc := range ranked {
		if _, ok := known[tc.Term]; ok {
			continue
		}
		out = append(out, tc)
		if len(out) == policy.UnmatchedTermsLimit {
			break
		}
	}
	return out
}
