package taxonomy

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/textnorm"
)

// LLMView is the part of the validated model answer the decision needs.
type LLMView struct {
	Category   string
	Confidence float64
	Secondary  []string
}

type Decision struct {
	Kind      domain.TaxonomyDecision
	Primary   string
	Secondary []string
	Suggested string
	// HeuristicScore is the keyword score of the resolved primary category.
	HeuristicScore float64
	Matches        []domain.KeywordMatch
	Rationale      string
}

// Decide combines keyword evidence with the model answer. A confident model answer is never
// replaced; new categories are only suggested, never created here.
func Decide(report Report, llm LLMView, policy Policy) Decision {
	policy = policy.withDefaults()
	llmCategory := strings.TrimSpace(llm.Category)
	if textnorm.Key(llmCategory) == textnorm.Key(domain.UnclassifiedCategory) {
		llmCategory = ""
	}

	d := Decision{Kind: domain.DecisionNoChange, Primary: llmCategory}
	best, hasBest := report.Best()

	switch {
	case hasBest && best.Score >= policy.PromotionThreshold:
		if llmCategory == "" || llm.Confidence < policy.LLMThreshold {
			d.Kind = domain.DecisionPromoteExisting
			d.Primary = best.Category
			d.Rationale = fmt.Sprintf("keyword score %.2f promotes %q over model answer %q (confidence %.2f)",
				best.Score, best.Category, llmCategory, llm.Confidence)
		} else {
			d.Rationale = fmt.Sprintf("model answer %q kept at confidence %.2f; keyword evidence favours %q (%.2f)",
				llmCategory, llm.Confidence, best.Category, best.Score)
		}
	case !hasBest || best.Score < policy.RelevanceThreshold:
		if label, terms := suggestLabel(report, policy); label != "" {
			d.Kind = domain.DecisionSuggestNew
			d.Suggested = label
			d.Rationale = fmt.Sprintf("no known category is relevant; recurring terms %s suggest new category %q",
				strings.Join(terms, ", "), label)
		} else {
			d.Rationale = "no relevant keyword evidence"
		}
	default:
		d.Rationale = fmt.Sprintf("keyword score %.2f for %q is below promotion threshold %.2f",
			best.Score, best.Category, policy.PromotionThreshold)
	}

	if d.Primary == "" {
		d.Primary = domain.UnclassifiedCategory
	}
	d.Secondary = secondaryAreas(report, llm, llmCategory, d.Primary, policy)
	d.HeuristicScore = report.ScoreOf(d.Primary)
	for _, s := range report.Scores {
		d.Matches = append(d.Matches, s.Matches...)
	}
	return d
}

// HeuristicInput adapts the decision for the result builder.
func (d Decision) HeuristicInput() domain.HeuristicInput {
	return domain.HeuristicInput{
		Score:     d.HeuristicScore,
		Decision:  d.Kind,
		Primary:   d.Primary,
		Secondary: d.Secondary,
		Suggested: d.Suggested,
		Matches:   d.Matches,
		Rationale: d.Rationale,
	}
}

func secondaryAreas(report Report, llm LLMView, llmCategory, primary string, policy Policy) []string {
	out := make([]string, 0, policy.MaxSecondary)
	seen := map[string]struct{}{textnorm.Key(primary): {}}
	add := func(name string) {
		name = strings.TrimSpace(name)
		key := textnorm.Key(name)
		if key == "" || len(out) >= policy.MaxSecondary {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}

	add(llmCategory)
	for _, name := range llm.Secondary {
		add(name)
	}
	for _, s := range report.Scores {
		if s.Score >= policy.PromotionThreshold {
			add(s.Category)
		}
	}
	return out
}

func suggestLabel(report Report, policy Policy) (string, []string) {
	terms := make([]string, 0, policy.NewCategoryLabelTerms)
	frequent := 0
	for _, tc := range report.Unmatched {
		if tc.Count < policy.NewCategoryMinFrequency {
			continue
		}
		frequent++
		if len(terms) < policy.NewCategoryLabelTerms {
			terms = append(terms, tc.Term)
		}
	}
	if frequent < policy.NewCategoryMinTerms {
		return "", nil
	}
	title := cases.Title(language.Und)
	return title.String(strings.Join(terms, " ")), terms
}
