package domain

import (
	"fmt"
	"strings"
	"time"
)

type buildStep int

const (
	stepEmpty buildStep = iota
	stepLLM
	stepHeuristic
	stepKnowledge
	stepFinal
)

// HeuristicInput carries the taxonomy scorer output into the result.
type HeuristicInput struct {
	Score     float64
	Decision  TaxonomyDecision
	Primary   string
	Secondary []string
	Suggested string
	Matches   []KeywordMatch
	Rationale string
}

// ResultBuilder fills a ClassificationResult left to right: llm, heuristic, knowledge, final blend.
type ResultBuilder struct {
	weights   BlendWeights
	step      buildStep
	res       ClassificationResult
	rationale []string
}

func NewResultBuilder(documentID, sourceName string, weights BlendWeights) *ResultBuilder {
	return &ResultBuilder{
		weights: weights,
		res: ClassificationResult{
			DocumentID:          documentID,
			SourceName:          sourceName,
			SecondaryCategories: []string{},
		},
	}
}

func (b *ResultBuilder) advance(from, to buildStep, name string) error {
	if b.step != from {
		return WrapError(ErrResultOrder, "build classification result", fmt.Errorf("%s step called at stage %d", name, b.step))
	}
	b.step = to
	return nil
}

func (b *ResultBuilder) WithLLM(outcome ValidationOutcome) error {
	if err := b.advance(stepEmpty, stepLLM, "llm"); err != nil {
		return err
	}
	best := outcome.Best
	b.res.PrimaryCategory = strings.TrimSpace(best.Category)
	if b.res.PrimaryCategory == "" {
		b.res.PrimaryCategory = UnclassifiedCategory
	}
	b.res.SecondaryCategories = append(b.res.SecondaryCategories, best.SecondaryCategories...)
	b.res.Scores.LLM = Clamp01(best.Confidence)
	b.res.ValidationAttempts = outcome.AttemptCount
	b.res.SuggestedCategory = best.SuggestedCategory
	if outcome.NeedsHumanReview {
		b.res.NeedsHumanReview = true
		b.res.ReviewReason = ReasonLowConfidence
	}
	if r := strings.TrimSpace(best.Rationale); r != "" {
		b.rationale = append(b.rationale, "model: "+r)
	}
	b.rationale = append(b.rationale, fmt.Sprintf("model confidence %.2f after %d attempt(s)", b.res.Scores.LLM, outcome.AttemptCount))
	return nil
}

func (b *ResultBuilder) WithHeuristic(in HeuristicInput) error {
	if err := b.advance(stepLLM, stepHeuristic, "heuristic"); err != nil {
		return err
	}
	b.res.Scores.Heuristic = Clamp01(in.Score)
	b.res.Decision = in.Decision
	if p := strings.TrimSpace(in.Primary); p != "" {
		b.res.PrimaryCategory = p
	}
	if in.Secondary != nil {
		b.res.SecondaryCategories = append([]string{}, in.Secondary...)
	}
	if in.Suggested != "" {
		b.res.SuggestedCategory = in.Suggested
	}
	if in.Decision == DecisionSuggestNew {
		b.res.NeedsHumanReview = true
		if b.res.ReviewReason == "" {
			b.res.ReviewReason = string(DecisionSuggestNew)
		}
	}
	b.res.KeywordMatches = append([]KeywordMatch(nil), in.Matches...)
	if in.Rationale != "" {
		b.rationale = append(b.rationale, "taxonomy: "+in.Rationale)
	}
	return nil
}

func (b *ResultBuilder) WithKnowledge(score float64, categoryID string) error {
	if err := b.advance(stepHeuristic, stepKnowledge, "knowledge"); err != nil {
		return err
	}
	b.res.Scores.Knowledge = Clamp01(score)
	b.res.CategoryID = categoryID
	b.rationale = append(b.rationale, fmt.Sprintf("knowledge similarity %.2f", b.res.Scores.Knowledge))
	return nil
}

// Finalize computes the composite confidence and freezes the result.
func (b *ResultBuilder) Finalize(threshold float64, now time.Time) (ClassificationResult, error) {
	if err := b.advance(stepKnowledge, stepFinal, "finalize"); err != nil {
		return ClassificationResult{}, err
	}
	b.res.Confidence = b.weights.Composite(b.res.Scores)
	b.res.ClassifiedAt = now
	b.rationale = append(b.rationale, fmt.Sprintf(
		"composite %.3f = %.2f*llm %.2f + %.2f*heuristic %.2f + %.2f*knowledge %.2f",
		b.res.Confidence,
		b.weights.LLM, b.res.Scores.LLM,
		b.weights.Heuristic, b.res.Scores.Heuristic,
		b.weights.Knowledge, b.res.Scores.Knowledge,
	))
	if b.res.Confidence < threshold {
		b.res.NeedsHumanReview = true
		if b.res.ReviewReason == "" {
			b.res.ReviewReason = ReasonLowConfidence
		}
		b.rationale = append(b.rationale, fmt.Sprintf("below threshold %.2f: needs human review", threshold))
	}
	b.res.SecondaryCategories = withoutCategory(b.res.SecondaryCategories, b.res.PrimaryCategory)
	b.res.Rationale = strings.Join(b.rationale, "; ")

	out := b.res
	out.SecondaryCategories = append([]string{}, b.res.SecondaryCategories...)
	out.KeywordMatches = append([]KeywordMatch(nil), b.res.KeywordMatches...)
	return out, nil
}

func withoutCategory(list []string, primary string) []string {
	out := make([]string, 0, len(list))
	seen := map[string]struct{}{strings.ToLower(primary): {}}
	for _, item := range list {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if item == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}
