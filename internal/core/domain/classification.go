package domain

import (
	"math"
	"time"
)

// UnclassifiedCategory is used when the model names no category at all.
const UnclassifiedCategory = "Unclassified"

// ReasonLowConfidence flags a finalized result whose composite confidence is below threshold.
// It is a terminal review state, not an error.
const ReasonLowConfidence = "low_confidence_unresolved"

type TaxonomyDecision string

const (
	DecisionPromoteExisting TaxonomyDecision = "promote_existing"
	DecisionSuggestNew      TaxonomyDecision = "suggest_new"
	DecisionNoChange        TaxonomyDecision = "no_change"
)

// LLMRequest is what the validator sends to the model for one attempt.
type LLMRequest struct {
	DocumentName    string
	Text            string
	KnownCategories []string
	CategoryHints   map[string][]string
	Excerpts        []string
	Attempt         int
	Previous        *Attempt
}

// LLMResponse is a parsed model answer; Confidence is still in its raw representation.
type LLMResponse struct {
	Category            string
	SecondaryCategories []string
	Confidence          ConfidenceValue
	Rationale           string
	SuggestedCategory   string
	Keywords            []string
}

type Attempt struct {
	Number              int            `json:"number"`
	Category            string         `json:"category"`
	SecondaryCategories []string       `json:"secondary_categories,omitempty"`
	Confidence          float64        `json:"confidence"`
	ConfidenceKind      ConfidenceKind `json:"confidence_kind"`
	Rationale           string         `json:"rationale,omitempty"`
	SuggestedCategory   string         `json:"suggested_category,omitempty"`
	Keywords            []string       `json:"keywords,omitempty"`
}

type ValidationOutcome struct {
	Best             Attempt   `json:"best"`
	Attempts         []Attempt `json:"attempts"`
	AttemptCount     int       `json:"attempt_count"`
	NeedsHumanReview bool      `json:"needs_human_review"`
}

type SubScores struct {
	LLM       float64 `json:"llm_confidence"`
	Heuristic float64 `json:"heuristic_score"`
	Knowledge float64 `json:"knowledge_score"`
}

// BlendWeights is a fixed, tunable policy for the composite confidence. It is not learned.
type BlendWeights struct {
	LLM       float64 `json:"llm"`
	Heuristic float64 `json:"heuristic"`
	Knowledge float64 `json:"knowledge"`
}

var DefaultBlendWeights = BlendWeights{LLM: 0.50, Heuristic: 0.35, Knowledge: 0.15}

// Composite blends the three sub-scores. Inputs and output are clamped to [0,1].
func (w BlendWeights) Composite(s SubScores) float64 {
	return Clamp01(w.LLM*Clamp01(s.LLM) + w.Heuristic*Clamp01(s.Heuristic) + w.Knowledge*Clamp01(s.Knowledge))
}

func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

type KeywordMatch struct {
	Category    string  `json:"category"`
	Keyword     string  `json:"keyword"`
	Weight      float64 `json:"weight"`
	Occurrences int     `json:"occurrences"`
}

type ClassificationResult struct {
	DocumentID          string           `json:"document_id"`
	SourceName          string           `json:"source_name"`
	PrimaryCategory     string           `json:"primary_category"`
	CategoryID          string           `json:"category_id,omitempty"`
	SecondaryCategories []string         `json:"secondary_categories"`
	Confidence          float64          `json:"confidence"`
	Scores              SubScores        `json:"scores"`
	Rationale           string           `json:"rationale"`
	KeywordMatches      []KeywordMatch   `json:"keyword_matches,omitempty"`
	Decision            TaxonomyDecision `json:"decision"`
	SuggestedCategory   string           `json:"suggested_category,omitempty"`
	NeedsHumanReview    bool             `json:"needs_human_review"`
	ReviewReason        string           `json:"review_reason,omitempty"`
	ValidationAttempts  int              `json:"validation_attempts"`
	ClassifiedAt        time.Time        `json:"classified_at"`
}

// ClassificationRecord is one append-only history row in the knowledge store.
type ClassificationRecord struct {
	DocumentID          string             `json:"document_id"`
	SourceName          string             `json:"source_name"`
	Category            string             `json:"category"`
	CategoryID          string             `json:"category_id,omitempty"`
	SecondaryCategories []string           `json:"secondary_categories"`
	Confidence          float64            `json:"confidence"`
	Scores              SubScores          `json:"scores"`
	Decision            TaxonomyDecision   `json:"decision"`
	NeedsHumanReview    bool               `json:"needs_human_review"`
	Keywords            []string           `json:"keywords,omitempty"`
	Terms               map[string]float64 `json:"terms"`
	RecordedAt          time.Time          `json:"recorded_at"`
}

func NewClassificationRecord(result ClassificationResult, terms map[string]float64) ClassificationRecord {
	keywords := make([]string, 0, len(result.KeywordMatches))
	for _, match := range result.KeywordMatches {
		if match.Category == result.PrimaryCategory {
			keywords = append(keywords, match.Keyword)
		}
	}
	return ClassificationRecord{
		DocumentID:          result.DocumentID,
		SourceName:          result.SourceName,
		Category:            result.PrimaryCategory,
		CategoryID:          result.CategoryID,
		SecondaryCategories: append([]string(nil), result.SecondaryCategories...),
		Confidence:          result.Confidence,
		Scores:              result.Scores,
		Decision:            result.Decision,
		NeedsHumanReview:    result.NeedsHumanReview,
		Keywords:            keywords,
		Terms:               terms,
		RecordedAt:          result.ClassifiedAt,
	}
}
