// Package taxonomy scores extracted text against category keyword sets and decides whether the
// heuristic evidence should promote, keep or suggest a category next to the model answer.
package taxonomy

// Policy holds the tunable thresholds of the heuristic refinement.
type Policy struct {
	// PromotionThreshold is the keyword score a category needs to replace a weak model answer.
	PromotionThreshold float64
	// RelevanceThreshold below which no known category is considered related.
	RelevanceThreshold float64
	// LLMThreshold is the model confidence from which its answer is never overridden.
	LLMThreshold float64

	NewCategoryMinFrequency int
	NewCategoryMinTerms     int
	NewCategoryLabelTerms   int
	MaxSecondary            int
	UnmatchedTermsLimit     int
}

func DefaultPolicy() Policy {
	return Policy{
		PromotionThreshold:      0.35,
		RelevanceThreshold:      0.10,
		LLMThreshold:            0.8,
		NewCategoryMinFrequency: 3,
		NewCategoryMinTerms:     2,
		NewCategoryLabelTerms:   3,
		MaxSecondary:            3,
		UnmatchedTermsLimit:     10,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.PromotionThreshold <= 0 {
		p.PromotionThreshold = def.PromotionThreshold
	}
	if p.RelevanceThreshold <= 0 {
		p.RelevanceThreshold = def.RelevanceThreshold
	}
	if p.LLMThreshold <= 0 {
		p.LLMThreshold = def.LLMThreshold
	}
	if p.NewCategoryMinFrequency <= 0 {
		p.NewCategoryMinFrequency = def.NewCategoryMinFrequency
	}
	if p.NewCategoryMinTerms <= 0 {
		p.NewCategoryMinTerms = def.NewCategoryMinTerms
	}
	if p.NewCategoryLabelTerms <= 0 {
		p.NewCategoryLabelTerms = def.NewCategoryLabelTerms
	}
	if p.MaxSecondary <= 0 {
		p.MaxSecondary = def.MaxSecondary
	}
	if p.UnmatchedTermsLimit <= 0 {
		p.UnmatchedTermsLimit = def.UnmatchedTermsLimit
	}
	return p
}
