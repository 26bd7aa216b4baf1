package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/ports"
	"github.com/kirillkom/document-classifier/internal/core/textnorm"
)

// ExcerptSource supplies knowledge context for model retries.
type ExcerptSource interface {
	ContextExcerpts(terms map[string]float64, limit int) []string
}

type ValidatorConfig struct {
	Threshold    float64
	MaxRetries   int
	CallTimeout  time.Duration
	ExcerptLimit int
}

func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		Threshold:    0.8,
		MaxRetries:   2,
		CallTimeout:  60 * time.Second,
		ExcerptLimit: 3,
	}
}

// ConfidenceValidator asks the model until its confidence clears the threshold or the retry
// budget is spent, and keeps the best attempt.
type ConfidenceValidator struct {
	llm      ports.LLMClassifier
	excerpts ExcerptSource
	cfg      ValidatorConfig
}

func NewConfidenceValidator(llm ports.LLMClassifier, excerpts ExcerptSource, cfg ValidatorConfig) *ConfidenceValidator {
	def := DefaultValidatorConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.ExcerptLimit <= 0 {
		cfg.ExcerptLimit = def.ExcerptLimit
	}
	return &ConfidenceValidator{llm: llm, excerpts: excerpts, cfg: cfg}
}

func (v *ConfidenceValidator) Threshold() float64 { return v.cfg.Threshold }

// Validate returns the best attempt. Failed calls count against the budget. Without any
// successful attempt the error is ErrLLMMalformedResponse when every failure was a parse
// failure, ErrLLMUnavailable otherwise.
func (v *ConfidenceValidator) Validate(ctx context.Context, req domain.LLMRequest) (domain.ValidationOutcome, error) {
	var (
		outcome   domain.ValidationOutcome
		best      *domain.Attempt
		failures  int
		malformed int
		lastErr   error
		excerpts  []string
		fetched   bool
	)

	total := 1 + v.cfg.MaxRetries
	for n := 1; n <= total; n++ {
		if best != nil && best.Confidence >= v.cfg.Threshold {
			break
		}

		attemptReq := req
		attemptReq.Attempt = n
		if n > 1 {
			if !fetched {
				excerpts = v.contextExcerpts(req.Text)
				fetched = true
			}
			attemptReq.Excerpts = excerpts
			if best != nil {
				prev := *best
				attemptReq.Previous = &prev
			}
		}

		attempt, err := v.attempt(ctx, attemptReq)
		if err != nil {
			failures++
			if domain.IsKind(err, domain.ErrLLMMalformedResponse) {
				malformed++
			}
			lastErr = err
			slog.Warn("llm_attempt_failed", "document", req.DocumentName, "attempt", n, "of", total, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		attempt.Number = n
		outcome.Attempts = append(outcome.Attempts, attempt)
		if best == nil || attempt.Confidence > best.Confidence {
			chosen := attempt
			best = &chosen
		}
	}
	outcome.AttemptCount = len(outcome.Attempts) + failures

	if best == nil {
		kind := domain.ErrLLMUnavailable
		if failures > 0 && malformed == failures {
			kind = domain.ErrLLMMalformedResponse
		}
		// the last error is rendered, not wrapped, so the outcome carries a single kind
		return outcome, domain.WrapError(kind, "validate classification",
			fmt.Errorf("%d of %d attempts failed, last: %s", failures, outcome.AttemptCount, errorText(lastErr)))
	}

	outcome.Best = *best
	outcome.NeedsHumanReview = best.Confidence < v.cfg.Threshold
	return outcome, nil
}

func (v *ConfidenceValidator) attempt(ctx context.Context, req domain.LLMRequest) (domain.Attempt, error) {
	callCtx, cancel := context.WithTimeout(ctx, v.cfg.CallTimeout)
	defer cancel()

	resp, err := v.llm.Classify(callCtx, req)
	if err != nil {
		if domain.IsKind(err, domain.ErrLLMMalformedResponse) {
			return domain.Attempt{}, err
		}
		// a timeout is indistinguishable from an unreachable service
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Attempt{}, domain.WrapError(domain.ErrLLMUnavailable, "llm classify", fmt.Errorf("timeout after %s", v.cfg.CallTimeout))
		}
		return domain.Attempt{}, domain.WrapError(domain.ErrLLMUnavailable, "llm classify", err)
	}

	confidence, err := resp.Confidence.Normalize()
	if err != nil {
		return domain.Attempt{}, err
	}
	return domain.Attempt{
		Category:            strings.TrimSpace(resp.Category),
		SecondaryCategories: resp.SecondaryCategories,
		Confidence:          confidence,
		ConfidenceKind:      resp.Confidence.Kind,
		Rationale:           resp.Rationale,
		SuggestedCategory:   resp.SuggestedCategory,
		Keywords:            resp.Keywords,
	}, nil
}

func (v *ConfidenceValidator) contextExcerpts(text string) []string {
	if v.excerpts == nil {
		return nil
	}
	return v.excerpts.ContextExcerpts(textnorm.TermProfile(text, 50), v.cfg.ExcerptLimit)
}

func errorText(err error) string {
	if err == nil {
		return "no attempt made"
	}
	return err.Error()
}
