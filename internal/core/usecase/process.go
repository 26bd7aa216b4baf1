package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/ports"
	"github.com/kirillkom/document-classifier/internal/core/taxonomy"
	"github.com/kirillkom/document-classifier/internal/core/textnorm"
)

// ClassificationValidator produces a validated model judgment.
type ClassificationValidator interface {
	Validate(ctx context.Context, req domain.LLMRequest) (domain.ValidationOutcome, error)
	Threshold() float64
}

// KnowledgeBase is the part of the knowledge store the pipeline reads and writes.
type KnowledgeBase interface {
	ExcerptSource
	CategoryNames() []string
	Hints(perCategory int) map[string][]string
	KeywordIndex() map[string]map[string]float64
	MatchCategory(name string) (domain.CategoryProfile, bool)
	KnowledgeScore(terms map[string]float64, categoryID string) float64
	ResolveCategory(ctx context.Context, name string) (domain.CategoryProfile, bool, error)
	Record(ctx context.Context, record domain.ClassificationRecord) error
}

type PipelineConfig struct {
	MinTextLength     int
	PersistAttempts   int
	PersistBackoff    time.Duration
	MaxIntakeAttempts int
	NotifyTimeout     time.Duration
	MaxPromptChars    int
	HintsPerCategory  int
	TermLimit         int
	Weights           domain.BlendWeights
	Taxonomy          taxonomy.Policy
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MinTextLength:    20,
		PersistAttempts:  3,
		PersistBackoff:   200 * time.Millisecond,
		NotifyTimeout:    5 * time.Second,
		MaxPromptChars:   12000,
		HintsPerCategory: 8,
		TermLimit:        200,
		Weights:          domain.DefaultBlendWeights,
		Taxonomy:         taxonomy.DefaultPolicy(),
	}
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	def := DefaultPipelineConfig()
	if c.MinTextLength <= 0 {
		c.MinTextLength = def.MinTextLength
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = def.PersistAttempts
	}
	if c.PersistBackoff < 0 {
		c.PersistBackoff = 0
	}
	if c.MaxPromptChars <= 0 {
		c.MaxPromptChars = def.MaxPromptChars
	}
	if c.HintsPerCategory <= 0 {
		c.HintsPerCategory = def.HintsPerCategory
	}
	if c.TermLimit <= 0 {
		c.TermLimit = def.TermLimit
	}
	if c.Weights == (domain.BlendWeights{}) {
		c.Weights = def.Weights
	}
	return c
}

// ProcessingPipeline runs one job through the stage machine:
// extracting, classifying, validating, refining, resolving_category, packaging, finalized.
type ProcessingPipeline struct {
	extractor ports.TextExtractor
	validator ClassificationValidator
	knowledge KnowledgeBase
	packager  ports.ArtifactPackager
	workspace ports.Workspace
	events    eventEmitter
	observer  PipelineObserver
	cfg       PipelineConfig
	now       func() time.Time
}

func NewProcessingPipeline(
	extractor ports.TextExtractor,
	validator ClassificationValidator,
	knowledge KnowledgeBase,
	packager ports.ArtifactPackager,
	workspace ports.Workspace,
	notifier ports.Notifier,
	observer PipelineObserver,
	cfg PipelineConfig,
) *ProcessingPipeline {
	cfg = cfg.withDefaults()
	if observer == nil {
		observer = nopObserver{}
	}
	return &ProcessingPipeline{
		extractor: extractor,
		validator: validator,
		knowledge: knowledge,
		packager:  packager,
		workspace: workspace,
		events:    newEventEmitter(notifier, cfg.NotifyTimeout),
		observer:  observer,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Process never panics out; every failure becomes a terminal transition with a reason.
func (p *ProcessingPipeline) Process(ctx context.Context, job *domain.Job) (out domain.Outcome) {
	run := &jobRun{p: p, job: job, started: p.now()}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline_panic", "job_id", job.ID, "stage", string(job.Stage), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			out = run.deadLetter(ctx, domain.ReasonInternalError, fmt.Errorf("panic: %v", r))
		}
		p.observer.JobFinished(out)
	}()
	return run.execute(ctx)
}

type jobRun struct {
	p       *ProcessingPipeline
	job     *domain.Job
	started time.Time
	done    bool
}

func (r *jobRun) execute(ctx context.Context) domain.Outcome {
	p, job := r.p, r.job

	if p.cfg.MaxIntakeAttempts > 0 && job.IntakeAttempts >= p.cfg.MaxIntakeAttempts {
		return r.deadLetter(ctx, domain.ReasonRetriesExhausted,
			fmt.Errorf("job returned to intake %d times", job.IntakeAttempts))
	}

	if err := r.advance(ctx, domain.StageExtracting); err != nil {
		return r.deadLetter(ctx, domain.ReasonInternalError, err)
	}
	text, err := p.extractor.Extract(ctx, job.SourcePath)
	if err != nil {
		return r.deadLetter(ctx, domain.ReasonExtractionFailed, err)
	}
	text = strings.TrimSpace(text)
	if n := utf8.RuneCountInString(text); n < p.cfg.MinTextLength {
		return r.deadLetter(ctx, domain.ReasonInsufficientText, domain.WrapError(domain.ErrMalformedInput, "extract text",
			fmt.Errorf("%d characters, need at least %d", n, p.cfg.MinTextLength)))
	}
	job.Text = text

	if err := r.advance(ctx, domain.StageClassifying); err != nil {
		return r.deadLetter(ctx, domain.ReasonInternalError, err)
	}
	validation, err := p.validator.Validate(ctx, p.buildRequest(job))
	p.observer.ValidationFinished(validation.AttemptCount, validation.Best.Confidence)
	if err != nil {
		switch {
		case domain.IsTransient(err):
			return r.returnToIntake(ctx, err)
		case domain.IsKind(err, domain.ErrLLMMalformedResponse):
			return r.deadLetter(ctx, domain.ReasonLLMMalformedResponse, err)
		default:
			return r.deadLetter(ctx, domain.ReasonInternalError, err)
		}
	}

	if err := r.advance(ctx, domain.StageValidating); err != nil {
		return r.deadLetter(ctx, domain.ReasonInternalError, err)
	}
	builder := domain.NewResultBuilder(job.ID, job.SourceName, p.cfg.Weights)
	if err := builder.WithLLM(validation); err != nil {
		return r.deadLetter(ctx, domain.ReasonInternalError, err)
	}

	if err := r.advance(ctx, domain.StageRefining); err != nil {
		return r.deadLetter(ctx, domain.ReasonInternalError, err)
	}
	terms := textnorm.TermProfile(text, p.cfg.TermLimit)
	result, err := r.refine(builder, validation, terms)
	if err != nil {
		return r.deadLetter(ctx, domain.ReasonInternalError, err)
	}

	if err := r.advance(ctx, domain.StageResolvingCategory); err != nil {
		return r.deadLetter(ctx, domain.ReasonInternalError, err)
	}
	var (
		profile domain.CategoryProfile
		created bool
	)
	err = r.persist(ctx, "resolve_category", func(ctx context.Context) error {
		var err error
		profile, created, err = p.knowledge.ResolveCategory(ctx, result.PrimaryCategory)
		return err
	})
	if err != nil {
		return r.deadLetter(ctx, domain.ReasonPersistenceFailed, err)
	}
	result.CategoryID = profile.ID
	if created {
		p.events.emit(ctx, domain.EventCategoryCreated, map[string]any{
			"category_id": profile.ID,
			"category":    profile.Name,
			"job_id":      job.ID,
		})
	}
	record := domain.NewClassificationRecord(result, terms)
	if err := r.persist(ctx, "record_classification", func(ctx context.Context) error {
		return p.knowledge.Record(ctx, record)
	}); err != nil {
		return r.deadLetter(ctx, domain.ReasonPersistenceFailed, err)
	}

	if err := r.advance(ctx, domain.StagePackaging); err != nil {
		return r.deadLetter(ctx, domain.ReasonInternalError, err)
	}
	artifact, err := p.packager.Package(ctx, job, result)
	if err != nil {
		return r.deadLetter(ctx, domain.ReasonPackagingFailed, err)
	}
	if _, err := p.workspace.Archive(ctx, job); err != nil {
		return r.deadLetter(ctx, domain.ReasonPackagingFailed, err)
	}

	if err := r.advance(ctx, domain.StageFinalized); err != nil {
		return r.deadLetter(ctx, domain.ReasonInternalError, err)
	}
	r.done = true
	p.events.emit(ctx, domain.EventJobFinalized, map[string]any{
		"job_id":             job.ID,
		"document":           job.SourceName,
		"category":           result.PrimaryCategory,
		"category_id":        result.CategoryID,
		"secondary":          result.SecondaryCategories,
		"confidence":         result.Confidence,
		"needs_human_review": result.NeedsHumanReview,
		"decision":           string(result.Decision),
		"artifact":           artifact.Path,
	})
	r.summary(ctx, domain.StageFinalized, "")
	slog.Info("job_finalized",
		"job_id", job.ID,
		"document", job.SourceName,
		"category", result.PrimaryCategory,
		"confidence", result.Confidence,
		"needs_human_review", result.NeedsHumanReview,
	)
	return domain.Outcome{
		JobID:    job.ID,
		Terminal: domain.StageFinalized,
		Reason:   result.ReviewReason,
		Result:   &result,
		Artifact: &artifact,
		Elapsed:  p.now().Sub(r.started),
	}
}

// refine runs taxonomy scoring and knowledge similarity and freezes the blended result.
// Category names are canonicalized through the knowledge store before they reach the result.
func (r *jobRun) refine(builder *domain.ResultBuilder, validation domain.ValidationOutcome, terms map[string]float64) (domain.ClassificationResult, error) {
	p := r.p
	llmCategory := validation.Best.Category
	if known, ok := p.knowledge.MatchCategory(llmCategory); ok {
		llmCategory = known.Name
	}

	report := taxonomy.Score(r.job.Text, p.knowledge.KeywordIndex(), p.cfg.Taxonomy)
	decision := taxonomy.Decide(report, taxonomy.LLMView{
		Category:   llmCategory,
		Confidence: validation.Best.Confidence,
		Secondary:  validation.Best.SecondaryCategories,
	}, p.cfg.Taxonomy)
	if err := builder.WithHeuristic(decision.HeuristicInput()); err != nil {
		return domain.ClassificationResult{}, err
	}

	score, categoryID := 0.0, ""
	if known, ok := p.knowledge.MatchCategory(decision.Primary); ok {
		score = p.knowledge.KnowledgeScore(terms, known.ID)
		categoryID = known.ID
	}
	if err := builder.WithKnowledge(score, categoryID); err != nil {
		return domain.ClassificationResult{}, err
	}
	return builder.Finalize(p.validator.Threshold(), p.now())
}

// persist runs a knowledge store write with bounded retries and doubling backoff.
func (r *jobRun) persist(ctx context.Context, operation string, write func(context.Context) error) error {
	backoff := r.p.cfg.PersistBackoff
	var err error
	for attempt := 1; attempt <= r.p.cfg.PersistAttempts; attempt++ {
		if err = write(ctx); err == nil {
			return nil
		}
		slog.Warn("retry_attempt", "operation", operation, "job_id", r.job.ID, "attempt", attempt, "error", err)
		if attempt == r.p.cfg.PersistAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (p *ProcessingPipeline) buildRequest(job *domain.Job) domain.LLMRequest {
	return domain.LLMRequest{
		DocumentName:    job.SourceName,
		Text:            textnorm.Excerpt(job.Text, p.cfg.MaxPromptChars),
		KnownCategories: p.knowledge.CategoryNames(),
		CategoryHints:   p.knowledge.Hints(p.cfg.HintsPerCategory),
	}
}

func (r *jobRun) advance(ctx context.Context, to domain.Stage) error {
	from := r.job.Stage
	now := r.p.now()
	closed, err := r.job.Advance(to, now)
	if err != nil {
		return err
	}
	r.p.observer.StageCompleted(closed.Stage, closed.Duration)
	r.p.events.emit(ctx, domain.EventStageTransition, map[string]any{
		"job_id":     r.job.ID,
		"document":   r.job.SourceName,
		"from":       string(from),
		"to":         string(to),
		"at":         now,
		"elapsed_ms": closed.Duration.Milliseconds(),
	})
	slog.Debug("stage_transition", "job_id", r.job.ID, "from", string(from), "to", string(to), "elapsed_ms", closed.Duration.Milliseconds())
	return nil
}

func (r *jobRun) returnToIntake(ctx context.Context, cause error) domain.Outcome {
	p, job := r.p, r.job
	if err := r.advance(ctx, domain.StageReturnedToIntake); err != nil {
		return r.deadLetter(ctx, domain.ReasonInternalError, errors.Join(cause, err))
	}
	r.done = true
	if err := p.workspace.ReturnToIntake(ctx, job); err != nil {
		slog.Error("return_to_intake_failed", "job_id", job.ID, "document", job.SourceName, "error", err)
	}
	p.events.emit(ctx, domain.EventJobReturned, map[string]any{
		"job_id":   job.ID,
		"document": job.SourceName,
		"attempts": job.IntakeAttempts + 1,
		"reason":   domain.ReasonLLMUnavailable,
		"error":    cause.Error(),
	})
	r.summary(ctx, domain.StageReturnedToIntake, domain.ReasonLLMUnavailable)
	slog.Warn("job_returned_to_intake", "job_id", job.ID, "document", job.SourceName, "error", cause)

	if err := job.Requeue(p.now()); err != nil {
		slog.Error("requeue_failed", "job_id", job.ID, "error", err)
	}
	return domain.Outcome{
		JobID:    job.ID,
		Terminal: domain.StageReturnedToIntake,
		Reason:   domain.ReasonLLMUnavailable,
		Err:      cause,
		Elapsed:  p.now().Sub(r.started),
	}
}

func (r *jobRun) deadLetter(ctx context.Context, reason string, cause error) domain.Outcome {
	p, job := r.p, r.job
	out := domain.Outcome{
		JobID:    job.ID,
		Terminal: domain.StageDeadLettered,
		Reason:   reason,
		Err:      cause,
	}
	if r.done {
		// a panic after the job reached a terminal stage leaves its outcome as is
		out.Terminal = job.Stage
		out.Elapsed = p.now().Sub(r.started)
		return out
	}
	r.done = true

	failedStage := job.Stage
	if _, err := job.Advance(domain.StageDeadLettered, p.now()); err != nil {
		slog.Error("dead_letter_transition_failed", "job_id", job.ID, "stage", string(failedStage), "error", err)
	}
	record := domain.DeadLetterRecord{
		JobID:       job.ID,
		SourceName:  job.SourceName,
		Reason:      reason,
		Error:       errorText(cause),
		FailedStage: failedStage,
		Timeline:    job.Durations(),
		At:          p.now(),
	}
	if err := p.workspace.DeadLetter(ctx, job, record); err != nil {
		slog.Error("dead_letter_write_failed", "job_id", job.ID, "document", job.SourceName, "error", err)
	}
	p.events.emit(ctx, domain.EventJobDeadLettered, map[string]any{
		"job_id":       job.ID,
		"document":     job.SourceName,
		"reason":       reason,
		"failed_stage": string(failedStage),
		"error":        record.Error,
	})
	r.summary(ctx, domain.StageDeadLettered, reason)
	slog.Error("job_dead_lettered", "job_id", job.ID, "document", job.SourceName, "reason", reason, "stage", string(failedStage), "error", cause)

	out.Elapsed = p.now().Sub(r.started)
	return out
}

func (r *jobRun) summary(ctx context.Context, terminal domain.Stage, reason string) {
	r.p.events.emit(ctx, domain.EventTimelineSummary, timelinePayload(r.job, terminal, reason))
}
