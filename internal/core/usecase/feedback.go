package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/ports"
)

// FeedbackKnowledge is the part of the knowledge store feedback reconciliation mutates.
type FeedbackKnowledge interface {
	FindClassification(ref string) (domain.ClassificationRecord, bool)
	MatchCategory(name string) (domain.CategoryProfile, bool)
	KeywordCoverage(category string, terms map[string]float64, adjustments ...domain.KeywordAdjustment) float64
	FeedbackApplied(ctx context.Context, key string) (*domain.FeedbackApplication, error)
	SaveFeedbackApplication(ctx context.Context, app domain.FeedbackApplication) error
	AdjustBias(ctx context.Context, category string, delta float64, counters domain.FeedbackCounters) (float64, error)
	Reinforce(ctx context.Context, category string, keywords []string, direction domain.Direction) (int, error)
	AddReferenceExcerpt(ctx context.Context, category, excerpt string) (bool, error)
	NoteDocumentFeedback(ctx context.Context, delta domain.DocumentFeedback) error
	DocumentFeedback(documentID string) domain.DocumentFeedback
	MarkForReanalysis(ctx context.Context, marker domain.ReanalysisMarker) (bool, error)
}

// FeedbackPolicy holds the bias steps of one feedback event and the per-event cap.
// The cap bounds the composite confidence shift of every category touched by one event,
// bias and keyword changes together.
type FeedbackPolicy struct {
	ConfirmDelta            float64
	RejectDelta             float64
	RepeatedReanalysisDelta float64
	MaxIncrease             float64
	MaxDecrease             float64
	// Weights must match the pipeline blend so keyword shifts are measured as it scores them.
	Weights domain.BlendWeights
}

func DefaultFeedbackPolicy() FeedbackPolicy {
	return FeedbackPolicy{
		ConfirmDelta:            0.02,
		RejectDelta:             -0.05,
		RepeatedReanalysisDelta: -0.02,
		MaxIncrease:             0.03,
		MaxDecrease:             -0.05,
		Weights:                 domain.DefaultBlendWeights,
	}
}

func (p FeedbackPolicy) clamp(delta float64) float64 {
	return math.Max(p.MaxDecrease, math.Min(p.MaxIncrease, delta))
}

func (p FeedbackPolicy) within(shift float64) bool {
	const eps = 1e-9
	return shift <= p.MaxIncrease+eps && shift >= p.MaxDecrease-eps
}

// FeedbackReconciler applies one reviewer feedback record at most once.
type FeedbackReconciler struct {
	knowledge FeedbackKnowledge
	policy    FeedbackPolicy
	now       func() time.Time
}

func NewFeedbackReconciler(knowledge FeedbackKnowledge, policy FeedbackPolicy) *FeedbackReconciler {
	if policy == (FeedbackPolicy{}) {
		policy = DefaultFeedbackPolicy()
	}
	if policy.Weights == (domain.BlendWeights{}) {
		policy.Weights = domain.DefaultBlendWeights
	}
	return &FeedbackReconciler{
		knowledge: knowledge,
		policy:    policy,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type feedbackPlan struct {
	record     domain.ClassificationRecord
	categories []string
	deltas     map[string]float64
	counters   map[string]domain.FeedbackCounters
	approved   []string
	rejected   []string
	keywords   []domain.KeywordAdjustment
	evidence   map[string][]string
	doc        domain.DocumentFeedback
	reanalysis bool
}

// Apply validates, claims and applies rec. A record whose key was already applied returns the
// stored application with AlreadyApplied set and changes nothing.
func (r *FeedbackReconciler) Apply(ctx context.Context, rec domain.FeedbackRecord) (domain.FeedbackApplication, error) {
	if err := validateFeedback(rec); err != nil {
		return domain.FeedbackApplication{}, err
	}

	stored, err := r.knowledge.FeedbackApplied(ctx, rec.Key)
	if err != nil {
		return domain.FeedbackApplication{}, err
	}
	if stored != nil {
		out := *stored
		out.AlreadyApplied = true
		return out, nil
	}

	plan, err := r.plan(rec)
	if err != nil {
		return domain.FeedbackApplication{}, err
	}

	app := domain.FeedbackApplication{
		Key:              rec.Key,
		DocumentID:       plan.record.DocumentID,
		Category:         plan.record.Category,
		Approved:         plan.approved,
		Rejected:         plan.rejected,
		BiasChanges:      make(map[string]float64, len(plan.deltas)),
		Keywords:         plan.keywords,
		ReanalysisMarked: plan.reanalysis,
		AppliedAt:        r.now(),
	}
	for _, category := range plan.categories {
		app.BiasChanges[category] = plan.deltas[category]
	}
	for _, excerpts := range plan.evidence {
		app.EvidenceAdded += len(excerpts)
	}

	// claiming before mutating keeps a crash from applying the record twice
	if err := r.knowledge.SaveFeedbackApplication(ctx, app); err != nil {
		if domain.IsKind(err, domain.ErrAlreadyApplied) {
			app.AlreadyApplied = true
			return app, nil
		}
		return domain.FeedbackApplication{}, err
	}

	if err := r.execute(ctx, rec, plan, &app); err != nil {
		return app, err
	}
	return app, nil
}

func validateFeedback(rec domain.FeedbackRecord) error {
	if strings.TrimSpace(rec.Key) == "" {
		return domain.RejectFeedback("missing_key", nil)
	}
	if strings.TrimSpace(rec.DocumentRef) == "" {
		return domain.RejectFeedback("missing_document", nil)
	}
	if math.IsNaN(rec.ConfidenceDelta) || math.IsInf(rec.ConfidenceDelta, 0) {
		return domain.RejectFeedback("invalid_confidence_delta", nil)
	}
	for category, verdict := range rec.Verdicts {
		if strings.TrimSpace(category) == "" {
			return domain.RejectFeedback("invalid_verdict", errors.New("empty category"))
		}
		if verdict != domain.VerdictConfirm && verdict != domain.VerdictReject {
			return domain.RejectFeedback("invalid_verdict", fmt.Errorf("%q for %q", verdict, category))
		}
	}
	if !rec.Actionable() {
		return domain.RejectFeedback("no_action", nil)
	}
	return nil
}

func (r *FeedbackReconciler) plan(rec domain.FeedbackRecord) (feedbackPlan, error) {
	record, ok := r.knowledge.FindClassification(rec.DocumentRef)
	if !ok {
		return feedbackPlan{}, domain.RejectFeedback("unknown_document", fmt.Errorf("document %q", rec.DocumentRef))
	}

	p := feedbackPlan{
		record:   record,
		deltas:   make(map[string]float64),
		counters: make(map[string]domain.FeedbackCounters),
		evidence: make(map[string][]string),
		doc:      domain.DocumentFeedback{DocumentID: record.DocumentID, UpdatedAt: r.now()},
	}
	canonical := func(name string) (string, error) {
		profile, ok := r.knowledge.MatchCategory(name)
		if !ok {
			return "", domain.RejectFeedback("unknown_category", fmt.Errorf("category %q", name))
		}
		return profile.Name, nil
	}
	primary, err := canonical(record.Category)
	if err != nil {
		return feedbackPlan{}, err
	}
	touch := func(category string) {
		if _, ok := p.deltas[category]; !ok {
			p.deltas[category] = 0
			p.categories = append(p.categories, category)
		}
	}

	verdictCategories := make([]string, 0, len(rec.Verdicts))
	for category := range rec.Verdicts {
		verdictCategories = append(verdictCategories, category)
	}
	sort.Strings(verdictCategories)

	reinforceTarget := primary
	for _, raw := range verdictCategories {
		category := primary
		if raw != domain.PrimaryCategory {
			if category, err = canonical(raw); err != nil {
				return feedbackPlan{}, err
			}
		}
		touch(category)
		counters := p.counters[category]
		switch rec.Verdicts[raw] {
		case domain.VerdictConfirm:
			p.deltas[category] += r.policy.ConfirmDelta
			counters.Approvals++
			p.approved = append(p.approved, category)
			if reinforceTarget == primary && category != primary {
				reinforceTarget = category
			}
			if category == primary {
				p.doc.Approvals++
			}
		case domain.VerdictReject:
			p.deltas[category] += r.policy.RejectDelta
			counters.Rejections++
			p.rejected = append(p.rejected, category)
			if category == primary {
				p.doc.Rejections++
			}
		}
		p.counters[category] = counters
	}
	if containsString(p.approved, primary) {
		reinforceTarget = primary
	}

	if rec.Reanalysis {
		touch(primary)
		if r.knowledge.DocumentFeedback(record.DocumentID).ReanalysisRequests > 0 {
			p.deltas[primary] += r.policy.RepeatedReanalysisDelta
		}
		counters := p.counters[primary]
		counters.ReanalysisRequests++
		p.counters[primary] = counters
		p.doc.ReanalysisRequests++
		p.reanalysis = true
	}
	if rec.ConfidenceDelta != 0 {
		touch(primary)
		p.deltas[primary] += rec.ConfidenceDelta
	}
	for _, category := range p.categories {
		p.deltas[category] = r.policy.clamp(p.deltas[category])
	}

	if words := nonEmpty(rec.Reinforce); len(words) > 0 {
		p.keywords = append(p.keywords, domain.KeywordAdjustment{Category: reinforceTarget, Keywords: words, Direction: domain.DirectionUp})
	}
	if words := nonEmpty(rec.Suppress); len(words) > 0 {
		p.keywords = append(p.keywords, domain.KeywordAdjustment{Category: primary, Keywords: words, Direction: domain.DirectionDown})
	}
	p.keywords = r.boundKeywords(rec.Key, p)

	evidenceCategories := make([]string, 0, len(rec.Evidence))
	for category := range rec.Evidence {
		evidenceCategories = append(evidenceCategories, category)
	}
	sort.Strings(evidenceCategories)
	for _, raw := range evidenceCategories {
		category, err := canonical(raw)
		if err != nil {
			return feedbackPlan{}, err
		}
		if excerpts := nonEmpty(rec.Evidence[raw]); len(excerpts) > 0 {
			p.evidence[category] = append(p.evidence[category], excerpts...)
		}
	}
	return p, nil
}

// boundKeywords trims keyword adjustments until, on the reviewed document, the heuristic
// shift plus the bias change of each category stays within the per-event cap.
func (r *FeedbackReconciler) boundKeywords(key string, p feedbackPlan) []domain.KeywordAdjustment {
	w := r.policy.Weights
	terms := p.record.Terms
	accepted := make([]domain.KeywordAdjustment, 0, len(p.keywords))
	for _, adj := range p.keywords {
		base := r.knowledge.KeywordCoverage(adj.Category, terms)
		fits := func(n int) bool {
			trial := append(append([]domain.KeywordAdjustment{}, accepted...), domain.KeywordAdjustment{
				Category:  adj.Category,
				Keywords:  adj.Keywords[:n],
				Direction: adj.Direction,
			})
			heuristic := r.knowledge.KeywordCoverage(adj.Category, terms, trial...) - base
			return r.policy.within(w.Heuristic*heuristic + w.Knowledge*p.deltas[adj.Category])
		}

		n := len(adj.Keywords)
		for n > 0 && !fits(n) {
			n--
		}
		if n < len(adj.Keywords) {
			slog.Info("feedback_keywords_trimmed", "key", key, "category", adj.Category,
				"direction", adj.Direction.String(), "requested", len(adj.Keywords), "kept", n)
		}
		if n == 0 {
			continue
		}
		adj.Keywords = adj.Keywords[:n]
		accepted = append(accepted, adj)
	}
	return accepted
}

func (r *FeedbackReconciler) execute(ctx context.Context, rec domain.FeedbackRecord, plan feedbackPlan, app *domain.FeedbackApplication) error {
	var errs []error

	for _, category := range plan.categories {
		applied, err := r.knowledge.AdjustBias(ctx, category, plan.deltas[category], plan.counters[category])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		app.BiasChanges[category] = applied
	}

	for _, adj := range plan.keywords {
		if _, err := r.knowledge.Reinforce(ctx, adj.Category, adj.Keywords, adj.Direction); err != nil {
			errs = append(errs, err)
		}
	}

	app.EvidenceAdded = 0
	for category, excerpts := range plan.evidence {
		for _, excerpt := range excerpts {
			added, err := r.knowledge.AddReferenceExcerpt(ctx, category, excerpt)
			switch {
			case domain.IsKind(err, domain.ErrInvalidInput):
				slog.Warn("feedback_evidence_skipped", "key", rec.Key, "category", category, "error", err)
			case err != nil:
				errs = append(errs, err)
			case added:
				app.EvidenceAdded++
			}
		}
	}

	if plan.doc.Approvals+plan.doc.Rejections+plan.doc.ReanalysisRequests > 0 {
		if err := r.knowledge.NoteDocumentFeedback(ctx, plan.doc); err != nil {
			errs = append(errs, err)
		}
	}

	if plan.reanalysis {
		_, err := r.knowledge.MarkForReanalysis(ctx, domain.ReanalysisMarker{
			DocumentID:  plan.record.DocumentID,
			SourceName:  plan.record.SourceName,
			Category:    plan.record.Category,
			FeedbackKey: rec.Key,
			RequestedAt: r.now(),
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

type FeedbackCycleReport struct {
	Applied        int `json:"applied"`
	AlreadyApplied int `json:"already_applied"`
	Rejected       int `json:"rejected"`
	Deferred       int `json:"deferred"`
	// Partial counts applied files whose mutations did not all land. They are archived anyway.
	Partial int `json:"partial"`
}

// FeedbackCycle drains the feedback inbox on its own polling cycle.
type FeedbackCycle struct {
	inbox      ports.FeedbackInbox
	reconciler *FeedbackReconciler
	events     eventEmitter
	observer   PipelineObserver
}

func NewFeedbackCycle(inbox ports.FeedbackInbox, reconciler *FeedbackReconciler, notifier ports.Notifier, observer PipelineObserver) *FeedbackCycle {
	if observer == nil {
		observer = nopObserver{}
	}
	return &FeedbackCycle{
		inbox:      inbox,
		reconciler: reconciler,
		events:     newEventEmitter(notifier, 0),
		observer:   observer,
	}
}

// RunOnce applies every pending feedback file. Applied files are archived under their
// category, malformed ones are rejected with a reason, and files that hit a transient
// failure stay in the inbox for the next cycle.
func (c *FeedbackCycle) RunOnce(ctx context.Context) (FeedbackCycleReport, error) {
	var report FeedbackCycleReport
	envelopes, err := c.inbox.Pending(ctx)
	if err != nil {
		return report, fmt.Errorf("list pending feedback: %w", err)
	}

	for _, env := range envelopes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if env.Err != nil || env.Record == nil {
			c.reject(ctx, env, "parse_error", env.Err)
			report.Rejected++
			continue
		}

		rec := *env.Record
		if rec.Key == "" {
			rec.Key = env.Key
		}
		app, err := c.reconciler.Apply(ctx, rec)
		var partial error
		if err != nil {
			if reason := domain.RejectionReason(err); reason != "" {
				c.reject(ctx, env, reason, err)
				report.Rejected++
				continue
			}
			if app.Key == "" {
				report.Deferred++
				c.observer.FeedbackProcessed("deferred")
				slog.Warn("feedback_deferred", "file", env.Name, "error", err)
				continue
			}
			// the key is claimed, so the file is done even though some changes failed
			partial = err
		}

		if err := c.inbox.Archive(ctx, env, app.Category); err != nil {
			slog.Error("feedback_archive_failed", "file", env.Name, "error", err)
		}
		if app.AlreadyApplied {
			report.AlreadyApplied++
			c.observer.FeedbackProcessed("already_applied")
			slog.Info("feedback_already_applied", "file", env.Name, "key", rec.Key)
			continue
		}
		report.Applied++
		result := "applied"
		if partial != nil {
			report.Partial++
			result = "partially_applied"
		}
		c.observer.FeedbackProcessed(result)
		payload := map[string]any{
			"key":          app.Key,
			"document_id":  app.DocumentID,
			"category":     app.Category,
			"approved":     app.Approved,
			"rejected":     app.Rejected,
			"bias_changes": app.BiasChanges,
			"evidence":     app.EvidenceAdded,
			"reanalysis":   app.ReanalysisMarked,
			"partial":      partial != nil,
		}
		if partial != nil {
			payload["error"] = partial.Error()
		}
		c.events.emit(ctx, domain.EventFeedbackApplied, payload)
		if partial != nil {
			slog.Warn("feedback_partially_applied", "file", env.Name, "key", app.Key, "document_id", app.DocumentID, "category", app.Category, "error", partial)
			continue
		}
		slog.Info("feedback_applied", "file", env.Name, "key", app.Key, "document_id", app.DocumentID, "category", app.Category)
	}
	return report, nil
}

func (c *FeedbackCycle) reject(ctx context.Context, env domain.FeedbackEnvelope, reason string, cause error) {
	detail := reason
	if cause != nil {
		detail = reason + ": " + cause.Error()
	}
	if err := c.inbox.Reject(ctx, env, detail); err != nil {
		slog.Error("feedback_reject_failed", "file", env.Name, "error", err)
	}
	c.observer.FeedbackProcessed("rejected")
	c.events.emit(ctx, domain.EventFeedbackRejected, map[string]any{
		"file":   env.Name,
		"key":    env.Key,
		"reason": reason,
		"error":  errorText(cause),
	})
	slog.Warn("feedback_rejected", "file", env.Name, "reason", reason, "error", cause)
}
