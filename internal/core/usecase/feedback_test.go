package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/knowledge"
)

func newFeedbackStore(t *testing.T) *knowledge.Store {
	t.Helper()
	store, _ := newKnowledge(t,
		domain.CategorySeed{Name: "Financeiro", Keywords: map[string]float64{"boleto": 0.5}},
		domain.CategorySeed{Name: "Juridico", Keywords: map[string]float64{"contrato": 0.5}},
	)
	profile, ok := store.MatchCategory("Financeiro")
	if !ok {
		t.Fatalf("seeded category missing")
	}
	err := store.Record(context.Background(), domain.ClassificationRecord{
		DocumentID: "doc-1",
		SourceName: "fatura.pdf",
		Category:   "Financeiro",
		CategoryID: profile.ID,
		Confidence: 0.7,
		Terms:      map[string]float64{"boleto": 1},
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	return store
}

func bias(t *testing.T, store *knowledge.Store, category string) float64 {
	t.Helper()
	profile, ok := store.MatchCategory(category)
	if !ok {
		t.Fatalf("category %q missing", category)
	}
	return profile.Bias
}

func TestFeedbackConfirmIsAppliedOnce(t *testing.T) {
	store := newFeedbackStore(t)
	r := NewFeedbackReconciler(store, DefaultFeedbackPolicy())
	rec := domain.FeedbackRecord{
		Key:         "fb-1",
		DocumentRef: "doc-1",
		Verdicts:    map[string]domain.Verdict{"financeiro": domain.VerdictConfirm},
	}

	app, err := r.Apply(context.Background(), rec)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if app.AlreadyApplied || math.Abs(app.BiasChanges["Financeiro"]-0.02) > 1e-9 {
		t.Fatalf("unexpected application: %+v", app)
	}

	again, err := r.Apply(context.Background(), rec)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if !again.AlreadyApplied {
		t.Fatalf("same key must be reported as already applied")
	}
	if got := bias(t, store, "Financeiro"); math.Abs(got-0.02) > 1e-9 {
		t.Fatalf("bias = %v, want 0.02", got)
	}
	if got := store.DocumentFeedback("doc-1").Approvals; got != 1 {
		t.Fatalf("approvals = %d, want 1", got)
	}
}

func TestFeedbackBiasChangeIsCappedPerEvent(t *testing.T) {
	store := newFeedbackStore(t)
	r := NewFeedbackReconciler(store, DefaultFeedbackPolicy())
	for _, key := range []string{"fb-1", "fb-2"} {
		_, err := r.Apply(context.Background(), domain.FeedbackRecord{
			Key:             key,
			DocumentRef:     "fatura.pdf",
			Verdicts:        map[string]domain.Verdict{"Financeiro": domain.VerdictConfirm},
			ConfidenceDelta: 0.05,
		})
		if err != nil {
			t.Fatalf("Apply(%s) error = %v", key, err)
		}
	}
	if got := bias(t, store, "Financeiro"); math.Abs(got-0.06) > 1e-9 {
		t.Fatalf("bias = %v, want 0.06", got)
	}
}

func TestFeedbackRejectLowersBiasWithinCap(t *testing.T) {
	store := newFeedbackStore(t)
	r := NewFeedbackReconciler(store, DefaultFeedbackPolicy())
	app, err := r.Apply(context.Background(), domain.FeedbackRecord{
		Key:             "fb-1",
		DocumentRef:     "doc-1",
		Verdicts:        map[string]domain.Verdict{"Financeiro": domain.VerdictReject},
		ConfidenceDelta: -0.3,
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(app.Rejected) != 1 || app.Rejected[0] != "Financeiro" {
		t.Fatalf("unexpected rejected list: %v", app.Rejected)
	}
	if got := bias(t, store, "Financeiro"); math.Abs(got+0.05) > 1e-9 {
		t.Fatalf("bias = %v, want -0.05", got)
	}
	if got := store.DocumentFeedback("doc-1").Rejections; got != 1 {
		t.Fatalf("rejections = %d, want 1", got)
	}
}

func TestFeedbackReinforcesConfirmedAlternative(t *testing.T) {
	store := newFeedbackStore(t)
	r := NewFeedbackReconciler(store, DefaultFeedbackPolicy())
	_, err := r.Apply(context.Background(), domain.FeedbackRecord{
		Key:         "fb-1",
		DocumentRef: "doc-1",
		Verdicts: map[string]domain.Verdict{
			"Financeiro": domain.VerdictReject,
			"Juridico":   domain.VerdictConfirm,
		},
		Reinforce: []string{"Aditivo"},
		Suppress:  []string{"boleto"},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	juridico, _ := store.MatchCategory("Juridico")
	if juridico.Keywords["aditivo"] <= 0 {
		t.Fatalf("confirmed category must learn the keyword, got %v", juridico.Keywords)
	}
	financeiro, _ := store.MatchCategory("Financeiro")
	if financeiro.Keywords["boleto"] >= 0.5 {
		t.Fatalf("suppressed keyword must lose weight, got %v", financeiro.Keywords["boleto"])
	}
}

func TestFeedbackRepeatedReanalysisPenalizes(t *testing.T) {
	store := newFeedbackStore(t)
	r := NewFeedbackReconciler(store, DefaultFeedbackPolicy())
	for _, key := range []string{"fb-1", "fb-2"} {
		app, err := r.Apply(context.Background(), domain.FeedbackRecord{Key: key, DocumentRef: "doc-1", Reanalysis: true})
		if err != nil {
			t.Fatalf("Apply(%s) error = %v", key, err)
		}
		if !app.ReanalysisMarked {
			t.Fatalf("reanalysis must be marked")
		}
	}
	if got := bias(t, store, "Financeiro"); math.Abs(got+0.02) > 1e-9 {
		t.Fatalf("bias = %v, want -0.02 after the repeated request", got)
	}
	if got := store.DocumentFeedback("doc-1").ReanalysisRequests; got != 2 {
		t.Fatalf("reanalysis requests = %d, want 2", got)
	}
	if got := len(store.PendingReanalysis()); got != 1 {
		t.Fatalf("expected one sticky marker, got %d", got)
	}
}

func TestFeedbackEvidenceBecomesReference(t *testing.T) {
	store := newFeedbackStore(t)
	r := NewFeedbackReconciler(store, DefaultFeedbackPolicy())
	app, err := r.Apply(context.Background(), domain.FeedbackRecord{
		Key:         "fb-1",
		DocumentRef: "doc-1",
		Evidence: map[string][]string{
			"Financeiro": {"Boleto bancario referente a fatura de marco com vencimento dia dez.", "curto"},
		},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if app.EvidenceAdded != 1 {
		t.Fatalf("expected one accepted excerpt, got %d", app.EvidenceAdded)
	}
	profile, _ := store.MatchCategory("Financeiro")
	if len(profile.References) != 1 {
		t.Fatalf("expected one reference fingerprint, got %d", len(profile.References))
	}
}

func TestFeedbackRejectsInvalidRecords(t *testing.T) {
	store := newFeedbackStore(t)
	r := NewFeedbackReconciler(store, DefaultFeedbackPolicy())
	cases := []struct {
		rec    domain.FeedbackRecord
		reason string
	}{
		{domain.FeedbackRecord{DocumentRef: "doc-1", Reanalysis: true}, "missing_key"},
		{domain.FeedbackRecord{Key: "k", Reanalysis: true}, "missing_document"},
		{domain.FeedbackRecord{Key: "k", DocumentRef: "doc-1"}, "no_action"},
		{domain.FeedbackRecord{Key: "k", DocumentRef: "doc-1", Verdicts: map[string]domain.Verdict{"Financeiro": "maybe"}}, "invalid_verdict"},
		{domain.FeedbackRecord{Key: "k", DocumentRef: "nope", Reanalysis: true}, "unknown_document"},
		{domain.FeedbackRecord{Key: "k", DocumentRef: "doc-1", Verdicts: map[string]domain.Verdict{"Marketing": domain.VerdictConfirm}}, "unknown_category"},
	}
	for _, c := range cases {
		_, err := r.Apply(context.Background(), c.rec)
		if got := domain.RejectionReason(err); got != c.reason {
			t.Fatalf("reason = %q, want %q (err %v)", got, c.reason, err)
		}
		if !domain.IsKind(err, domain.ErrFeedbackMalformed) {
			t.Fatalf("expected ErrFeedbackMalformed, got %v", err)
		}
	}
	stored, err := store.FeedbackApplied(context.Background(), "k")
	if err != nil || stored != nil {
		t.Fatalf("rejected feedback must not be claimed, got %+v %v", stored, err)
	}
}

type inboxFake struct {
	envelopes []domain.FeedbackEnvelope
	archived  map[string]string
	rejected  map[string]string
}

func (f *inboxFake) Pending(context.Context) ([]domain.FeedbackEnvelope, error) {
	return f.envelopes, nil
}

func (f *inboxFake) Archive(_ context.Context, env domain.FeedbackEnvelope, category string) error {
	if f.archived == nil {
		f.archived = map[string]string{}
	}
	f.archived[env.Name] = category
	return nil
}

func (f *inboxFake) Reject(_ context.Context, env domain.FeedbackEnvelope, reason string) error {
	if f.rejected == nil {
		f.rejected = map[string]string{}
	}
	f.rejected[env.Name] = reason
	return nil
}

func TestFeedbackCycleArchivesAndRejects(t *testing.T) {
	store := newFeedbackStore(t)
	inbox := &inboxFake{envelopes: []domain.FeedbackEnvelope{
		{Key: "ok.json", Name: "ok.json", Record: &domain.FeedbackRecord{DocumentRef: "doc-1", Verdicts: map[string]domain.Verdict{"Financeiro": domain.VerdictConfirm}}},
		{Key: "broken.yaml", Name: "broken.yaml", Err: errors.New("yaml: line 3: did not find expected key")},
		{Key: "ghost.json", Name: "ghost.json", Record: &domain.FeedbackRecord{DocumentRef: "ghost", Reanalysis: true}},
		{Key: "ok.json", Name: "ok-copy.json", Record: &domain.FeedbackRecord{DocumentRef: "doc-1", Verdicts: map[string]domain.Verdict{"Financeiro": domain.VerdictConfirm}}},
	}}
	notifier := &notifierFake{}
	cycle := NewFeedbackCycle(inbox, NewFeedbackReconciler(store, DefaultFeedbackPolicy()), notifier, nil)

	report, err := cycle.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Applied != 1 || report.AlreadyApplied != 1 || report.Rejected != 2 || report.Deferred != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if inbox.archived["ok.json"] != "Financeiro" || inbox.archived["ok-copy.json"] != "Financeiro" {
		t.Fatalf("applied feedback must be archived under its category, got %v", inbox.archived)
	}
	if inbox.rejected["broken.yaml"] == "" || inbox.rejected["ghost.json"] == "" {
		t.Fatalf("malformed feedback must be rejected with a reason, got %v", inbox.rejected)
	}
	if notifier.count(domain.EventFeedbackApplied) != 1 || notifier.count(domain.EventFeedbackRejected) != 2 {
		t.Fatalf("unexpected events: %+v", notifier.events)
	}
}

func TestReanalysisPassRestoresMarkedDocuments(t *testing.T) {
	store := newFeedbackStore(t)
	r := NewFeedbackReconciler(store, DefaultFeedbackPolicy())
	if _, err := r.Apply(context.Background(), domain.FeedbackRecord{Key: "fb-1", DocumentRef: "doc-1", Reanalysis: true}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	ws := &workspaceFake{}
	notifier := &notifierFake{}

	restored, err := NewReanalysisPass(store, ws, notifier).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if restored != 1 || len(ws.restored) != 1 || ws.restored[0] != "doc-1" {
		t.Fatalf("expected doc-1 restored, got %d %v", restored, ws.restored)
	}
	if len(store.PendingReanalysis()) != 0 {
		t.Fatalf("marker must be cleared after restore")
	}
	if notifier.count(domain.EventReanalysisQueued) != 1 {
		t.Fatalf("expected reanalysis event")
	}
}

func TestReanalysisPassKeepsMarkerOnTransientFailure(t *testing.T) {
	store := newFeedbackStore(t)
	r := NewFeedbackReconciler(store, DefaultFeedbackPolicy())
	if _, err := r.Apply(context.Background(), domain.FeedbackRecord{Key: "fb-1", DocumentRef: "doc-1", Reanalysis: true}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	pass := NewReanalysisPass(store, &workspaceFake{restoreErr: errBoom}, nil)
	if restored, err := pass.RunOnce(context.Background()); err != nil || restored != 0 {
		t.Fatalf("RunOnce() = %d, %v", restored, err)
	}
	if len(store.PendingReanalysis()) != 1 {
		t.Fatalf("marker must survive a failed restore")
	}

	missing := NewReanalysisPass(store, &workspaceFake{restoreErr: domain.WrapError(domain.ErrDocumentNotFound, "restore", errBoom)}, nil)
	if _, err := missing.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(store.PendingReanalysis()) != 0 {
		t.Fatalf("marker of a vanished source must be cleared")
	}
}

func TestFeedbackPrimaryVerdictTargetsFiledCategory(t *testing.T) {
	store := newFeedbackStore(t)
	r := NewFeedbackReconciler(store, DefaultFeedbackPolicy())
	app, err := r.Apply(context.Background(), domain.FeedbackRecord{
		Key:         "fb-primary",
		DocumentRef: "fatura",
		Verdicts:    map[string]domain.Verdict{domain.PrimaryCategory: domain.VerdictReject},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(app.Rejected) != 1 || app.Rejected[0] != "Financeiro" {
		t.Fatalf("primary verdict must land on Financeiro, got %+v", app)
	}
	if got := store.DocumentFeedback("doc-1").Rejections; got != 1 {
		t.Fatalf("rejections = %d, want 1", got)
	}
}

func TestFeedbackKeywordChangesStayWithinEventCap(t *testing.T) {
	store, _ := newKnowledge(t, domain.CategorySeed{
		Name:     "Financeiro",
		Keywords: map[string]float64{"boleto": 1, "fatura": 1, "pagamento": 1},
	})
	profile, _ := store.MatchCategory("Financeiro")
	terms := map[string]float64{"boleto": 1, "fatura": 0.8, "pagamento": 0.6, "vencimento": 0.4}
	err := store.Record(context.Background(), domain.ClassificationRecord{
		DocumentID: "doc-9",
		SourceName: "fatura.txt",
		Category:   "Financeiro",
		CategoryID: profile.ID,
		Confidence: 0.7,
		Terms:      terms,
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	words := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		words = append(words, fmt.Sprintf("extra%c", 'a'+i))
	}
	policy := DefaultFeedbackPolicy()
	coverageBefore := store.KeywordCoverage("Financeiro", terms)
	biasBefore := bias(t, store, "Financeiro")

	app, err := NewFeedbackReconciler(store, policy).Apply(context.Background(), domain.FeedbackRecord{
		Key:         "fb-wide",
		DocumentRef: "doc-9",
		Verdicts:    map[string]domain.Verdict{"Financeiro": domain.VerdictConfirm},
		Reinforce:   words,
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	shift := policy.Weights.Heuristic*(store.KeywordCoverage("Financeiro", terms)-coverageBefore) +
		policy.Weights.Knowledge*(bias(t, store, "Financeiro")-biasBefore)
	if shift > policy.MaxIncrease+1e-9 || shift < policy.MaxDecrease-1e-9 {
		t.Fatalf("one event moved the composite by %.4f, outside [%v, %v]", shift, policy.MaxDecrease, policy.MaxIncrease)
	}
	if len(app.Keywords) != 1 || len(app.Keywords[0].Keywords) != 5 {
		t.Fatalf("expected the reinforcement trimmed to 5 words, got %+v", app.Keywords)
	}
	learned, _ := store.MatchCategory("Financeiro")
	if _, ok := learned.Keywords["extrae"]; !ok {
		t.Fatalf("kept words must be learned, got %v", learned.Keywords)
	}
	if _, ok := learned.Keywords["extraf"]; ok {
		t.Fatalf("trimmed words must not be learned, got %v", learned.Keywords)
	}
}

func TestFeedbackCycleFlagsPartiallyAppliedFiles(t *testing.T) {
	store, repo := newKnowledge(t, domain.CategorySeed{Name: "Financeiro", Keywords: map[string]float64{"boleto": 0.5}})
	profile, _ := store.MatchCategory("Financeiro")
	if err := store.Record(context.Background(), domain.ClassificationRecord{
		DocumentID: "doc-1", SourceName: "fatura.pdf", Category: "Financeiro", CategoryID: profile.ID,
		Confidence: 0.7, Terms: map[string]float64{"boleto": 1},
	}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	repo.saveFailures = 1

	inbox := &inboxFake{envelopes: []domain.FeedbackEnvelope{
		{Key: "ok.json", Name: "ok.json", Record: &domain.FeedbackRecord{DocumentRef: "doc-1", Verdicts: map[string]domain.Verdict{"Financeiro": domain.VerdictConfirm}}},
	}}
	notifier := &notifierFake{}
	report, err := NewFeedbackCycle(inbox, NewFeedbackReconciler(store, DefaultFeedbackPolicy()), notifier, nil).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Applied != 1 || report.Partial != 1 {
		t.Fatalf("expected one partially applied file, got %+v", report)
	}
	if inbox.archived["ok.json"] != "Financeiro" {
		t.Fatalf("claimed feedback is archived even when partial, got %v", inbox.archived)
	}
	if len(notifier.events) != 1 {
		t.Fatalf("expected one event, got %+v", notifier.events)
	}
	payload := notifier.events[0].payload
	if payload["partial"] != true || payload["error"] == nil {
		t.Fatalf("applied event must carry the partial failure, got %v", payload)
	}
	if got := store.DocumentFeedback("doc-1").Approvals; got != 1 {
		t.Fatalf("the remaining changes must still land, approvals = %d", got)
	}
}
