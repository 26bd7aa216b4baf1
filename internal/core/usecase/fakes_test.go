package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/knowledge"
	"github.com/kirillkom/document-classifier/internal/infrastructure/repository/memory"
)

type llmStep struct {
	resp  domain.LLMResponse
	err   error
	block bool
}

type llmFake struct {
	mu       sync.Mutex
	steps    []llmStep
	requests []domain.LLMRequest
}

func (f *llmFake) Classify(ctx context.Context, req domain.LLMRequest) (domain.LLMResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	idx := len(f.requests) - 1
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	step := f.steps[idx]
	f.mu.Unlock()

	if step.block {
		<-ctx.Done()
		return domain.LLMResponse{}, ctx.Err()
	}
	return step.resp, step.err
}

func (f *llmFake) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func answer(category string, confidence float64) llmStep {
	return llmStep{resp: domain.LLMResponse{
		Category:   category,
		Confidence: domain.ConfidenceValue{Kind: domain.ConfidenceFraction, Value: confidence},
		Rationale:  "test answer",
	}}
}

type extractorFake struct {
	text  string
	err   error
	panic bool
}

func (f *extractorFake) Extract(context.Context, string) (string, error) {
	if f.panic {
		panic("extractor exploded")
	}
	return f.text, f.err
}

type packagerFake struct {
	err   error
	calls int
}

func (f *packagerFake) Package(_ context.Context, job *domain.Job, result domain.ClassificationResult) (domain.Artifact, error) {
	f.calls++
	if f.err != nil {
		return domain.Artifact{}, f.err
	}
	return domain.Artifact{Path: "artifacts/" + job.ID + ".zip", Category: result.PrimaryCategory, CreatedAt: time.Now()}, nil
}

type workspaceFake struct {
	mu          sync.Mutex
	intake      []string
	claimErr    map[string]error
	returned    []string
	deadLetters []domain.DeadLetterRecord
	archived    []string
	restored    []string
	restoreErr  error
	archiveErr  error
}

func (f *workspaceFake) PendingIntake(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.intake...), nil
}

func (f *workspaceFake) Claim(_ context.Context, name string) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.claimErr[name]; err != nil {
		return "", 0, err
	}
	for i, n := range f.intake {
		if n == name {
			f.intake = append(f.intake[:i], f.intake[i+1:]...)
			return "processing/" + name, 42, nil
		}
	}
	return "", 0, domain.WrapError(domain.ErrDocumentNotFound, "claim", fmt.Errorf("%s", name))
}

func (f *workspaceFake) ReturnToIntake(_ context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returned = append(f.returned, job.SourceName)
	f.intake = append(f.intake, job.SourceName)
	return nil
}

func (f *workspaceFake) DeadLetter(_ context.Context, _ *domain.Job, record domain.DeadLetterRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, record)
	return nil
}

func (f *workspaceFake) Archive(_ context.Context, job *domain.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.archiveErr != nil {
		return "", f.archiveErr
	}
	f.archived = append(f.archived, job.SourceName)
	return "processed/" + job.ID + "/" + job.SourceName, nil
}

func (f *workspaceFake) Restore(_ context.Context, documentID, sourceName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return "", f.restoreErr
	}
	f.restored = append(f.restored, documentID)
	return "reanalysis_" + sourceName, nil
}

func (f *workspaceFake) RecoverInFlight(context.Context) ([]string, error) { return nil, nil }

func (f *workspaceFake) ListDeadLetters(context.Context) ([]domain.DeadLetterRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DeadLetterRecord(nil), f.deadLetters...), nil
}

type notifiedEvent struct {
	kind    domain.EventKind
	payload map[string]any
}

type notifierFake struct {
	mu     sync.Mutex
	events []notifiedEvent
	err    error
}

func (f *notifierFake) Notify(_ context.Context, kind domain.EventKind, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, notifiedEvent{kind: kind, payload: payload})
	return f.err
}

func (f *notifierFake) count(kind domain.EventKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

type flakyRepo struct {
	*memory.Repository
	appendErr   error
	appendCalls int
	// saveFailures fails that many SaveProfile calls before delegating.
	saveFailures int
	saveCalls    int
}

func (r *flakyRepo) SaveProfile(ctx context.Context, p domain.CategoryProfile) error {
	r.saveCalls++
	if r.saveFailures > 0 {
		r.saveFailures--
		return errBoom
	}
	return r.Repository.SaveProfile(ctx, p)
}

func (r *flakyRepo) AppendClassification(ctx context.Context, rec domain.ClassificationRecord) error {
	r.appendCalls++
	if r.appendErr != nil {
		return r.appendErr
	}
	return r.Repository.AppendClassification(ctx, rec)
}

func newKnowledge(t *testing.T, seeds ...domain.CategorySeed) (*knowledge.Store, *flakyRepo) {
	t.Helper()
	repo := &flakyRepo{Repository: memory.NewRepository()}
	store := knowledge.New(repo, nil, nil, knowledge.DefaultOptions())
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := store.Provision(context.Background(), seeds); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	return store, repo
}

var errBoom = errors.New("boom")
