package domain

import (
	"testing"
	"time"
)

func TestJobAdvanceRecordsTimeline(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	job := NewJob("job-1", "/data/processing/a.txt", 10, start)

	closed, err := job.Advance(StageExtracting, start.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if closed.Stage != StageQueued || closed.Duration != 2*time.Second {
		t.Fatalf("unexpected closed record: %+v", closed)
	}
	if job.Status != JobProcessing {
		t.Fatalf("expected processing status, got %s", job.Status)
	}
	if job.SourceName != "a.txt" {
		t.Fatalf("expected source name a.txt, got %q", job.SourceName)
	}
}

func TestJobAdvanceRejectsSkippingStages(t *testing.T) {
	job := NewJob("job-1", "a.txt", 1, time.Now())
	if _, err := job.Advance(StageClassifying, time.Now()); !IsKind(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestJobCanDeadLetterFromAnyActiveStage(t *testing.T) {
	now := time.Now()
	job := NewJob("job-1", "a.txt", 1, now)
	_, _ = job.Advance(StageExtracting, now)
	if _, err := job.Advance(StageDeadLettered, now); err != nil {
		t.Fatalf("Advance(dead_lettered) error = %v", err)
	}
	if job.Status != JobFailed {
		t.Fatalf("expected failed status, got %s", job.Status)
	}
	if _, err := job.Advance(StageDeadLettered, now); !IsKind(err, ErrInvalidTransition) {
		t.Fatalf("terminal stage must not transition again, got %v", err)
	}
}

func TestJobRequeueAfterReturn(t *testing.T) {
	now := time.Now()
	job := NewJob("job-1", "a.txt", 1, now)
	_, _ = job.Advance(StageExtracting, now)
	_, _ = job.Advance(StageClassifying, now)
	_, _ = job.Advance(StageReturnedToIntake, now)

	if err := job.Requeue(now); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if job.Stage != StageQueued || job.Status != JobQueued {
		t.Fatalf("expected queued job, got stage=%s status=%s", job.Stage, job.Status)
	}
	if job.IntakeAttempts != 1 {
		t.Fatalf("expected 1 intake attempt, got %d", job.IntakeAttempts)
	}
}
