package domain

import (
	"fmt"
	"path/filepath"
	"time"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
)

type Stage string

const (
	StageQueued            Stage = "queued"
	StageExtracting        Stage = "extracting"
	StageClassifying       Stage = "classifying"
	StageValidating        Stage = "validating"
	StageRefining          Stage = "refining"
	StageResolvingCategory Stage = "resolving_category"
	StagePackaging         Stage = "packaging"
	StageFinalized         Stage = "finalized"
	StageReturnedToIntake  Stage = "returned_to_intake"
	StageDeadLettered      Stage = "dead_lettered"
)

// Terminal reports whether a job run ends in s.
func (s Stage) Terminal() bool {
	return s == StageFinalized || s == StageReturnedToIntake || s == StageDeadLettered
}

var stageGraph = map[Stage][]Stage{
	StageQueued:            {StageExtracting},
	StageExtracting:        {StageClassifying},
	StageClassifying:       {StageValidating, StageReturnedToIntake},
	StageValidating:        {StageRefining, StageReturnedToIntake},
	StageRefining:          {StageResolvingCategory},
	StageResolvingCategory: {StagePackaging},
	StagePackaging:         {StageFinalized},
	StageReturnedToIntake:  {StageQueued},
}

// CanTransition reports whether from -> to is part of the processing state machine.
// Every non-terminal stage may fall into dead_lettered.
func CanTransition(from, to Stage) bool {
	if to == StageDeadLettered {
		return !from.Terminal()
	}
	for _, next := range stageGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Dead-letter reasons.
const (
	ReasonInsufficientText     = "insufficient_text"
	ReasonExtractionFailed     = "extraction_failed"
	ReasonLLMMalformedResponse = "llm_malformed_response"
	ReasonPersistenceFailed    = "persistence_failed"
	ReasonPackagingFailed      = "packaging_failed"
	ReasonInternalError        = "internal_error"
	ReasonRetriesExhausted     = "retries_exhausted"
	ReasonLLMUnavailable       = "llm_unavailable"
)

type StageRecord struct {
	Stage     Stage         `json:"stage"`
	EnteredAt time.Time     `json:"entered_at"`
	Duration  time.Duration `json:"duration_ns"`
}

type Job struct {
	ID             string        `json:"id"`
	SourcePath     string        `json:"source_path"`
	SourceName     string        `json:"source_name"`
	Text           string        `json:"-"`
	SizeBytes      int64         `json:"size_bytes"`
	Stage          Stage         `json:"stage"`
	Status         JobStatus     `json:"status"`
	Timeline       []StageRecord `json:"timeline"`
	IntakeAttempts int           `json:"intake_attempts"`
	AdmittedAt     time.Time     `json:"admitted_at"`
}

func NewJob(id, sourcePath string, size int64, now time.Time) *Job {
	return &Job{
		ID:         id,
		SourcePath: sourcePath,
		SourceName: filepath.Base(sourcePath),
		SizeBytes:  size,
		Stage:      StageQueued,
		Status:     JobQueued,
		Timeline:   []StageRecord{{Stage: StageQueued, EnteredAt: now}},
		AdmittedAt: now,
	}
}

// Advance moves the job to the next stage, closing the current timeline entry.
// It returns the closed entry so callers can report its duration.
func (j *Job) Advance(to Stage, now time.Time) (StageRecord, error) {
	if !CanTransition(j.Stage, to) {
		return StageRecord{}, WrapError(ErrInvalidTransition, "advance job", fmt.Errorf("%s -> %s", j.Stage, to))
	}

	closed := StageRecord{Stage: j.Stage}
	if n := len(j.Timeline); n > 0 {
		last := &j.Timeline[n-1]
		last.Duration = now.Sub(last.EnteredAt)
		if last.Duration < 0 {
			last.Duration = 0
		}
		closed = *last
	}

	j.Timeline = append(j.Timeline, StageRecord{Stage: to, EnteredAt: now})
	j.Stage = to
	j.Status = statusFor(to)
	return closed, nil
}

// Requeue is the only way out of returned_to_intake: the job waits in queued for re-admission.
func (j *Job) Requeue(now time.Time) error {
	if _, err := j.Advance(StageQueued, now); err != nil {
		return err
	}
	j.IntakeAttempts++
	j.Text = ""
	return nil
}

// Durations lists completed stage durations in order.
func (j *Job) Durations() []StageRecord {
	out := make([]StageRecord, 0, len(j.Timeline))
	for i, rec := range j.Timeline {
		if i == len(j.Timeline)-1 && !rec.Stage.Terminal() {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func statusFor(stage Stage) JobStatus {
	switch stage {
	case StageQueued, StageReturnedToIntake:
		return JobQueued
	case StageFinalized:
		return JobSucceeded
	case StageDeadLettered:
		return JobFailed
	default:
		return JobProcessing
	}
}

// Outcome is what one pipeline run produces for one job.
type Outcome struct {
	JobID    string                `json:"job_id"`
	Terminal Stage                 `json:"terminal"`
	Reason   string                `json:"reason,omitempty"`
	Err      error                 `json:"-"`
	Result   *ClassificationResult `json:"result,omitempty"`
	Artifact *Artifact             `json:"artifact,omitempty"`
	Elapsed  time.Duration         `json:"elapsed_ns"`
}

type Artifact struct {
	Path      string    `json:"path"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

type DeadLetterRecord struct {
	JobID       string        `json:"job_id"`
	SourceName  string        `json:"source_name"`
	Reason      string        `json:"reason"`
	Error       string        `json:"error,omitempty"`
	FailedStage Stage         `json:"failed_stage"`
	Timeline    []StageRecord `json:"timeline"`
	At          time.Time     `json:"at"`
}

// Submission acknowledges a file placed into a watched folder.
type Submission struct {
	Name        string    `json:"name"`
	StoredAs    string    `json:"stored_as"`
	SizeBytes   int64     `json:"size_bytes"`
	SubmittedAt time.Time `json:"submitted_at"`
}
