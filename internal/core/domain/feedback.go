package domain

import "time"

type Verdict string

const (
	VerdictConfirm Verdict = "confirm"
	VerdictReject  Verdict = "reject"
)

// PrimaryCategory as a Verdicts key stands for the category the document was filed under,
// for feedback forms that only say whether the classification was right.
const PrimaryCategory = "@primary"

type FeedbackRecord struct {
	Key             string              `json:"key"`
	DocumentRef     string              `json:"document"`
	Verdicts        map[string]Verdict  `json:"verdicts"`
	Evidence        map[string][]string `json:"evidence"`
	Reinforce       []string            `json:"reinforce"`
	Suppress        []string            `json:"suppress"`
	ConfidenceDelta float64             `json:"confidence_delta"`
	Reanalysis      bool                `json:"reanalysis"`
	Reviewer        string              `json:"reviewer,omitempty"`
	Notes           string              `json:"notes,omitempty"`
	ReceivedAt      time.Time           `json:"received_at"`
}

// Actionable reports whether the record asks for at least one mutation.
func (r FeedbackRecord) Actionable() bool {
	return len(r.Verdicts) > 0 ||
		len(r.Evidence) > 0 ||
		len(r.Reinforce) > 0 ||
		len(r.Suppress) > 0 ||
		r.ConfidenceDelta != 0 ||
		r.Reanalysis
}

type KeywordAdjustment struct {
	Category  string    `json:"category"`
	Keywords  []string  `json:"keywords"`
	Direction Direction `json:"direction"`
}

// FeedbackApplication is the persisted summary of one applied feedback record.
// Its Key doubles as the idempotency marker.
type FeedbackApplication struct {
	Key              string              `json:"key"`
	DocumentID       string              `json:"document_id"`
	Category         string              `json:"category"`
	Approved         []string            `json:"approved"`
	Rejected         []string            `json:"rejected"`
	BiasChanges      map[string]float64  `json:"bias_changes"`
	Keywords         []KeywordAdjustment `json:"keywords"`
	EvidenceAdded    int                 `json:"evidence_added"`
	ReanalysisMarked bool                `json:"reanalysis_marked"`
	AlreadyApplied   bool                `json:"already_applied,omitempty"`
	AppliedAt        time.Time           `json:"applied_at"`
}

// FeedbackEnvelope is one pending feedback artifact as read from the inbox.
type FeedbackEnvelope struct {
	Key    string
	Name   string
	Record *FeedbackRecord
	Err    error
}

// DocumentFeedback accumulates reviewer verdicts for one classified document.
type DocumentFeedback struct {
	DocumentID         string    `json:"document_id"`
	Approvals          int       `json:"approvals"`
	Rejections         int       `json:"rejections"`
	ReanalysisRequests int       `json:"reanalysis_requests"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (d DocumentFeedback) Add(other DocumentFeedback) DocumentFeedback {
	d.Approvals += other.Approvals
	d.Rejections += other.Rejections
	d.ReanalysisRequests += other.ReanalysisRequests
	if other.UpdatedAt.After(d.UpdatedAt) {
		d.UpdatedAt = other.UpdatedAt
	}
	return d
}

// Modifier scales how much a past classification counts as evidence for its category.
// Documents without feedback keep a neutral 0.5.
func (d DocumentFeedback) Modifier() float64 {
	total := d.Approvals + d.Rejections
	m := float64(d.Approvals+1) / float64(total+2)
	if m < 0.25 {
		m = 0.25
	}
	if d.ReanalysisRequests > 0 {
		m *= 0.6
	}
	if d.Rejections > 0 && d.Approvals == 0 {
		m *= 0.5
	}
	return m
}

// ReanalysisMarker is a sticky request to run an archived document through the pipeline again.
type ReanalysisMarker struct {
	DocumentID  string    `json:"document_id"`
	SourceName  string    `json:"source_name"`
	Category    string    `json:"category"`
	FeedbackKey string    `json:"feedback_key"`
	RequestedAt time.Time `json:"requested_at"`
}
