package domain

import (
	"maps"
	"time"
)

type FeedbackCounters struct {
	Approvals          int `json:"approvals"`
	Rejections         int `json:"rejections"`
	ReanalysisRequests int `json:"reanalysis_requests"`
}

func (c FeedbackCounters) Add(other FeedbackCounters) FeedbackCounters {
	return FeedbackCounters{
		Approvals:          c.Approvals + other.Approvals,
		Rejections:         c.Rejections + other.Rejections,
		ReanalysisRequests: c.ReanalysisRequests + other.ReanalysisRequests,
	}
}

type ReferenceFingerprint struct {
	Hash      string             `json:"hash"`
	Source    string             `json:"source"`
	Terms     map[string]float64 `json:"terms"`
	ScannedAt time.Time          `json:"scanned_at"`
}

type CategoryProfile struct {
	ID          string                          `json:"id"`
	Name        string                          `json:"name"`
	Aliases     []string                        `json:"aliases"`
	Keywords    map[string]float64              `json:"keywords"`
	TermProfile map[string]float64              `json:"term_profile"`
	References  map[string]ReferenceFingerprint `json:"references"`
	Counters    FeedbackCounters                `json:"counters"`
	Bias        float64                         `json:"bias"`
	CreatedAt   time.Time                       `json:"created_at"`
	UpdatedAt   time.Time                       `json:"updated_at"`
}

func NewCategoryProfile(id, name string, now time.Time) CategoryProfile {
	return CategoryProfile{
		ID:          id,
		Name:        name,
		Aliases:     []string{},
		Keywords:    map[string]float64{},
		TermProfile: map[string]float64{},
		References:  map[string]ReferenceFingerprint{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy so callers can mutate it without touching the arena.
func (p CategoryProfile) Clone() CategoryProfile {
	out := p
	out.Aliases = append([]string{}, p.Aliases...)
	out.Keywords = cloneWeights(p.Keywords)
	out.TermProfile = cloneWeights(p.TermProfile)
	out.References = make(map[string]ReferenceFingerprint, len(p.References))
	for hash, ref := range p.References {
		ref.Terms = cloneWeights(ref.Terms)
		out.References[hash] = ref
	}
	return out
}

func cloneWeights(in map[string]float64) map[string]float64 {
	if in == nil {
		return map[string]float64{}
	}
	return maps.Clone(in)
}

// CategorySeed provisions a category manually (taxonomy seed file, reference folder).
type CategorySeed struct {
	Name     string             `yaml:"name" json:"name"`
	Aliases  []string           `yaml:"aliases" json:"aliases"`
	Keywords map[string]float64 `yaml:"keywords" json:"keywords"`
}

// ReferenceDocument is a file under a category reference folder.
type ReferenceDocument struct {
	Category string
	Path     string
	Hash     string
}

// Direction of a keyword weight adjustment.
type Direction int

const (
	DirectionUp Direction = iota + 1
	DirectionDown
)

func (d Direction) String() string {
	if d == DirectionDown {
		return "down"
	}
	return "up"
}
