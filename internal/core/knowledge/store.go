// Package knowledge keeps the category arena: profiles addressed by stable id, the append-only
// classification history and reviewer feedback state. Readers get copies; every profile write
// goes through mutate, which serializes read-modify-persist per category.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/ports"
	"github.com/kirillkom/document-classifier/internal/core/textnorm"
)

type Options struct {
	// DedupeCutoff is the minimal normalized Levenshtein similarity for two names to merge.
	DedupeCutoff float64
	// ReinforceStep is the keyword weight change of one reinforcement.
	ReinforceStep float64
	// MaxReinforce caps keywords adjusted by one call.
	MaxReinforce int
	// AutoLearnConfidence is the composite confidence from which Record reinforces keywords.
	AutoLearnConfidence float64
	ProfileTermLimit    int
	// BiasLimit bounds the accumulated category bias in both directions.
	BiasLimit float64

	Now   func() time.Time
	NewID func() string
}

func DefaultOptions() Options {
	return Options{
		DedupeCutoff:        0.85,
		ReinforceStep:       0.1,
		MaxReinforce:        20,
		AutoLearnConfidence: 0.9,
		ProfileTermLimit:    300,
		BiasLimit:           0.5,
		Now:                 func() time.Time { return time.Now().UTC() },
		NewID:               uuid.NewString,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.DedupeCutoff <= 0 || o.DedupeCutoff > 1 {
		o.DedupeCutoff = def.DedupeCutoff
	}
	if o.ReinforceStep <= 0 {
		o.ReinforceStep = def.ReinforceStep
	}
	if o.MaxReinforce <= 0 {
		o.MaxReinforce = def.MaxReinforce
	}
	if o.AutoLearnConfidence <= 0 {
		o.AutoLearnConfidence = def.AutoLearnConfidence
	}
	if o.ProfileTermLimit <= 0 {
		o.ProfileTermLimit = def.ProfileTermLimit
	}
	if o.BiasLimit <= 0 {
		o.BiasLimit = def.BiasLimit
	}
	if o.Now == nil {
		o.Now = def.Now
	}
	if o.NewID == nil {
		o.NewID = def.NewID
	}
	return o
}

// errUnchanged lets a mutation skip persistence when it found nothing to do.
var errUnchanged = errors.New("profile unchanged")

type slot struct {
	// mu serializes writers of this category; profile itself is read under Store.mu.
	mu      sync.Mutex
	profile domain.CategoryProfile
}

type Store struct {
	repo      ports.KnowledgeRepository
	refs      ports.ReferenceLibrary
	extractor ports.TextExtractor
	opts      Options

	// createMu guards name resolution so two workers never create the same category twice.
	// Lock order: createMu, then slot.mu, then mu.
	createMu   sync.Mutex
	recordMu   sync.Mutex
	feedbackMu sync.Mutex

	mu          sync.RWMutex
	slots       map[string]*slot
	byKey       map[string]string
	history     map[string][]domain.ClassificationRecord
	byDoc       map[string]domain.ClassificationRecord
	docFeedback map[string]domain.DocumentFeedback
	pending     map[string]domain.ReanalysisMarker

	// unlearned holds recorded documents whose automatic reinforcement has not landed yet.
	unlearned map[string]domain.ClassificationRecord
}

func New(repo ports.KnowledgeRepository, refs ports.ReferenceLibrary, extractor ports.TextExtractor, opts Options) *Store {
	return &Store{
		repo:        repo,
		refs:        refs,
		extractor:   extractor,
		opts:        opts.withDefaults(),
		slots:       make(map[string]*slot),
		byKey:       make(map[string]string),
		history:     make(map[string][]domain.ClassificationRecord),
		byDoc:       make(map[string]domain.ClassificationRecord),
		docFeedback: make(map[string]domain.DocumentFeedback),
		pending:     make(map[string]domain.ReanalysisMarker),
		unlearned:   make(map[string]domain.ClassificationRecord),
	}
}

// Load replaces the in-memory arena with the repository contents.
func (s *Store) Load(ctx context.Context) error {
	profiles, err := s.repo.LoadProfiles(ctx)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "load category profiles", err)
	}
	records, err := s.repo.ListClassifications(ctx)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "load classification history", err)
	}
	feedback, err := s.repo.ListDocumentFeedback(ctx)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "load document feedback", err)
	}
	markers, err := s.repo.ListReanalysisMarkers(ctx)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "load reanalysis markers", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.slots = make(map[string]*slot, len(profiles))
	s.byKey = make(map[string]string, len(profiles))
	s.history = make(map[string][]domain.ClassificationRecord)
	s.byDoc = make(map[string]domain.ClassificationRecord, len(records))
	s.docFeedback = make(map[string]domain.DocumentFeedback, len(feedback))
	s.pending = make(map[string]domain.ReanalysisMarker, len(markers))
	s.unlearned = make(map[string]domain.ClassificationRecord)

	sort.Slice(profiles, func(i, j int) bool { return profiles[i].CreatedAt.Before(profiles[j].CreatedAt) })
	for _, p := range profiles {
		s.slots[p.ID] = &slot{profile: p.Clone()}
		s.indexLocked(p)
	}
	for _, rec := range records {
		s.addRecordLocked(rec)
	}
	for _, fb := range feedback {
		s.docFeedback[fb.DocumentID] = fb
	}
	for _, m := range markers {
		s.pending[m.DocumentID] = m
	}
	return nil
}

// indexLocked registers the canonical name and aliases of p. An alias never steals a key
// that already belongs to another category.
func (s *Store) indexLocked(p domain.CategoryProfile) {
	if key := textnorm.Key(p.Name); key != "" {
		s.byKey[key] = p.ID
	}
	for _, alias := range p.Aliases {
		key := textnorm.Key(alias)
		if key == "" {
			continue
		}
		if owner, ok := s.byKey[key]; ok && owner != p.ID {
			continue
		}
		s.byKey[key] = p.ID
	}
}

func (s *Store) addRecordLocked(rec domain.ClassificationRecord) {
	s.byDoc[rec.DocumentID] = rec
	id := rec.CategoryID
	if id == "" {
		id = s.byKey[textnorm.Key(rec.Category)]
	}
	if id == "" {
		return
	}
	s.history[id] = append(s.history[id], rec)
}

// mutate is the single write path for a category profile.
func (s *Store) mutate(ctx context.Context, id string, fn func(*domain.CategoryProfile) error) (domain.CategoryProfile, error) {
	s.mu.RLock()
	sl, ok := s.slots[id]
	s.mu.RUnlock()
	if !ok {
		return domain.CategoryProfile{}, domain.WrapError(domain.ErrCategoryNotFound, "mutate category", fmt.Errorf("id %q", id))
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	s.mu.RLock()
	next := sl.profile.Clone()
	s.mu.RUnlock()

	if err := fn(&next); err != nil {
		if errors.Is(err, errUnchanged) {
			return next, nil
		}
		return domain.CategoryProfile{}, err
	}
	next.UpdatedAt = s.opts.Now()
	if err := s.repo.SaveProfile(ctx, next); err != nil {
		return domain.CategoryProfile{}, domain.WrapError(domain.ErrPersistence, "save category profile", err)
	}

	s.mu.Lock()
	sl.profile = next
	s.indexLocked(next)
	s.mu.Unlock()
	return next.Clone(), nil
}

// Profile returns a copy of the category with id.
func (s *Store) Profile(id string) (domain.CategoryProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	if !ok {
		return domain.CategoryProfile{}, false
	}
	return sl.profile.Clone(), true
}

// Categories returns copies of all profiles ordered by name.
func (s *Store) Categories() []domain.CategoryProfile {
	s.mu.RLock()
	out := make([]domain.CategoryProfile, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, sl.profile.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) CategoryNames() []string {
	profiles := s.Categories()
	out := make([]string, len(profiles))
	for i, p := range profiles {
		out[i] = p.Name
	}
	return out
}

// KeywordIndex maps canonical category names to their keyword weights.
func (s *Store) KeywordIndex() map[string]map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]float64, len(s.slots))
	for _, sl := range s.slots {
		weights := make(map[string]float64, len(sl.profile.Keywords))
		for kw, w := range sl.profile.Keywords {
			weights[kw] = w
		}
		out[sl.profile.Name] = weights
	}
	return out
}

// Hints lists the heaviest keywords per category for the model prompt.
func (s *Store) Hints(perCategory int) map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.slots))
	for _, sl := range s.slots {
		if top := textnorm.TopTerms(sl.profile.Keywords, perCategory); len(top) > 0 {
			out[sl.profile.Name] = top
		}
	}
	return out
}
