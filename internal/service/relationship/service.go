// Package relationship is the relationship store served by the dev relay. It
// owns the metric update rules applied when memories are recorded and keeps
// pairs in a Repository (in memory by default, or Redis).
package relationship

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/parley/internal/analysis/sentiment"
	"github.com/zhouzirui/parley/internal/metrics"
	"github.com/zhouzirui/parley/internal/model/persona"
	model "github.com/zhouzirui/parley/internal/model/relationship"
)

var (
	ErrPersonaNotFound     = errors.New("persona not found")
	ErrUserRequired        = errors.New("user id is required")
	ErrPreferencesRequired = errors.New("preferences are required")
	ErrRepository          = errors.New("relationship repository failure")
)

// Service keeps relationships and memories per persona/user pair.
type Service struct {
	personas persona.Store
	repo     Repository
	logger   zerolog.Logger
	now      func() time.Time

	// mu serialises read-modify-write cycles against the repository.
	mu sync.Mutex
}

// Option customises a Service.
type Option func(*Service)

// WithRepository replaces the default in-memory repository.
func WithRepository(repo Repository) Option {
	return func(s *Service) {
		if repo != nil {
			s.repo = repo
		}
	}
}

// NewService creates a store. A nil persona store accepts any persona.
func NewService(personas persona.Store, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		personas: personas,
		repo:     NewMemoryRepository(),
		logger:   logger.With().Str("component", "store").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultRecord is the relationship a user starts with.
func DefaultRecord(personaID, userID string) model.Record {
	return model.Record{
		PersonaID:            personaID,
		UserID:               userID,
		AffectionScore:       0.5,
		TrustScore:           0.5,
		RespectScore:         0.5,
		Phase:                model.PhaseStranger,
		ConversationTopics:   []string{},
		EmotionalConnections: []string{},
	}
}

func (s *Service) check(personaID, userID string) error {
	if userID == "" {
		return ErrUserRequired
	}
	if personaID == "" {
		return ErrPersonaNotFound
	}
	if s.personas != nil {
		if _, ok := s.personas.FindByID(personaID); !ok {
			return ErrPersonaNotFound
		}
	}
	return nil
}

func (s *Service) load(ctx context.Context, personaID, userID string) (Pair, bool, error) {
	p, ok, err := s.repo.Load(ctx, personaID, userID)
	if err != nil {
		return Pair{}, false, fmt.Errorf("%w: load: %v", ErrRepository, err)
	}
	return p, ok, nil
}

func (s *Service) save(ctx context.Context, personaID, userID string, p Pair) error {
	if err := s.repo.Save(ctx, personaID, userID, p); err != nil {
		return fmt.Errorf("%w: save: %v", ErrRepository, err)
	}
	return nil
}

// Ping reports whether the repository is reachable. Repositories without a
// Ping method are always healthy.
func (s *Service) Ping(ctx context.Context) error {
	pinger, ok := s.repo.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := pinger.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrRepository, err)
	}
	return nil
}

// GetRelationship returns the pair's record, or the default one when nothing
// has been recorded yet.
func (s *Service) GetRelationship(ctx context.Context, personaID, userID string) (model.Record, error) {
	if err := s.check(personaID, userID); err != nil {
		return model.Record{}, err
	}

	p, ok, err := s.load(ctx, personaID, userID)
	if err != nil {
		return model.Record{}, err
	}
	if !ok {
		return DefaultRecord(personaID, userID), nil
	}
	return p.Record, nil
}

// GetMemories returns the pair's memories, oldest first.
func (s *Service) GetMemories(ctx context.Context, personaID, userID string) ([]model.Memory, error) {
	if err := s.check(personaID, userID); err != nil {
		return nil, err
	}

	p, ok, err := s.load(ctx, personaID, userID)
	if err != nil {
		return nil, err
	}
	if !ok || p.Memories == nil {
		return []model.Memory{}, nil
	}
	return p.Memories, nil
}

// AddMemory stores a memory weighted by its sentiment and updates the
// relationship metrics.
func (s *Service) AddMemory(ctx context.Context, personaID, userID string, nm model.NewMemory) (model.Memory, error) {
	if err := s.check(personaID, userID); err != nil {
		return model.Memory{}, err
	}
	nm, err := nm.Normalize()
	if err != nil {
		return model.Memory{}, err
	}

	analysis := sentiment.Analyze(nm.Content)
	now := s.now().UTC()
	memory := model.Memory{
		ID:              ulid.Make().String(),
		PersonaID:       personaID,
		UserID:          userID,
		Type:            nm.Type,
		Content:         nm.Content,
		Tags:            model.DedupeTags(append(slices.Clone(nm.Tags), analysis.Tags()...)),
		Priority:        nm.Priority,
		EmotionalWeight: analysis.Weight,
		Timestamp:       now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok, err := s.load(ctx, personaID, userID)
	if err != nil {
		return model.Memory{}, err
	}
	if !ok {
		p = Pair{Record: DefaultRecord(personaID, userID), First: now}
	}
	p.Memories = append(p.Memories, memory)
	p.Record = ApplyMemory(p.Record, memory, nm.Tags, analysis.Label, p.First, now)
	if err := s.save(ctx, personaID, userID, p); err != nil {
		return model.Memory{}, err
	}

	metrics.MemoriesRecorded.WithLabelValues(string(memory.Type)).Inc()
	s.logger.Info().
		Str("persona", personaID).
		Str("user", userID).
		Str("memory_type", string(memory.Type)).
		Float64("weight", memory.EmotionalWeight).
		Str("phase", string(p.Record.Phase)).
		Msg("memory recorded")
	return memory, nil
}

// UpdatePreferences merges prefs into the pair's user preferences.
func (s *Service) UpdatePreferences(ctx context.Context, personaID, userID string, prefs map[string]any) error {
	if err := s.check(personaID, userID); err != nil {
		return err
	}
	if len(prefs) == 0 {
		return ErrPreferencesRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok, err := s.load(ctx, personaID, userID)
	if err != nil {
		return err
	}
	if !ok {
		p = Pair{Record: DefaultRecord(personaID, userID), First: s.now().UTC()}
	}
	merged := maps.Clone(p.Record.UserPreferences)
	if merged == nil {
		merged = make(map[string]any, len(prefs))
	}
	maps.Copy(merged, prefs)
	p.Record.UserPreferences = merged
	return s.save(ctx, personaID, userID, p)
}

// ApplyMemory returns rec updated for one new memory:
//
//   - every memory is a shared experience
//   - semantic memories raise familiarity by 0.05
//   - emotional weight above 1.5 raises trust by 0.1
//   - a positive tag or weight above 1.0 raises affection by 0.03
//   - the phase follows the shared experience count (>1, >5, >20, >50)
func ApplyMemory(rec model.Record, m model.Memory, topics []string, feeling sentiment.Label, first, now time.Time) model.Record {
	rec = cloneRecord(rec)

	if m.Type == model.MemorySemantic {
		rec.FamiliarityScore = math.Min(rec.FamiliarityScore+0.05, 1)
	}
	if m.EmotionalWeight > 1.5 {
		rec.TrustScore = math.Min(rec.TrustScore+0.1, 1)
	}
	if m.HasTag("positive") || m.EmotionalWeight > 1.0 {
		rec.AffectionScore = math.Min(rec.AffectionScore+0.03, 1)
	}

	rec.SharedExperiences++
	rec.LastInteraction = now
	days := math.Max(now.Sub(first).Hours()/24, 1)
	rec.InteractionFrequency = float64(rec.SharedExperiences) / days

	switch n := rec.SharedExperiences; {
	case n > 50:
		rec.Phase = model.PhaseIntimate
	case n > 20:
		rec.Phase = model.PhaseCloseFriend
	case n > 5:
		rec.Phase = model.PhaseFriend
	case n > 1:
		rec.Phase = model.PhaseAcquaintance
	}

	for _, topic := range topics {
		if !slices.Contains(rec.ConversationTopics, topic) {
			rec.ConversationTopics = append(rec.ConversationTopics, topic)
		}
	}
	if feeling != sentiment.Neutral {
		rec.EmotionalConnections = append(rec.EmotionalConnections, string(feeling))
	}
	return rec.Normalize()
}
