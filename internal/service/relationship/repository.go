package relationship

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	model "github.com/zhouzirui/parley/internal/model/relationship"
)

// Pair is the stored state of one persona/user relationship.
type Pair struct {
	Record   model.Record   `json:"record"`
	Memories []model.Memory `json:"memories"`
	First    time.Time      `json:"first_interaction"`
}

func (p Pair) clone() Pair {
	p.Record = cloneRecord(p.Record)
	p.Memories = slices.Clone(p.Memories)
	return p
}

// Repository persists pairs. Load reports false for a pair never saved.
type Repository interface {
	Load(ctx context.Context, personaID, userID string) (Pair, bool, error)
	Save(ctx context.Context, personaID, userID string, p Pair) error
}

type pairKey struct {
	personaID string
	userID    string
}

// MemoryRepository keeps pairs in process memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	pairs map[pairKey]Pair
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{pairs: make(map[pairKey]Pair)}
}

func (r *MemoryRepository) Load(_ context.Context, personaID, userID string) (Pair, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[pairKey{personaID, userID}]
	if !ok {
		return Pair{}, false, nil
	}
	return p.clone(), true, nil
}

func (r *MemoryRepository) Save(_ context.Context, personaID, userID string, p Pair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs[pairKey{personaID, userID}] = p.clone()
	return nil
}

func cloneRecord(r model.Record) model.Record {
	r.ConversationTopics = slices.Clone(r.ConversationTopics)
	r.EmotionalConnections = slices.Clone(r.EmotionalConnections)
	r.UserPreferences = maps.Clone(r.UserPreferences)
	return r
}
