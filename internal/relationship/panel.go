package relationship

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/parley/internal/metrics"
	model "github.com/zhouzirui/parley/internal/model/relationship"
)

// DefaultInterval is how often the panel polls the store.
const DefaultInterval = 30 * time.Second

// View is what the panel currently shows.
type View struct {
	Record    model.Record
	Memories  []model.Memory
	Loaded    bool
	LastErr   error
	UpdatedAt time.Time
}

func (v View) clone() View {
	v.Memories = slices.Clone(v.Memories)
	v.Record.UserPreferences = maps.Clone(v.Record.UserPreferences)
	v.Record.ConversationTopics = slices.Clone(v.Record.ConversationTopics)
	v.Record.EmotionalConnections = slices.Clone(v.Record.EmotionalConnections)
	return v
}

// PanelOptions configures a Panel.
type PanelOptions struct {
	Interval time.Duration
	Logger   zerolog.Logger
}

// Panel caches one persona/user relationship. Every fetch and mutation takes
// an issue number; results are applied only when newer than what is shown,
// so a slow fetch can never overwrite fresher state.
type Panel struct {
	store     Store
	personaID string
	userID    string
	interval  time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	issued atomic.Uint64

	mu      sync.Mutex
	applied uint64
	view    View
	cancel  context.CancelFunc
	done    chan struct{}
	fetches sync.WaitGroup
}

// NewPanel creates a panel for the pair. Call Start to begin polling.
func NewPanel(store Store, personaID, userID string, opts PanelOptions) *Panel {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Panel{
		store:     store,
		personaID: personaID,
		userID:    userID,
		interval:  opts.Interval,
		logger:    opts.Logger.With().Str("component", "relationship").Str("persona", personaID).Logger(),
		now:       time.Now,
	}
}

// View returns a copy of the cached state.
func (p *Panel) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view.clone()
}

// Start fetches immediately and then on every interval until Stop or ctx ends.
func (p *Panel) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop cancels polling and waits for outstanding fetches to return.
func (p *Panel) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.fetches.Wait()
}

func (p *Panel) run(ctx context.Context) {
	defer close(p.done)

	p.spawnRefresh(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.spawnRefresh(ctx)
		}
	}
}

// spawnRefresh lets a tick proceed while an earlier fetch is still pending.
func (p *Panel) spawnRefresh(ctx context.Context) {
	p.fetches.Add(1)
	go func() {
		defer p.fetches.Done()
		_ = p.Refresh(ctx)
	}()
}

// Refresh fetches the record and memories. A failure keeps the cached view
// and is only recorded in LastErr.
func (p *Panel) Refresh(ctx context.Context) error {
	issue := p.issued.Add(1)

	record, err := p.store.GetRelationship(ctx, p.personaID, p.userID)
	if errors.Is(err, ErrNotFound) {
		record, err = model.Record{PersonaID: p.personaID, UserID: p.userID, Phase: model.PhaseStranger}, nil
	}
	var memories []model.Memory
	if err == nil {
		memories, err = p.store.GetMemories(ctx, p.personaID, p.userID)
		if errors.Is(err, ErrNotFound) {
			memories, err = []model.Memory{}, nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if issue <= p.applied {
		metrics.RelationshipRefreshes.WithLabelValues("stale").Inc()
		p.logger.Debug().Uint64("issue", issue).Uint64("applied", p.applied).Msg("discarding superseded fetch")
		return nil
	}
	if err != nil {
		p.view.LastErr = err
		metrics.RelationshipRefreshes.WithLabelValues("failed").Inc()
		p.logger.Debug().Err(err).Msg("refresh failed, keeping cached view")
		return err
	}

	p.applied = issue
	p.view = View{
		Record:    record.Normalize(),
		Memories:  memories,
		Loaded:    true,
		UpdatedAt: p.now(),
	}
	metrics.RelationshipRefreshes.WithLabelValues("applied").Inc()
	return nil
}

// AddMemory shows the memory immediately, confirms it with the store and then
// refreshes. On failure the optimistic entry is withdrawn.
func (p *Panel) AddMemory(ctx context.Context, memory model.NewMemory) (model.Memory, error) {
	memory, err := memory.Normalize()
	if err != nil {
		return model.Memory{}, err
	}

	issue := p.issued.Add(1)
	pending := model.Memory{
		ID:        "pending-" + ulid.Make().String(),
		PersonaID: p.personaID,
		UserID:    p.userID,
		Type:      memory.Type,
		Content:   memory.Content,
		Tags:      memory.Tags,
		Priority:  memory.Priority,
		Timestamp: p.now().UTC(),
	}

	p.mu.Lock()
	p.claimLocked(issue)
	p.view.Memories = append(slices.Clip(p.view.Memories), pending)
	p.mu.Unlock()

	stored, err := p.store.AddMemory(ctx, p.personaID, p.userID, memory)

	p.mu.Lock()
	idx := slices.IndexFunc(p.view.Memories, func(m model.Memory) bool { return m.ID == pending.ID })
	if err != nil {
		if idx >= 0 {
			p.view.Memories = slices.Delete(slices.Clone(p.view.Memories), idx, idx+1)
		}
		p.mu.Unlock()
		p.logger.Warn().Err(err).Msg("memory not saved")
		return model.Memory{}, err
	}
	switch {
	case idx >= 0:
		memories := slices.Clone(p.view.Memories)
		memories[idx] = stored
		p.view.Memories = memories
	case !slices.ContainsFunc(p.view.Memories, func(m model.Memory) bool { return m.ID == stored.ID }):
		p.view.Memories = append(slices.Clip(p.view.Memories), stored)
	}
	p.mu.Unlock()

	_ = p.Refresh(ctx)
	return stored, nil
}

// UpdatePreferences merges prefs into the cached record, confirms with the
// store and refreshes. On failure the previous preferences are restored unless
// fresher state has arrived in the meantime.
func (p *Panel) UpdatePreferences(ctx context.Context, prefs map[string]any) error {
	issue := p.issued.Add(1)

	p.mu.Lock()
	previous := p.view.Record.UserPreferences
	merged := maps.Clone(previous)
	if merged == nil {
		merged = make(map[string]any, len(prefs))
	}
	maps.Copy(merged, prefs)
	p.claimLocked(issue)
	p.view.Record.UserPreferences = merged
	p.mu.Unlock()

	if err := p.store.UpdatePreferences(ctx, p.personaID, p.userID, prefs); err != nil {
		p.mu.Lock()
		if p.applied == issue {
			p.view.Record.UserPreferences = previous
		}
		p.mu.Unlock()
		p.logger.Warn().Err(err).Msg("preferences not saved")
		return err
	}

	_ = p.Refresh(ctx)
	return nil
}

func (p *Panel) claimLocked(issue uint64) {
	if issue > p.applied {
		p.applied = issue
	}
}
