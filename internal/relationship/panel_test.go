package relationship

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/parley/internal/model/relationship"
)

// fakeStore answers from fields. A non-nil hold channel on a call blocks it
// until the test releases it.
type fakeStore struct {
	mu         sync.Mutex
	record     model.Record
	memories   []model.Memory
	getErr     error
	addErr     error
	prefsErr   error
	holds      []chan model.Record
	addHold    chan struct{}
	gets       atomic.Int32
	nextMemory int
}

func (f *fakeStore) GetRelationship(ctx context.Context, personaID, userID string) (model.Record, error) {
	f.gets.Add(1)
	f.mu.Lock()
	var hold chan model.Record
	if len(f.holds) > 0 {
		hold, f.holds = f.holds[0], f.holds[1:]
	}
	record, err := f.record, f.getErr
	f.mu.Unlock()

	if hold != nil {
		select {
		case record = <-hold:
		case <-ctx.Done():
			return model.Record{}, ctx.Err()
		}
	}
	return record, err
}

func (f *fakeStore) GetMemories(context.Context, string, string) ([]model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Memory(nil), f.memories...), nil
}

func (f *fakeStore) AddMemory(_ context.Context, personaID, userID string, m model.NewMemory) (model.Memory, error) {
	if f.addHold != nil {
		<-f.addHold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return model.Memory{}, f.addErr
	}
	f.nextMemory++
	stored := model.Memory{ID: fmt.Sprintf("mem-%d", f.nextMemory), PersonaID: personaID, UserID: userID, Type: m.Type, Content: m.Content, Tags: m.Tags, Priority: m.Priority}
	f.memories = append(f.memories, stored)
	f.record.SharedExperiences++
	return stored, nil
}

func (f *fakeStore) UpdatePreferences(_ context.Context, _, _ string, prefs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prefsErr != nil {
		return f.prefsErr
	}
	if f.record.UserPreferences == nil {
		f.record.UserPreferences = map[string]any{}
	}
	for k, v := range prefs {
		f.record.UserPreferences[k] = v
	}
	return nil
}

func newTestPanel(store Store) *Panel {
	return NewPanel(store, "ada", "user-1", PanelOptions{Interval: time.Hour, Logger: zerolog.Nop()})
}

func TestRefreshPopulatesView(t *testing.T) {
	store := &fakeStore{
		record:   model.Record{Phase: model.PhaseFriend, SharedExperiences: 55, TrustScore: 1.4},
		memories: []model.Memory{{ID: "m1", Content: "likes tea"}},
	}
	p := newTestPanel(store)

	require.NoError(t, p.Refresh(context.Background()))
	view := p.View()
	require.True(t, view.Loaded)
	assert.Equal(t, model.PhaseFriend, view.Record.Phase)
	assert.Equal(t, 1.0, view.Record.TrustScore)
	assert.Equal(t, 55.0, view.Record.Progress())
	require.Len(t, view.Memories, 1)
}

func TestSupersededFetchIsDiscarded(t *testing.T) {
	slow := make(chan model.Record)
	store := &fakeStore{
		record: model.Record{Phase: model.PhaseCloseFriend, SharedExperiences: 21},
		holds:  []chan model.Record{slow},
	}
	p := newTestPanel(store)

	done := make(chan error, 1)
	go func() { done <- p.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return store.gets.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, model.PhaseCloseFriend, p.View().Record.Phase)

	// The first fetch resolves last with older data.
	slow <- model.Record{Phase: model.PhaseAcquaintance, SharedExperiences: 2}
	require.NoError(t, <-done)

	view := p.View()
	assert.Equal(t, model.PhaseCloseFriend, view.Record.Phase)
	assert.Equal(t, 21, view.Record.SharedExperiences)
}

func TestFailedRefreshKeepsCache(t *testing.T) {
	store := &fakeStore{record: model.Record{Phase: model.PhaseFriend}}
	p := newTestPanel(store)
	require.NoError(t, p.Refresh(context.Background()))

	store.mu.Lock()
	store.getErr = ErrStoreUnavailable
	store.mu.Unlock()

	err := p.Refresh(context.Background())
	require.ErrorIs(t, err, ErrStoreUnavailable)

	view := p.View()
	assert.True(t, view.Loaded)
	assert.Equal(t, model.PhaseFriend, view.Record.Phase)
	assert.ErrorIs(t, view.LastErr, ErrStoreUnavailable)
}

func TestMissingRelationshipShowsStranger(t *testing.T) {
	p := newTestPanel(&fakeStore{getErr: ErrNotFound})
	require.NoError(t, p.Refresh(context.Background()))

	view := p.View()
	assert.True(t, view.Loaded)
	assert.Equal(t, model.PhaseStranger, view.Record.Phase)
	assert.Equal(t, "👋", view.Record.Phase.Emoji())
}

func TestAddMemoryIsOptimistic(t *testing.T) {
	store := &fakeStore{addHold: make(chan struct{})}
	p := newTestPanel(store)
	require.NoError(t, p.Refresh(context.Background()))

	result := make(chan model.Memory, 1)
	go func() {
		m, err := p.AddMemory(context.Background(), model.NewMemory{Type: model.MemorySemantic, Content: "plays chess", Tags: []string{"Hobby", "hobby"}, Priority: model.PriorityMedium})
		assert.NoError(t, err)
		result <- m
	}()

	require.Eventually(t, func() bool { return len(p.View().Memories) == 1 }, time.Second, time.Millisecond)
	pending := p.View().Memories[0]
	assert.Contains(t, pending.ID, "pending-")
	assert.Equal(t, []string{"hobby"}, pending.Tags)

	close(store.addHold)
	stored := <-result

	view := p.View()
	require.Len(t, view.Memories, 1)
	assert.Equal(t, stored.ID, view.Memories[0].ID)
	assert.Equal(t, 1, view.Record.SharedExperiences)
}

func TestAddMemoryRollsBackOnFailure(t *testing.T) {
	store := &fakeStore{memories: []model.Memory{{ID: "m1"}}, addErr: ErrStoreUnavailable}
	p := newTestPanel(store)
	require.NoError(t, p.Refresh(context.Background()))

	_, err := p.AddMemory(context.Background(), model.NewMemory{Type: model.MemoryEpisodic, Content: "went hiking", Priority: model.PriorityLow})
	require.ErrorIs(t, err, ErrStoreUnavailable)

	view := p.View()
	require.Len(t, view.Memories, 1)
	assert.Equal(t, "m1", view.Memories[0].ID)
}

func TestAddMemoryCanonicalizesType(t *testing.T) {
	store := &fakeStore{}
	p := newTestPanel(store)

	stored, err := p.AddMemory(context.Background(), model.NewMemory{Type: "Episodic", Content: "went hiking", Priority: model.PriorityLow})
	require.NoError(t, err)
	assert.Equal(t, model.MemoryEpisodic, stored.Type)

	view := p.View()
	require.Len(t, view.Memories, 1)
	assert.Equal(t, model.MemoryEpisodic, view.Memories[0].Type)
}

func TestAddMemoryRejectsInvalidInput(t *testing.T) {
	p := newTestPanel(&fakeStore{})
	_, err := p.AddMemory(context.Background(), model.NewMemory{Type: model.MemorySemantic, Priority: 9, Content: "x"})
	assert.Error(t, err)
	assert.Empty(t, p.View().Memories)
}

func TestFetchIssuedBeforeMutationCannotOverwriteIt(t *testing.T) {
	slow := make(chan model.Record)
	store := &fakeStore{holds: []chan model.Record{slow}}
	p := newTestPanel(store)

	done := make(chan error, 1)
	go func() { done <- p.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return store.gets.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.UpdatePreferences(context.Background(), map[string]any{"tone": "formal"}))

	slow <- model.Record{Phase: model.PhaseStranger}
	require.NoError(t, <-done)

	assert.Equal(t, "formal", p.View().Record.UserPreferences["tone"])
}

func TestUpdatePreferencesRestoresOnFailure(t *testing.T) {
	store := &fakeStore{record: model.Record{UserPreferences: map[string]any{"tone": "casual"}}}
	p := newTestPanel(store)
	require.NoError(t, p.Refresh(context.Background()))

	store.mu.Lock()
	store.prefsErr = errors.New("boom")
	store.mu.Unlock()

	err := p.UpdatePreferences(context.Background(), map[string]any{"tone": "formal"})
	require.Error(t, err)
	assert.Equal(t, "casual", p.View().Record.UserPreferences["tone"])
}

func TestStartPollsUntilStopped(t *testing.T) {
	store := &fakeStore{record: model.Record{Phase: model.PhaseFriend}}
	p := NewPanel(store, "ada", "user-1", PanelOptions{Interval: 10 * time.Millisecond, Logger: zerolog.Nop()})

	p.Start(context.Background())
	p.Start(context.Background())
	require.Eventually(t, func() bool { return store.gets.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, p.View().Loaded)

	p.Stop()
	p.Stop()
	calls := store.gets.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, store.gets.Load())
}
