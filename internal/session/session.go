// Package session holds the live conversation: its personas, the ordered
// transcript and per-persona typing flags.
package session

import (
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/zhouzirui/parley/internal/model/chat"
	"github.com/zhouzirui/parley/internal/model/persona"
)

// Snapshot is an immutable view of the mutable part of a session. Transitions
// build a new Snapshot instead of editing one in place.
type Snapshot struct {
	Messages []chat.Message
	Typing   map[string]bool
}

// Clone returns a deep copy that shares no backing storage with s.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Messages: slices.Clone(s.Messages),
		Typing:   maps.Clone(s.Typing),
	}
}

// Session is owned by a single UI instance. The ID is generated once and
// survives reconnects.
type Session struct {
	id       string
	personas []persona.Persona

	mu    sync.RWMutex
	snap  Snapshot
	state chat.ConnectionState
}

// New creates a session for the chosen personas.
func New(personas []persona.Persona) *Session {
	return &Session{
		id:       uuid.New().String(),
		personas: slices.Clone(personas),
		snap:     Snapshot{Typing: map[string]bool{}},
		state:    chat.StateIdle,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Personas returns the configured personas in their original order.
func (s *Session) Personas() []persona.Persona {
	return slices.Clone(s.personas)
}

// Persona looks up a configured persona by ID.
func (s *Session) Persona(id string) (persona.Persona, bool) {
	for _, p := range s.personas {
		if p.ID == id {
			return p, true
		}
	}
	return persona.Persona{}, false
}

// Snapshot returns a copy of the current transcript and typing flags.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone()
}

// Update applies fn atomically. fn must not mutate its argument.
func (s *Session) Update(fn func(Snapshot) Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := fn(s.snap)
	if next.Typing == nil {
		next.Typing = map[string]bool{}
	}
	s.snap = next
}

// Append adds a message to the end of the transcript.
func (s *Session) Append(msg chat.Message) {
	s.Update(func(snap Snapshot) Snapshot {
		return Snapshot{
			Messages: append(slices.Clip(snap.Messages), msg),
			Typing:   snap.Typing,
		}
	})
}

func (s *Session) Messages() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.snap.Messages)
}

func (s *Session) IsTyping(personaID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Typing[personaID]
}

// TypingPersonas lists the personas currently typing, in configured order.
func (s *Session) TypingPersonas() []persona.Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []persona.Persona
	for _, p := range s.personas {
		if s.snap.Typing[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

// CurrentSpeaker derives the speaker from a consistent view of the transcript.
func (s *Session) CurrentSpeaker() (persona.Persona, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return DeriveCurrentSpeaker(s.snap.Messages, s.personas)
}

func (s *Session) ConnectionState() chat.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) SetConnectionState(state chat.ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// DeriveCurrentSpeaker returns the persona behind the newest persona message,
// falling back to the first configured persona. A reply from a persona that is
// not configured yields a bare reference carrying only its ID.
func DeriveCurrentSpeaker(messages []chat.Message, personas []persona.Persona) (persona.Persona, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if !m.FromPersona() {
			continue
		}
		for _, p := range personas {
			if p.ID == m.PersonaID {
				return p, true
			}
		}
		return persona.Persona{ID: m.PersonaID}, true
	}
	if len(personas) > 0 {
		return personas[0], true
	}
	return persona.Persona{}, false
}
