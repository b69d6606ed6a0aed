package relationship

import (
	"math"
	"time"
)

// Phase is the store-owned relationship stage. The client mirrors the label
// it receives and never computes a transition itself.
type Phase string

const (
	PhaseStranger     Phase = "stranger"
	PhaseAcquaintance Phase = "acquaintance"
	PhaseFriend       Phase = "friend"
	PhaseCloseFriend  Phase = "close_friend"
	PhaseIntimate     Phase = "intimate"
)

// Known reports whether the label is one of the five recognised phases.
func (p Phase) Known() bool {
	switch p {
	case PhaseStranger, PhaseAcquaintance, PhaseFriend, PhaseCloseFriend, PhaseIntimate:
		return true
	}
	return false
}

// Emoji is the badge shown next to the phase.
func (p Phase) Emoji() string {
	switch p {
	case PhaseAcquaintance:
		return "🙂"
	case PhaseFriend:
		return "😊"
	case PhaseCloseFriend:
		return "🤗"
	case PhaseIntimate:
		return "💖"
	default:
		return "👋"
	}
}

// Description is the one-line summary shown under the badge. Unknown labels
// are displayed as strangers.
func (p Phase) Description() string {
	switch p {
	case PhaseAcquaintance:
		return "You've started to get to know each other."
	case PhaseFriend:
		return "A friendly bond built on shared conversations."
	case PhaseCloseFriend:
		return "A close friend who remembers what matters to you."
	case PhaseIntimate:
		return "A deep connection forged over many experiences."
	default:
		return "You've only just met."
	}
}

// Bounds applied to the recent-items sequences of a record.
const (
	MaxConversationTopics   = 10
	MaxEmotionalConnections = 10
)

// Record mirrors the per (persona, user) relationship owned by the store.
type Record struct {
	PersonaID            string         `json:"character_id"`
	UserID               string         `json:"user_id"`
	AffectionScore       float64        `json:"affection_score"`
	TrustScore           float64        `json:"trust_score"`
	FamiliarityScore     float64        `json:"familiarity_score"`
	RespectScore         float64        `json:"respect_score"`
	SharedExperiences    int            `json:"shared_experiences"`
	InteractionFrequency float64        `json:"interaction_frequency"`
	Phase                Phase          `json:"relationship_phase"`
	ConversationTopics   []string       `json:"conversation_topics"`
	EmotionalConnections []string       `json:"emotional_connections"`
	UserPreferences      map[string]any `json:"user_preferences,omitempty"`
	LastInteraction      time.Time      `json:"last_interaction"`
}

// Normalize clamps scores into [0,1], drops negative counters and keeps only
// the most recent entries of the bounded sequences.
func (r Record) Normalize() Record {
	r.AffectionScore = clamp01(r.AffectionScore)
	r.TrustScore = clamp01(r.TrustScore)
	r.FamiliarityScore = clamp01(r.FamiliarityScore)
	r.RespectScore = clamp01(r.RespectScore)
	if r.SharedExperiences < 0 {
		r.SharedExperiences = 0
	}
	if r.InteractionFrequency < 0 {
		r.InteractionFrequency = 0
	}
	if r.Phase == "" {
		r.Phase = PhaseStranger
	}
	r.ConversationTopics = lastN(r.ConversationTopics, MaxConversationTopics)
	r.EmotionalConnections = lastN(r.EmotionalConnections, MaxEmotionalConnections)
	return r
}

// Progress is the percentage towards the 100 shared experiences mark.
func (r Record) Progress() float64 {
	return Progress(r.SharedExperiences)
}

// Progress computes min(shared/100, 1) * 100.
func Progress(sharedExperiences int) float64 {
	if sharedExperiences <= 0 {
		return 0
	}
	return math.Min(float64(sharedExperiences)/100, 1) * 100
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return append([]string(nil), items[len(items)-n:]...)
}
