// Package protocol implements the client/relay wire format: one JSON record
// per WebSocket text frame.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zhouzirui/parley/internal/model/chat"
	"github.com/zhouzirui/parley/internal/model/persona"
)

// Request is the single client-to-relay frame.
type Request struct {
	Message             string         `json:"message"`
	Characters          []Character    `json:"characters"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
}

// Character is the persona projection carried on the wire. Model is opaque.
type Character struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Title        string   `json:"title"`
	Images       []string `json:"images"`
	Category     string   `json:"category,omitempty"`
	Model        string   `json:"model,omitempty"`
	VoiceEnabled bool     `json:"voice_enabled,omitempty"`
	VoiceID      string   `json:"voice_id,omitempty"`
}

// HistoryEntry is one transcript line of conversation_history.
type HistoryEntry struct {
	Role        string `json:"role"`
	CharacterID string `json:"characterId,omitempty"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
}

// EncodeRequest serializes the user's text, every persona in order and the
// given history in order. Nothing is dropped: windowing is the caller's job.
func EncodeRequest(userText string, personas []persona.Persona, history []chat.Message) ([]byte, error) {
	req := Request{
		Message:             userText,
		Characters:          make([]Character, 0, len(personas)),
		ConversationHistory: make([]HistoryEntry, 0, len(history)),
	}

	for _, p := range personas {
		req.Characters = append(req.Characters, CharacterFromPersona(p))
	}
	for _, m := range history {
		req.ConversationHistory = append(req.ConversationHistory, HistoryFromMessage(m))
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return data, nil
}

// CharacterFromPersona projects a persona onto the wire shape.
func CharacterFromPersona(p persona.Persona) Character {
	images := p.Images
	if images == nil {
		images = []string{}
	}
	return Character{
		ID:           p.ID,
		Name:         p.Name,
		Title:        p.Title,
		Images:       images,
		Category:     p.Category,
		Model:        p.Model,
		VoiceEnabled: p.VoiceEnabled,
		VoiceID:      p.VoiceID,
	}
}

// HistoryFromMessage maps a transcript message to a history entry.
func HistoryFromMessage(m chat.Message) HistoryEntry {
	entry := HistoryEntry{
		Role:      string(m.Role),
		Content:   m.Content,
		Timestamp: FormatTimestamp(m.Timestamp),
	}
	if m.Role == chat.RolePersona {
		entry.CharacterID = m.PersonaID
	}
	return entry
}

// FormatTimestamp renders an ISO-8601 instant in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp accepts RFC 3339 instants and the zone-less ISO-8601 form
// some relays emit; the latter is read as UTC.
func ParseTimestamp(raw string) (time.Time, bool) {
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
