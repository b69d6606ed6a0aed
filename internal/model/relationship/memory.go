package relationship

import (
	"fmt"
	"strings"
	"time"
)

// MemoryType classifies what a memory records.
type MemoryType string

const (
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryEmotional  MemoryType = "emotional"
	MemoryRelational MemoryType = "relational"
	MemoryContextual MemoryType = "contextual"
)

// ParseMemoryType accepts the lowercase wire label.
func ParseMemoryType(raw string) (MemoryType, error) {
	t := MemoryType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case MemoryEpisodic, MemorySemantic, MemoryEmotional, MemoryRelational, MemoryContextual:
		return t, nil
	}
	return "", fmt.Errorf("unknown memory type %q", raw)
}

// Priority ranks a memory from low (1) to high (3).
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

// Valid reports whether the priority is within 1..3.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// Memory is a discrete fact or episode tied to a persona/user pair.
type Memory struct {
	ID              string     `json:"id"`
	PersonaID       string     `json:"character_id,omitempty"`
	UserID          string     `json:"user_id,omitempty"`
	Type            MemoryType `json:"memory_type"`
	Content         string     `json:"content"`
	Tags            []string   `json:"tags"`
	Priority        Priority   `json:"priority"`
	EmotionalWeight float64    `json:"emotional_weight,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// HasTag reports whether the memory carries tag, ignoring case.
func (m Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// NewMemory is the client-side request to record a memory; the store assigns
// the identifier and timestamp.
type NewMemory struct {
	Type     MemoryType `json:"memory_type"`
	Content  string     `json:"content"`
	Tags     []string   `json:"tags,omitempty"`
	Priority Priority   `json:"priority"`
}

// Validate checks the request before it leaves the client.
func (n NewMemory) Validate() error {
	if strings.TrimSpace(n.Content) == "" {
		return fmt.Errorf("memory content is required")
	}
	if _, err := ParseMemoryType(string(n.Type)); err != nil {
		return err
	}
	if !n.Priority.Valid() {
		return fmt.Errorf("memory priority %d out of range", n.Priority)
	}
	return nil
}

// Normalize validates the request and returns it with a canonical type label
// and deduplicated tags.
func (n NewMemory) Normalize() (NewMemory, error) {
	if err := n.Validate(); err != nil {
		return NewMemory{}, err
	}
	t, _ := ParseMemoryType(string(n.Type))
	n.Type = t
	n.Tags = DedupeTags(n.Tags)
	return n, nil
}

// DedupeTags lowercases and removes duplicate tags, preserving first-seen order.
func DedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
