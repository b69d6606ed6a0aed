package chat

import "time"

// Role identifies who authored a transcript entry.
type Role string

const (
	RoleUser        Role = "user"
	RolePersona     Role = "persona"
	RoleSystemError Role = "system_error"
)

// Message is one entry of the append-only conversation transcript.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	PersonaID string    `json:"personaId,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsError   bool      `json:"isError,omitempty"`
}

// FromPersona reports whether the message was authored by a persona.
func (m Message) FromPersona() bool {
	return m.Role == RolePersona && m.PersonaID != ""
}
