package persona

import "fmt"

// Persona is the immutable reference to a simulated participant that a
// session carries for its whole life.
type Persona struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Title        string   `json:"title"`
	Images       []string `json:"images,omitempty"`
	Category     string   `json:"category,omitempty"`
	Model        string   `json:"model,omitempty"`
	VoiceEnabled bool     `json:"voiceEnabled,omitempty"`
	VoiceID      string   `json:"voiceId,omitempty"`
}

// DisplayName falls back to the identifier when no name was supplied.
func (p Persona) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// avatarSet builds the three dicebear locators the character catalogue hands out.
func avatarSet(id string) []string {
	return []string{
		fmt.Sprintf("https://api.dicebear.com/7.x/avataaars/svg?seed=%s", id),
		fmt.Sprintf("https://api.dicebear.com/7.x/avataaars/svg?seed=%s2", id),
		fmt.Sprintf("https://api.dicebear.com/7.x/avataaars/svg?seed=%s3", id),
	}
}

// Seed provides the default personas used by the CLI and the dev relay.
func Seed() []Persona {
	return []Persona{
		{
			ID:       "ada",
			Name:     "Ada Lovelace",
			Title:    "Pioneering mathematician",
			Images:   avatarSet("ada"),
			Category: "scientists",
			Model:    "openrouter/auto",
		},
		{
			ID:           "socrates",
			Name:         "Socrates",
			Title:        "Philosopher of Athens",
			Images:       avatarSet("socrates"),
			Category:     "philosophers",
			Model:        "x-ai/grok-4-fast",
			VoiceEnabled: true,
			VoiceID:      "athens-wise-mentor",
		},
		{
			ID:       "tesla",
			Name:     "Nikola Tesla",
			Title:    "Inventor and electrical engineer",
			Images:   avatarSet("tesla"),
			Category: "scientists",
			Model:    "x-ai/grok-4-fast",
		},
	}
}
