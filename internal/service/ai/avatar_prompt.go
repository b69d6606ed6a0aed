package ai

import (
	"fmt"

	"github.com/zhouzirui/parley/internal/protocol"
)

// AvatarPrompt builds the structured prompt handed to avatar generators.
func AvatarPrompt(character protocol.Character) map[string]string {
	name := character.Name
	if name == "" {
		name = character.ID
	}

	prompt := map[string]string{
		"title":       fmt.Sprintf("Portrait of %s", name),
		"description": character.Title,
		"style":       "classic portrait",
	}
	if character.Category != "" {
		prompt["style"] = fmt.Sprintf("%s portrait", character.Category)
	}
	return prompt
}
