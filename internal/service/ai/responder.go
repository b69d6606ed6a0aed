// Package ai produces persona replies for the relay. The bundled responder is
// deterministic; real model backends plug in behind Responder.
package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/zhouzirui/parley/internal/protocol"
)

// DefaultModel is assumed when a character arrives without a model.
const DefaultModel = "x-ai/grok-4-fast"

// Responder generates one persona's reply to the user's message.
type Responder interface {
	Respond(ctx context.Context, character protocol.Character, message string, history []protocol.HistoryEntry) (string, error)
}

// EchoResponder acknowledges the user's message in character without calling
// a model.
type EchoResponder struct{}

// Respond implements Responder.
func (EchoResponder) Respond(ctx context.Context, character protocol.Character, message string, _ []protocol.HistoryEntry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := strings.TrimSpace(character.Name)
	if name == "" {
		name = character.ID
	}
	model := character.Model
	if model == "" {
		model = DefaultModel
	}
	return fmt.Sprintf("%s (%s) reflects on the conversation and replies to the user by acknowledging '%s'.", name, model, strings.TrimSpace(message)), nil
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, character protocol.Character, message string, history []protocol.HistoryEntry) (string, error)

// Respond implements Responder.
func (f ResponderFunc) Respond(ctx context.Context, character protocol.Character, message string, history []protocol.HistoryEntry) (string, error) {
	return f(ctx, character, message, history)
}
