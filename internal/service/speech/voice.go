// Package speech turns persona replies into audio for voice-enabled personas.
package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
)

// DefaultVoiceID is used when a persona enables voice without naming one.
const DefaultVoiceID = "default"

var ErrEmptyText = errors.New("text is required")

// Voice synthesizes speech and returns it base64 encoded.
type Voice interface {
	TextToSpeech(ctx context.Context, text, voiceID string) (string, error)
}

// EncodedVoice is a stand-in synthesizer: the "audio" is the voice and text
// joined with "::". Clients can decode it to verify what would be spoken.
type EncodedVoice struct{}

// TextToSpeech implements Voice.
func (EncodedVoice) TextToSpeech(ctx context.Context, text, voiceID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}
	if voiceID == "" {
		voiceID = DefaultVoiceID
	}
	return base64.StdEncoding.EncodeToString([]byte(voiceID + "::" + text)), nil
}
