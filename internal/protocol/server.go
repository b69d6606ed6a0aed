package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyMessage rejects requests without user text.
var ErrEmptyMessage = errors.New("message is required")

// DecodeRequest parses and validates a client frame on the relay side.
func DecodeRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("invalid request payload: %w", err)
	}
	if strings.TrimSpace(req.Message) == "" {
		return Request{}, ErrEmptyMessage
	}
	return req, nil
}

// CharacterResponseFrame is the outbound form of CharacterResponse.
type CharacterResponseFrame struct {
	Type        string `json:"type"`
	CharacterID string `json:"characterId"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
}

// VoiceDataFrame is the outbound form of VoiceData.
type VoiceDataFrame struct {
	Type        string `json:"type"`
	CharacterID string `json:"characterId"`
	AudioData   string `json:"audioData"`
}

// TypingIndicatorFrame is the outbound form of TypingIndicator.
type TypingIndicatorFrame struct {
	Type        string `json:"type"`
	CharacterID string `json:"character_id"`
	IsTyping    bool   `json:"is_typing"`
}

// ErrorFrame is the outbound form of ServerError.
type ErrorFrame struct {
	Type        string `json:"type"`
	Detail      string `json:"detail"`
	CharacterID string `json:"characterId,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// AvatarPromptFrame is the outbound form of AvatarPrompt.
type AvatarPromptFrame struct {
	Type        string            `json:"type"`
	CharacterID string            `json:"characterId"`
	Prompt      map[string]string `json:"prompt"`
	Timestamp   string            `json:"timestamp"`
}

// NewCharacterResponse builds a character_response frame.
func NewCharacterResponse(characterID, content, timestamp string) CharacterResponseFrame {
	return CharacterResponseFrame{Type: TypeCharacterResponse, CharacterID: characterID, Content: content, Timestamp: timestamp}
}

// NewVoiceData builds a voice_data frame.
func NewVoiceData(characterID, audio string) VoiceDataFrame {
	return VoiceDataFrame{Type: TypeVoiceData, CharacterID: characterID, AudioData: audio}
}

// NewTypingIndicator builds a typing_indicator frame.
func NewTypingIndicator(characterID string, typing bool) TypingIndicatorFrame {
	return TypingIndicatorFrame{Type: TypeTypingIndicator, CharacterID: characterID, IsTyping: typing}
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(detail string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Detail: detail}
}

// NewAvatarPrompt builds an avatar_prompt frame.
func NewAvatarPrompt(characterID string, prompt map[string]string, timestamp string) AvatarPromptFrame {
	return AvatarPromptFrame{Type: TypeAvatarPrompt, CharacterID: characterID, Prompt: prompt, Timestamp: timestamp}
}
