package protocol

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Server frame discriminators.
const (
	TypeCharacterResponse = "character_response"
	TypeVoiceData         = "voice_data"
	TypeTypingIndicator   = "typing_indicator"
	TypeError             = "error"
	TypeAvatarPrompt      = "avatar_prompt"
)

// Frame is a decoded relay-to-client frame. The set of implementations is
// closed: CharacterResponse, VoiceData, TypingIndicator, ServerError,
// AvatarPrompt and Unknown.
type Frame interface {
	Kind() string
	frame()
}

// CharacterResponse is a persona's reply.
type CharacterResponse struct {
	CharacterID string
	Content     string
	Timestamp   string
}

// VoiceData carries encoded audio for a reply.
type VoiceData struct {
	CharacterID string
	AudioData   string
}

// TypingIndicator toggles a persona's typing flag.
type TypingIndicator struct {
	CharacterID string
	IsTyping    bool
}

// ServerError is a relay-reported failure.
type ServerError struct {
	Detail string
}

// AvatarPrompt carries the relay's avatar description for a persona.
type AvatarPrompt struct {
	CharacterID string
	Prompt      map[string]string
	Timestamp   string
}

// Unknown is anything the codec could not map to a known frame.
type Unknown struct {
	Type string
	Raw  []byte
	Err  *DecodeError
}

func (CharacterResponse) Kind() string { return TypeCharacterResponse }
func (VoiceData) Kind() string         { return TypeVoiceData }
func (TypingIndicator) Kind() string   { return TypeTypingIndicator }
func (ServerError) Kind() string       { return TypeError }
func (AvatarPrompt) Kind() string      { return TypeAvatarPrompt }
func (Unknown) Kind() string           { return "unknown" }

func (CharacterResponse) frame() {}
func (VoiceData) frame()         {}
func (TypingIndicator) frame()   {}
func (ServerError) frame()       {}
func (AvatarPrompt) frame()      {}
func (Unknown) frame()           {}

// DecodeError describes why an inbound frame was rejected.
type DecodeError struct {
	Type   string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return "decode frame: " + e.Reason
	}
	return fmt.Sprintf("decode %s frame: %s", e.Type, e.Reason)
}

// Decode maps raw bytes to a Frame. It never fails: malformed or
// unrecognised input becomes Unknown.
func Decode(raw []byte) Frame {
	if !gjson.ValidBytes(raw) {
		return unknown("", raw, "invalid json")
	}

	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return unknown("", raw, "frame is not an object")
	}

	typ := root.Get("type")
	if typ.Type != gjson.String {
		return unknown("", raw, "missing type")
	}

	switch typ.Str {
	case TypeCharacterResponse:
		id, ok := requiredString(root, "characterId")
		if !ok {
			return unknown(typ.Str, raw, "characterId is required")
		}
		content := root.Get("content")
		if content.Type != gjson.String {
			return unknown(typ.Str, raw, "content must be a string")
		}
		return CharacterResponse{
			CharacterID: id,
			Content:     content.Str,
			Timestamp:   root.Get("timestamp").String(),
		}
	case TypeVoiceData:
		id, ok := requiredString(root, "characterId")
		if !ok {
			return unknown(typ.Str, raw, "characterId is required")
		}
		audio := root.Get("audioData")
		if audio.Type != gjson.String {
			return unknown(typ.Str, raw, "audioData must be a string")
		}
		return VoiceData{CharacterID: id, AudioData: audio.Str}
	case TypeTypingIndicator:
		id, ok := requiredString(root, "character_id")
		if !ok {
			return unknown(typ.Str, raw, "character_id is required")
		}
		flag := root.Get("is_typing")
		if flag.Type != gjson.True && flag.Type != gjson.False {
			return unknown(typ.Str, raw, "is_typing must be a boolean")
		}
		return TypingIndicator{CharacterID: id, IsTyping: flag.Bool()}
	case TypeError:
		return ServerError{Detail: errorDetail(root)}
	case TypeAvatarPrompt:
		id, ok := requiredString(root, "characterId")
		if !ok {
			return unknown(typ.Str, raw, "characterId is required")
		}
		prompt := make(map[string]string)
		root.Get("prompt").ForEach(func(key, value gjson.Result) bool {
			prompt[key.String()] = value.String()
			return true
		})
		return AvatarPrompt{CharacterID: id, Prompt: prompt, Timestamp: root.Get("timestamp").String()}
	default:
		return Unknown{Type: typ.Str, Raw: raw}
	}
}

func requiredString(root gjson.Result, path string) (string, bool) {
	v := root.Get(path)
	if v.Type != gjson.String || strings.TrimSpace(v.Str) == "" {
		return "", false
	}
	return v.Str, true
}

// errorDetail prefers the documented detail field and falls back to the
// error/details pair older relays send.
func errorDetail(root gjson.Result) string {
	if d := root.Get("detail"); d.Exists() && d.String() != "" {
		return d.String()
	}
	code := root.Get("error").String()
	details := root.Get("details")
	switch {
	case code != "" && details.Exists():
		return code + ": " + details.String()
	case code != "":
		return code
	case details.Exists():
		return details.String()
	}
	return "unspecified server error"
}

func unknown(typ string, raw []byte, reason string) Unknown {
	return Unknown{Type: typ, Raw: raw, Err: &DecodeError{Type: typ, Reason: reason}}
}
