// Package dispatch applies decoded relay frames to session state.
package dispatch

import (
	"context"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/parley/internal/metrics"
	"github.com/zhouzirui/parley/internal/model/chat"
	"github.com/zhouzirui/parley/internal/protocol"
	"github.com/zhouzirui/parley/internal/session"
)

// EventKind identifies what a routed frame produced for the UI.
type EventKind int

const (
	EventMessage EventKind = iota
	EventTyping
	EventVoice
	EventAvatar
	EventServerError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventTyping:
		return "typing"
	case EventVoice:
		return "voice"
	case EventAvatar:
		return "avatar"
	case EventServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Event is a UI notification emitted after a frame has been applied.
type Event struct {
	Kind      EventKind
	PersonaID string
	Message   chat.Message      // EventMessage, EventServerError
	Typing    bool              // EventTyping
	Audio     string            // EventVoice
	Prompt    map[string]string // EventAvatar
}

// Router turns frames into snapshot transitions. NewID and Now are the only
// sources of variation, so routing is deterministic once both are fixed.
type Router struct {
	NewID func() string
	Now   func() time.Time

	logger  zerolog.Logger
	unknown atomic.Int64
}

// New returns a router that stamps messages with ULIDs and wall-clock time.
func New(logger zerolog.Logger) *Router {
	return &Router{
		NewID:  func() string { return ulid.Make().String() },
		Now:    time.Now,
		logger: logger.With().Str("component", "dispatch").Logger(),
	}
}

// UnknownFrames reports how many frames were ignored as unknown.
func (r *Router) UnknownFrames() int64 {
	return r.unknown.Load()
}

// Route computes the snapshot that results from applying frame to snap. The
// input snapshot is never modified.
func (r *Router) Route(frame protocol.Frame, snap session.Snapshot) (session.Snapshot, []Event) {
	switch f := frame.(type) {
	case protocol.CharacterResponse:
		ts, ok := protocol.ParseTimestamp(f.Timestamp)
		if !ok {
			ts = r.Now()
		}
		msg := chat.Message{
			ID:        r.NewID(),
			Role:      chat.RolePersona,
			PersonaID: f.CharacterID,
			Content:   f.Content,
			Timestamp: ts,
		}
		next := session.Snapshot{
			Messages: append(slices.Clip(snap.Messages), msg),
			Typing:   withTyping(snap.Typing, f.CharacterID, false),
		}
		return next, []Event{{Kind: EventMessage, PersonaID: f.CharacterID, Message: msg}}

	case protocol.TypingIndicator:
		next := session.Snapshot{
			Messages: snap.Messages,
			Typing:   withTyping(snap.Typing, f.CharacterID, f.IsTyping),
		}
		return next, []Event{{Kind: EventTyping, PersonaID: f.CharacterID, Typing: f.IsTyping}}

	case protocol.VoiceData:
		return snap, []Event{{Kind: EventVoice, PersonaID: f.CharacterID, Audio: f.AudioData}}

	case protocol.AvatarPrompt:
		return snap, []Event{{Kind: EventAvatar, PersonaID: f.CharacterID, Prompt: maps.Clone(f.Prompt)}}

	case protocol.ServerError:
		msg := chat.Message{
			ID:        r.NewID(),
			Role:      chat.RoleSystemError,
			Content:   "Server error: " + f.Detail,
			Timestamp: r.Now(),
			IsError:   true,
		}
		next := session.Snapshot{
			Messages: append(slices.Clip(snap.Messages), msg),
			Typing:   snap.Typing,
		}
		return next, []Event{{Kind: EventServerError, Message: msg}}

	case protocol.Unknown:
		r.unknown.Add(1)
		metrics.UnknownFrames.Inc()
		ev := r.logger.Debug().Str("type", f.Type).Int("bytes", len(f.Raw))
		if f.Err != nil {
			ev = ev.Str("reason", f.Err.Reason)
		}
		ev.Msg("ignoring unknown frame")
		return snap, nil
	}

	return snap, nil
}

// Run is the single consumer of inbound frames. Frames are decoded and
// applied in arrival order; resulting events are forwarded to out when it is
// non-nil. Run returns when ctx is done or inbound is closed.
func (r *Router) Run(ctx context.Context, sess *session.Session, inbound <-chan []byte, out chan<- Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			events := r.Dispatch(sess, raw)
			if out == nil {
				continue
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Dispatch decodes one raw frame and applies it to sess atomically.
func (r *Router) Dispatch(sess *session.Session, raw []byte) []Event {
	frame := protocol.Decode(raw)
	metrics.FramesReceived.WithLabelValues(frame.Kind()).Inc()

	var events []Event
	sess.Update(func(snap session.Snapshot) session.Snapshot {
		next, evs := r.Route(frame, snap)
		events = evs
		return next
	})
	return events
}

func withTyping(typing map[string]bool, personaID string, on bool) map[string]bool {
	next := maps.Clone(typing)
	if next == nil {
		next = make(map[string]bool, 1)
	}
	if on {
		next[personaID] = true
	} else {
		delete(next, personaID)
	}
	return next
}
