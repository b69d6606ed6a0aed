package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/parley/internal/model/chat"
	"github.com/zhouzirui/parley/internal/model/persona"
	"github.com/zhouzirui/parley/internal/protocol"
	"github.com/zhouzirui/parley/internal/session"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRouter() *Router {
	r := New(zerolog.Nop())
	n := 0
	r.NewID = func() string {
		n++
		return fmt.Sprintf("m%d", n)
	}
	r.Now = func() time.Time { return fixedNow }
	return r
}

func TestRepliesKeepArrivalOrder(t *testing.T) {
	personas := []persona.Persona{{ID: "p1", Name: "Ada"}, {ID: "p2", Name: "Socrates"}}
	sess := session.New(personas)
	sess.Append(chat.Message{ID: "u1", Role: chat.RoleUser, Content: "Hello", Timestamp: fixedNow})

	r := newTestRouter()
	r.Dispatch(sess, []byte(`{"type":"character_response","characterId":"p1","content":"Greetings.","timestamp":"2025-03-01T12:00:01Z"}`))
	r.Dispatch(sess, []byte(`{"type":"character_response","characterId":"p2","content":"Hail.","timestamp":"2025-03-01T12:00:02Z"}`))

	msgs := sess.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, "p1", msgs[1].PersonaID)
	assert.Equal(t, "Greetings.", msgs[1].Content)
	assert.Equal(t, "p2", msgs[2].PersonaID)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 2, 0, time.UTC), msgs[2].Timestamp)

	speaker, ok := sess.CurrentSpeaker()
	require.True(t, ok)
	assert.Equal(t, "p2", speaker.ID)
}

func TestResponseClearsTyping(t *testing.T) {
	sess := session.New([]persona.Persona{{ID: "p1"}})
	r := newTestRouter()

	events := r.Dispatch(sess, []byte(`{"type":"typing_indicator","character_id":"p1","is_typing":true}`))
	require.Len(t, events, 1)
	assert.Equal(t, EventTyping, events[0].Kind)
	assert.True(t, sess.IsTyping("p1"))

	r.Dispatch(sess, []byte(`{"type":"character_response","characterId":"p1","content":"done"}`))
	assert.False(t, sess.IsTyping("p1"))
}

func TestRouteDoesNotMutateInput(t *testing.T) {
	r := newTestRouter()
	msgs := make([]chat.Message, 1, 8)
	msgs[0] = chat.Message{ID: "u1", Role: chat.RoleUser, Content: "hi"}
	snap := session.Snapshot{Messages: msgs, Typing: map[string]bool{"p1": true}}

	next, _ := r.Route(protocol.CharacterResponse{CharacterID: "p1", Content: "yo"}, snap)

	assert.Len(t, snap.Messages, 1)
	assert.True(t, snap.Typing["p1"])
	require.Len(t, next.Messages, 2)
	assert.False(t, next.Typing["p1"])

	// Appending to the old snapshot must not leak into the new one.
	_ = append(snap.Messages, chat.Message{ID: "x"})
	assert.Equal(t, "m1", next.Messages[1].ID)
}

func TestUnknownFrameNeverMutates(t *testing.T) {
	sess := session.New([]persona.Persona{{ID: "p1"}})
	r := newTestRouter()
	r.Dispatch(sess, []byte(`{"type":"typing_indicator","character_id":"p1","is_typing":true}`))
	before := sess.Snapshot()

	inputs := []string{
		`{"type":"emotion_update","characterId":"p1"}`,
		`not json`,
		`{"type":"character_response"}`,
		`[]`,
	}
	for _, raw := range inputs {
		events := r.Dispatch(sess, []byte(raw))
		assert.Empty(t, events, raw)
	}

	assert.Equal(t, before, sess.Snapshot())
	assert.Equal(t, int64(len(inputs)), r.UnknownFrames())
}

func TestServerErrorAppendsSystemMessage(t *testing.T) {
	sess := session.New([]persona.Persona{{ID: "p1"}})
	r := newTestRouter()
	r.Dispatch(sess, []byte(`{"type":"typing_indicator","character_id":"p1","is_typing":true}`))

	events := r.Dispatch(sess, []byte(`{"type":"error","detail":"model overloaded"}`))
	require.Len(t, events, 1)
	assert.Equal(t, EventServerError, events[0].Kind)

	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.RoleSystemError, msgs[0].Role)
	assert.Equal(t, "Server error: model overloaded", msgs[0].Content)
	assert.True(t, msgs[0].IsError)
	assert.Equal(t, fixedNow, msgs[0].Timestamp)
	assert.True(t, sess.IsTyping("p1"))
}

func TestVoiceAndAvatarAreEventsOnly(t *testing.T) {
	sess := session.New([]persona.Persona{{ID: "p1"}})
	r := newTestRouter()

	voice := r.Dispatch(sess, []byte(`{"type":"voice_data","characterId":"p1","audioData":"QUJD"}`))
	avatar := r.Dispatch(sess, []byte(`{"type":"avatar_prompt","characterId":"p1","prompt":{"mood":"calm"},"timestamp":"2025-03-01T12:00:00Z"}`))

	require.Len(t, voice, 1)
	assert.Equal(t, EventVoice, voice[0].Kind)
	assert.Equal(t, "QUJD", voice[0].Audio)
	require.Len(t, avatar, 1)
	assert.Equal(t, "calm", avatar[0].Prompt["mood"])
	assert.Empty(t, sess.Messages())
}

func TestMissingTimestampFallsBackToClock(t *testing.T) {
	r := newTestRouter()
	next, _ := r.Route(protocol.CharacterResponse{CharacterID: "p1", Content: "x", Timestamp: "soon"}, session.Snapshot{})
	require.Len(t, next.Messages, 1)
	assert.Equal(t, fixedNow, next.Messages[0].Timestamp)
}

func TestRouteIsDeterministic(t *testing.T) {
	frames := []protocol.Frame{
		protocol.TypingIndicator{CharacterID: "p1", IsTyping: true},
		protocol.CharacterResponse{CharacterID: "p1", Content: "a"},
		protocol.ServerError{Detail: "x"},
	}
	run := func() session.Snapshot {
		r := newTestRouter()
		snap := session.Snapshot{}
		for _, f := range frames {
			snap, _ = r.Route(f, snap)
		}
		return snap
	}
	assert.Equal(t, run(), run())
}

func TestRunForwardsEventsInOrder(t *testing.T) {
	sess := session.New([]persona.Persona{{ID: "p1"}, {ID: "p2"}})
	r := newTestRouter()
	inbound := make(chan []byte, 4)
	out := make(chan Event, 4)

	inbound <- []byte(`{"type":"typing_indicator","character_id":"p1","is_typing":true}`)
	inbound <- []byte(`{"type":"character_response","characterId":"p1","content":"one"}`)
	inbound <- []byte(`{"type":"character_response","characterId":"p2","content":"two"}`)
	close(inbound)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Run(ctx, sess, inbound, out))

	require.Len(t, out, 3)
	assert.Equal(t, EventTyping, (<-out).Kind)
	assert.Equal(t, "one", (<-out).Message.Content)
	assert.Equal(t, "two", (<-out).Message.Content)
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newTestRouter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Run(ctx, session.New(nil), make(chan []byte), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
