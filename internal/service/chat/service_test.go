package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	modelchat "github.com/zhouzirui/parley/internal/model/chat"
	"github.com/zhouzirui/parley/internal/model/persona"
	"github.com/zhouzirui/parley/internal/protocol"
	chat "github.com/zhouzirui/parley/internal/service/chat"
	"github.com/zhouzirui/parley/internal/session"
	"github.com/zhouzirui/parley/internal/transport"
)

type fakeConnection struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	opens   []string
	closes  int
	openErr error
	onOpen  func()
	lost    [][]byte

	inbound chan []byte
	events  chan transport.Event
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{
		inbound: make(chan []byte, 16),
		events:  make(chan transport.Event, 16),
	}
}

func (f *fakeConnection) Open(_ context.Context, sessionID string) error {
	f.mu.Lock()
	if f.openErr != nil {
		err := f.openErr
		f.mu.Unlock()
		return err
	}
	f.opens = append(f.opens, sessionID)
	hook := f.onOpen
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeConnection) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeConnection) TakeUndelivered() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.lost
	f.lost = nil
	return out
}

func (f *fakeConnection) Inbound() <-chan []byte         { return f.inbound }
func (f *fakeConnection) Events() <-chan transport.Event { return f.events }

func (f *fakeConnection) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeConnection) lastRequest(t *testing.T) protocol.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	req, err := protocol.DecodeRequest(f.sent[len(f.sent)-1])
	require.NoError(t, err)
	return req
}

var testPersonas = []persona.Persona{
	{ID: "p1", Name: "Ada Lovelace", Title: "Mathematician", Model: "openrouter/auto"},
	{ID: "p2", Name: "Socrates", Title: "Philosopher"},
}

func newStartedService(t *testing.T, limit int) (*chat.Service, *fakeConnection) {
	t.Helper()
	conn := newFakeConnection()
	svc := chat.NewService(session.New(testPersonas), conn, chat.Options{HistoryLimit: limit, Logger: zerolog.Nop()})
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })
	return svc, conn
}

func waitForMessages(t *testing.T, svc *chat.Service, n int) []modelchat.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(svc.Session().Messages()) >= n }, 2*time.Second, 5*time.Millisecond)
	return svc.Session().Messages()
}

func TestStartOpensSessionConnection(t *testing.T) {
	svc, conn := newStartedService(t, 0)

	require.NoError(t, svc.Start(context.Background()))
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, []string{svc.Session().ID()}, conn.opens)
	assert.Equal(t, modelchat.StateConnecting, svc.Session().ConnectionState())
}

func TestSendCarriesAllPersonasAndPriorHistory(t *testing.T) {
	svc, conn := newStartedService(t, 0)
	ctx := context.Background()

	require.NoError(t, svc.Send(ctx, "Hello"))
	first := conn.lastRequest(t)
	assert.Equal(t, "Hello", first.Message)
	require.Len(t, first.Characters, 2)
	assert.Equal(t, "p1", first.Characters[0].ID)
	assert.Equal(t, "openrouter/auto", first.Characters[0].Model)
	assert.Empty(t, first.ConversationHistory)

	conn.inbound <- []byte(`{"type":"character_response","characterId":"p1","content":"Greetings.","timestamp":"2025-03-01T12:00:00Z"}`)
	conn.inbound <- []byte(`{"type":"character_response","characterId":"p2","content":"Hail.","timestamp":"2025-03-01T12:00:01Z"}`)
	msgs := waitForMessages(t, svc, 3)
	assert.Equal(t, "p2", msgs[2].PersonaID)

	speaker, ok := svc.Session().CurrentSpeaker()
	require.True(t, ok)
	assert.Equal(t, "p2", speaker.ID)

	require.NoError(t, svc.Send(ctx, "Tell me more"))
	second := conn.lastRequest(t)
	require.Len(t, second.ConversationHistory, 3)
	assert.Equal(t, "user", second.ConversationHistory[0].Role)
	assert.Empty(t, second.ConversationHistory[0].CharacterID)
	assert.Equal(t, "persona", second.ConversationHistory[1].Role)
	assert.Equal(t, "p1", second.ConversationHistory[1].CharacterID)
	assert.Equal(t, "Hail.", second.ConversationHistory[2].Content)
}

func TestFailedSendLeavesRetryableError(t *testing.T) {
	svc, conn := newStartedService(t, 0)
	ctx := context.Background()

	conn.setSendErr(transport.ErrNotConnected)
	err := svc.Send(ctx, "anyone there?")
	require.ErrorIs(t, err, transport.ErrNotConnected)

	msgs := svc.Session().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, modelchat.RoleUser, msgs[0].Role)
	assert.True(t, msgs[1].IsError)
	assert.Equal(t, "Message not delivered: not connected (retry to resend)", msgs[1].Content)

	var failed chat.Event
	require.Eventually(t, func() bool {
		select {
		case ev := <-svc.Events():
			if ev.Kind == chat.EventDeliveryFailed {
				failed = ev
				return true
			}
		default:
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "anyone there?", failed.Text)

	conn.setSendErr(nil)
	require.NoError(t, svc.Send(ctx, "retry"))
	req := conn.lastRequest(t)
	require.Len(t, req.ConversationHistory, 1)
	assert.Equal(t, "anyone there?", req.ConversationHistory[0].Content)
}

func TestHistoryIsWindowed(t *testing.T) {
	svc, conn := newStartedService(t, 2)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three", "four"} {
		require.NoError(t, svc.Send(ctx, text))
	}

	req := conn.lastRequest(t)
	require.Len(t, req.ConversationHistory, 2)
	assert.Equal(t, "two", req.ConversationHistory[0].Content)
	assert.Equal(t, "three", req.ConversationHistory[1].Content)
}

func TestUndeliveredQueueBecomesErrors(t *testing.T) {
	svc, conn := newStartedService(t, 0)

	payload, err := protocol.EncodeRequest("queued text", testPersonas, nil)
	require.NoError(t, err)
	conn.events <- transport.Event{
		Kind:        transport.EventDisconnected,
		Err:         &transport.TransportError{Op: "dial", Err: errors.New("refused")},
		Undelivered: [][]byte{payload},
	}

	msgs := waitForMessages(t, svc, 1)
	assert.True(t, msgs[0].IsError)
	assert.Contains(t, msgs[0].Content, "Message not delivered: transport dial: refused")
	require.Eventually(t, func() bool {
		return svc.Session().ConnectionState() == modelchat.StateClosed
	}, time.Second, 5*time.Millisecond)
}

func TestOverflowedPayloadsBecomeErrors(t *testing.T) {
	svc, conn := newStartedService(t, 0)

	payload, err := protocol.EncodeRequest("lost in overflow", testPersonas, nil)
	require.NoError(t, err)
	conn.mu.Lock()
	conn.lost = [][]byte{payload}
	conn.mu.Unlock()

	conn.events <- transport.Event{Kind: transport.EventDisconnected, Err: errors.New("reset")}

	msgs := waitForMessages(t, svc, 1)
	assert.True(t, msgs[0].IsError)
	assert.Contains(t, msgs[0].Content, "Message not delivered")
	assert.Empty(t, conn.TakeUndelivered())
}

func TestReconnectKeepsOpenedStateFromFastDial(t *testing.T) {
	svc, conn := newStartedService(t, 0)

	conn.events <- transport.Event{Kind: transport.EventDisconnected, Err: errors.New("reset")}
	require.Eventually(t, func() bool {
		return svc.Session().ConnectionState() == modelchat.StateClosed
	}, time.Second, 5*time.Millisecond)

	// The dial completes before Open returns.
	conn.mu.Lock()
	conn.onOpen = func() {
		conn.events <- transport.Event{Kind: transport.EventOpened}
		time.Sleep(100 * time.Millisecond)
	}
	conn.mu.Unlock()

	require.NoError(t, svc.Reconnect(context.Background()))
	require.Eventually(t, func() bool {
		return svc.Session().ConnectionState() == modelchat.StateOpen
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, modelchat.StateOpen, svc.Session().ConnectionState())
}

func TestReconnectOnLiveConnectionKeepsOpen(t *testing.T) {
	svc, conn := newStartedService(t, 0)

	conn.events <- transport.Event{Kind: transport.EventOpened}
	require.Eventually(t, func() bool {
		return svc.Session().ConnectionState() == modelchat.StateOpen
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Reconnect(context.Background()))
	assert.Equal(t, modelchat.StateOpen, svc.Session().ConnectionState())
}

func TestReconnectFailureRestoresState(t *testing.T) {
	svc, conn := newStartedService(t, 0)

	conn.events <- transport.Event{Kind: transport.EventDisconnected, Err: errors.New("reset")}
	require.Eventually(t, func() bool {
		return svc.Session().ConnectionState() == modelchat.StateClosed
	}, time.Second, 5*time.Millisecond)

	conn.mu.Lock()
	conn.openErr = transport.ErrClosing
	conn.mu.Unlock()

	err := svc.Reconnect(context.Background())
	require.ErrorIs(t, err, transport.ErrClosing)
	assert.Equal(t, modelchat.StateClosed, svc.Session().ConnectionState())
}

func TestSendValidatesInput(t *testing.T) {
	svc, _ := newStartedService(t, 0)
	assert.ErrorIs(t, svc.Send(context.Background(), "   "), chat.ErrEmptyMessage)
	assert.Empty(t, svc.Session().Messages())
}

func TestCloseIsIdempotentAndClosesEvents(t *testing.T) {
	conn := newFakeConnection()
	svc := chat.NewService(session.New(testPersonas), conn, chat.Options{Logger: zerolog.Nop()})
	require.NoError(t, svc.Start(context.Background()))

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	assert.Equal(t, 1, conn.closes)
	assert.ErrorIs(t, svc.Send(context.Background(), "late"), chat.ErrClosed)
	assert.ErrorIs(t, svc.Start(context.Background()), chat.ErrClosed)

	for range svc.Events() {
	}
}

func TestHistoryHelper(t *testing.T) {
	msgs := []modelchat.Message{
		{Role: modelchat.RoleUser, Content: "a"},
		{Role: modelchat.RoleSystemError, Content: "Server error: x", IsError: true},
		{Role: modelchat.RolePersona, PersonaID: "p1", Content: "b"},
	}
	got := chat.History(msgs, 0)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].Content)
	assert.Len(t, chat.History(msgs, 1), 1)
}
