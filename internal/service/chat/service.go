package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/zhouzirui/parley/internal/dispatch"
	"github.com/zhouzirui/parley/internal/model/chat"
	"github.com/zhouzirui/parley/internal/protocol"
	"github.com/zhouzirui/parley/internal/session"
	"github.com/zhouzirui/parley/internal/transport"
)

var (
	ErrEmptyMessage = errors.New("message is required")
	ErrClosed       = errors.New("conversation is closed")
)

// Connection is the part of transport.Manager the service drives.
type Connection interface {
	Open(ctx context.Context, sessionID string) error
	Send(payload []byte) error
	Close() error
	Inbound() <-chan []byte
	Events() <-chan transport.Event
}

// overflowSource is implemented by connections that keep payloads whose
// lifecycle event could not be buffered.
type overflowSource interface {
	TakeUndelivered() [][]byte
}

// EventKind classifies notifications for the UI.
type EventKind int

const (
	EventFrame EventKind = iota
	EventConnection
	EventDeliveryFailed
)

// Event is what the UI renders. Frame is set for EventFrame, State and Err
// for EventConnection, Message and Text for EventDeliveryFailed.
type Event struct {
	Kind    EventKind
	Frame   dispatch.Event
	State   chat.ConnectionState
	Err     error
	Message chat.Message
	Text    string
}

// Options tunes the service.
type Options struct {
	HistoryLimit int // prior messages sent with each request; 0 means default
	EventBuffer  int
	Logger       zerolog.Logger
}

const (
	defaultHistoryLimit = 10
	defaultEventBuffer  = 128
)

// Service runs one conversation: it owns the session, feeds inbound frames to
// the router and turns user input into requests.
type Service struct {
	sess   *session.Session
	conn   Connection
	router *dispatch.Router
	logger zerolog.Logger
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool
	sealed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	events  chan Event
}

// NewService wires a session to its connection.
func NewService(sess *session.Session, conn Connection, opts Options) *Service {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	return &Service{
		sess:   sess,
		conn:   conn,
		router: dispatch.New(opts.Logger),
		logger: opts.Logger.With().Str("component", "chat").Str("session", sess.ID()).Logger(),
		limit:  opts.HistoryLimit,
		now:    time.Now,
		done:   make(chan struct{}),
		events: make(chan Event, opts.EventBuffer),
	}
}

func (s *Service) Session() *session.Session {
	return s.sess
}

func (s *Service) Router() *dispatch.Router {
	return s.router
}

// Events delivers UI notifications. The channel is closed by Close.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Start opens the connection and begins consuming inbound frames.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	if err := s.open(ctx); err != nil {
		return fmt.Errorf("open connection: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true
	go s.loop(loopCtx)

	s.logger.Info().Int("personas", len(s.sess.Personas())).Msg("conversation started")
	return nil
}

// Reconnect reopens the connection after a disconnect. The session keeps its ID.
func (s *Service) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.open(ctx); err != nil {
		return fmt.Errorf("reopen connection: %w", err)
	}
	return nil
}

// open marks the session connecting before the dial starts, so a fast
// EventOpened from the loop is never overwritten. Open is a no-op on a live
// connection, which therefore keeps its state.
func (s *Service) open(ctx context.Context) error {
	prev := s.sess.ConnectionState()
	if prev != chat.StateOpen {
		s.sess.SetConnectionState(chat.StateConnecting)
	}
	if err := s.conn.Open(ctx, s.sess.ID()); err != nil {
		s.sess.SetConnectionState(prev)
		return err
	}
	return nil
}

// Send appends the user's message to the transcript and sends it together
// with the windowed prior history. A failed send leaves a retryable error
// message in the transcript.
func (s *Service) Send(_ context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	prior := s.sess.Messages()
	s.sess.Append(chat.Message{
		ID:        ulid.Make().String(),
		Role:      chat.RoleUser,
		Content:   text,
		Timestamp: s.now().UTC(),
	})

	payload, err := protocol.EncodeRequest(text, s.sess.Personas(), History(prior, s.limit))
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	if err := s.conn.Send(payload); err != nil {
		s.undelivered(text, err)
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Close tears the conversation down. It is safe to call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	err := s.conn.Close()
	s.sess.SetConnectionState(chat.StateClosed)

	if started {
		cancel()
		<-s.done
	}
	s.drainTransport()

	s.mu.Lock()
	s.sealed = true
	close(s.events)
	s.mu.Unlock()

	s.logger.Info().Msg("conversation closed")
	return err
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	frames := make(chan dispatch.Event, cap(s.events))
	routed := make(chan struct{})
	go func() {
		defer close(routed)
		_ = s.router.Run(ctx, s.sess, s.conn.Inbound(), frames)
	}()
	defer func() { <-routed }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-frames:
			s.emit(Event{Kind: EventFrame, Frame: ev})
		case ev := <-s.conn.Events():
			s.handleTransport(ev)
		}
	}
}

func (s *Service) drainTransport() {
	for {
		select {
		case ev := <-s.conn.Events():
			s.handleTransport(ev)
		default:
			s.reclaimOverflow()
			return
		}
	}
}

func (s *Service) reclaimOverflow() {
	src, ok := s.conn.(overflowSource)
	if !ok {
		return
	}
	for _, payload := range src.TakeUndelivered() {
		s.undelivered(gjson.GetBytes(payload, "message").String(), transport.ErrNotConnected)
	}
}

func (s *Service) handleTransport(ev transport.Event) {
	state := chat.StateClosed
	if ev.Kind == transport.EventOpened {
		state = chat.StateOpen
	}
	s.sess.SetConnectionState(state)

	cause := ev.Err
	if cause == nil {
		cause = transport.ErrNotConnected
	}
	for _, payload := range ev.Undelivered {
		s.undelivered(gjson.GetBytes(payload, "message").String(), cause)
	}
	s.reclaimOverflow()

	switch ev.Kind {
	case transport.EventDisconnected:
		s.logger.Warn().Err(ev.Err).Int("undelivered", len(ev.Undelivered)).Msg("connection lost")
	default:
		s.logger.Debug().Str("event", ev.Kind.String()).Msg("connection event")
	}
	s.emit(Event{Kind: EventConnection, State: state, Err: ev.Err})
}

func (s *Service) undelivered(text string, cause error) {
	msg := chat.Message{
		ID:        ulid.Make().String(),
		Role:      chat.RoleSystemError,
		Content:   fmt.Sprintf("Message not delivered: %s (retry to resend)", describe(cause)),
		Timestamp: s.now().UTC(),
		IsError:   true,
	}
	s.sess.Append(msg)
	s.logger.Warn().Err(cause).Msg("message not delivered")
	s.emit(Event{Kind: EventDeliveryFailed, Message: msg, Text: text, Err: cause})
}

func (s *Service) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Error().Int("kind", int(ev.Kind)).Msg("event buffer full, dropping event")
	}
}

func describe(err error) string {
	switch {
	case errors.Is(err, transport.ErrNotConnected):
		return "not connected"
	case err == nil:
		return "unknown error"
	default:
		return err.Error()
	}
}

// History picks the prior messages that accompany a request: error entries
// are dropped and at most limit of the most recent remain, oldest first.
func History(messages []chat.Message, limit int) []chat.Message {
	out := make([]chat.Message, 0, len(messages))
	for _, m := range messages {
		if m.IsError || m.Role == chat.RoleSystemError {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
