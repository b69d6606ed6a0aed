// Package transport owns the session's single real-time connection: dialing,
// queueing while connecting, ordered writes, inbound delivery and teardown.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/parley/internal/metrics"
	"github.com/zhouzirui/parley/internal/model/chat"
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrClosing         = errors.New("connection is closing")
	ErrSessionMismatch = errors.New("manager is bound to a different session")
)

// TransportError is a network-level failure on the connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Conn is the subset of *websocket.Conn the manager relies on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes a connection for a session.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}

// EventKind enumerates connection lifecycle notifications.
type EventKind int

const (
	EventOpened EventKind = iota
	EventDisconnected
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventDisconnected:
		return "disconnected"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event reports a lifecycle transition. Undelivered lists queued payloads
// that were accepted by Send but could not be transmitted.
type Event struct {
	Kind        EventKind
	SessionID   string
	Err         error
	Undelivered [][]byte
}

// Options tunes buffer sizes.
type Options struct {
	InboundBuffer int
	EventBuffer   int
}

// DefaultOptions returns the buffer sizes used by the CLI.
func DefaultOptions() Options {
	return Options{InboundBuffer: 64, EventBuffer: 32}
}

type attempt struct {
	cancel context.CancelFunc
	conn   Conn
	closed chan struct{}
	once   sync.Once
}

// release closes the underlying connection at most once.
func (a *attempt) release() error {
	var err error
	a.once.Do(func() {
		close(a.closed)
		if a.conn != nil {
			err = a.conn.Close()
		}
	})
	return err
}

// Manager is the only writer to the transport. It is safe for concurrent use.
type Manager struct {
	dialer Dialer
	logger zerolog.Logger

	mu        sync.Mutex
	state     chat.ConnectionState
	sessionID string
	queue     [][]byte
	current   *attempt

	inbound chan []byte
	events  chan Event

	// Payloads from events that did not fit the buffer; see TakeUndelivered.
	overflowMu sync.Mutex
	overflow   [][]byte
}

// NewManager creates an idle manager.
func NewManager(dialer Dialer, logger zerolog.Logger, opts Options) *Manager {
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = DefaultOptions().InboundBuffer
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultOptions().EventBuffer
	}
	return &Manager{
		dialer:  dialer,
		logger:  logger.With().Str("component", "transport").Logger(),
		state:   chat.StateIdle,
		inbound: make(chan []byte, opts.InboundBuffer),
		events:  make(chan Event, opts.EventBuffer),
	}
}

// Inbound delivers received text frames in arrival order.
func (m *Manager) Inbound() <-chan []byte {
	return m.inbound
}

// Events delivers lifecycle notifications.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// TakeUndelivered returns and clears payloads whose lifecycle event was
// dropped because the event buffer was full. Consumers call it after
// handling events so no accepted send goes unreported.
func (m *Manager) TakeUndelivered() [][]byte {
	m.overflowMu.Lock()
	defer m.overflowMu.Unlock()
	out := m.overflow
	m.overflow = nil
	return out
}

// State returns the current connection state.
func (m *Manager) State() chat.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open starts connecting. It returns immediately; EventOpened or
// EventDisconnected reports the outcome. Calling Open while connecting or
// open is a no-op. After Closed the same session may be opened again.
func (m *Manager) Open(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case chat.StateConnecting, chat.StateOpen:
		return nil
	case chat.StateClosing:
		return ErrClosing
	}

	if m.sessionID != "" && m.sessionID != sessionID {
		return ErrSessionMismatch
	}
	m.sessionID = sessionID

	dialCtx, cancel := context.WithCancel(ctx)
	a := &attempt{cancel: cancel, closed: make(chan struct{})}
	m.current = a
	m.state = chat.StateConnecting

	m.logger.Debug().Str("session", sessionID).Msg("connecting")
	go m.dial(dialCtx, a, sessionID)
	return nil
}

func (m *Manager) dial(ctx context.Context, a *attempt, sessionID string) {
	conn, err := m.dialer.Dial(ctx, sessionID)
	a.cancel()

	m.mu.Lock()
	if m.current != a || m.state != chat.StateConnecting {
		// Torn down while dialing.
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		undelivered := m.takeQueueLocked()
		m.state = chat.StateClosed
		m.current = nil
		m.mu.Unlock()

		metrics.Disconnects.WithLabelValues("dial").Inc()
		m.logger.Warn().Err(err).Str("session", sessionID).Int("undelivered", len(undelivered)).Msg("dial failed")
		m.emit(Event{Kind: EventDisconnected, SessionID: sessionID, Err: &TransportError{Op: "dial", Err: err}, Undelivered: undelivered})
		return
	}

	a.conn = conn
	flushed := 0
	for len(m.queue) > 0 {
		if werr := conn.WriteMessage(websocket.TextMessage, m.queue[0]); werr != nil {
			undelivered := m.takeQueueLocked()
			m.state = chat.StateClosed
			m.current = nil
			m.mu.Unlock()

			_ = a.release()
			metrics.Disconnects.WithLabelValues("write").Inc()
			m.logger.Warn().Err(werr).Str("session", sessionID).Int("undelivered", len(undelivered)).Msg("flush failed")
			m.emit(Event{Kind: EventDisconnected, SessionID: sessionID, Err: &TransportError{Op: "write", Err: werr}, Undelivered: undelivered})
			return
		}
		m.queue = m.queue[1:]
		flushed++
	}
	m.queue = nil
	m.state = chat.StateOpen
	m.mu.Unlock()

	if flushed > 0 {
		metrics.QueueFlushed.Add(float64(flushed))
	}
	m.logger.Info().Str("session", sessionID).Int("flushed", flushed).Msg("connection open")
	m.emit(Event{Kind: EventOpened, SessionID: sessionID})
	go m.readLoop(a, sessionID)
}

// Send transmits payload when open, queues it while connecting and fails
// with ErrNotConnected otherwise. Writes happen in call order.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case chat.StateConnecting:
		m.queue = append(m.queue, payload)
		metrics.FramesSent.WithLabelValues("queued").Inc()
		return nil
	case chat.StateOpen:
	default:
		metrics.FramesSent.WithLabelValues("rejected").Inc()
		return ErrNotConnected
	}

	a := m.current
	if err := a.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		m.state = chat.StateClosed
		m.current = nil
		_ = a.release()

		metrics.FramesSent.WithLabelValues("failed").Inc()
		metrics.Disconnects.WithLabelValues("write").Inc()
		terr := &TransportError{Op: "write", Err: err}
		m.logger.Warn().Err(err).Str("session", m.sessionID).Msg("write failed")
		m.emit(Event{Kind: EventDisconnected, SessionID: m.sessionID, Err: terr})
		return terr
	}

	metrics.FramesSent.WithLabelValues("sent").Inc()
	return nil
}

// Close tears the connection down. The transport is released exactly once no
// matter how often Close is called or whether a dial is still in flight.
func (m *Manager) Close() error {
	m.mu.Lock()

	switch m.state {
	case chat.StateIdle, chat.StateClosed, chat.StateClosing:
		m.mu.Unlock()
		return nil
	case chat.StateConnecting:
		a := m.current
		undelivered := m.takeQueueLocked()
		m.state = chat.StateClosed
		m.current = nil
		sessionID := m.sessionID
		m.mu.Unlock()

		a.cancel()
		_ = a.release()
		m.emit(Event{Kind: EventClosed, SessionID: sessionID, Undelivered: undelivered})
		return nil
	}

	a := m.current
	m.state = chat.StateClosing
	sessionID := m.sessionID
	m.mu.Unlock()

	err := a.release()

	m.mu.Lock()
	m.state = chat.StateClosed
	m.current = nil
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug().Err(err).Str("session", sessionID).Msg("close returned error")
	}
	m.logger.Info().Str("session", sessionID).Msg("connection closed")
	m.emit(Event{Kind: EventClosed, SessionID: sessionID})
	return nil
}

func (m *Manager) readLoop(a *attempt, sessionID string) {
	for {
		typ, data, err := a.conn.ReadMessage()
		if err != nil {
			m.handleReadError(a, sessionID, err)
			return
		}
		if typ != websocket.TextMessage {
			continue
		}

		select {
		case m.inbound <- data:
		case <-a.closed:
			return
		}
	}
}

func (m *Manager) handleReadError(a *attempt, sessionID string, err error) {
	m.mu.Lock()
	if m.current != a || m.state != chat.StateOpen {
		m.mu.Unlock()
		return
	}
	m.state = chat.StateClosed
	m.current = nil
	m.mu.Unlock()

	_ = a.release()
	metrics.Disconnects.WithLabelValues("read").Inc()
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.logger.Warn().Err(err).Str("session", sessionID).Msg("connection lost")
	} else {
		m.logger.Info().Err(err).Str("session", sessionID).Msg("connection ended by peer")
	}
	m.emit(Event{Kind: EventDisconnected, SessionID: sessionID, Err: &TransportError{Op: "read", Err: err}})
}

func (m *Manager) takeQueueLocked() [][]byte {
	q := m.queue
	m.queue = nil
	return q
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		metrics.EventsOverflowed.Inc()
		if len(ev.Undelivered) > 0 {
			m.overflowMu.Lock()
			m.overflow = append(m.overflow, ev.Undelivered...)
			m.overflowMu.Unlock()
		}
		m.logger.Error().Str("event", ev.Kind.String()).Int("undelivered", len(ev.Undelivered)).Msg("event buffer full, keeping undelivered payloads for TakeUndelivered")
	}
}
