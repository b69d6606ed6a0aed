package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/parley/internal/metrics"
	"github.com/zhouzirui/parley/internal/protocol"
	"github.com/zhouzirui/parley/internal/service/ai"
	"github.com/zhouzirui/parley/internal/service/speech"
)

// Options tunes the relay connection loop.
type Options struct {
	ResponseDelay time.Duration // pause between typing on and the reply
	VoiceEnabled  bool          // send voice_data for voice-enabled characters
	ReadTimeout   time.Duration
	PingInterval  time.Duration
}

// DefaultOptions mirrors the client's keepalive settings.
func DefaultOptions() Options {
	return Options{
		VoiceEnabled: true,
		ReadTimeout:  60 * time.Second,
		PingInterval: 54 * time.Second,
	}
}

// WebSocketHandler speaks the chat protocol on /ws/{clientID}.
type WebSocketHandler struct {
	responder ai.Responder
	voice     speech.Voice
	opts      Options
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
	active    atomic.Int64
}

// NewWebSocketHandler creates the relay handler. A nil voice disables audio.
func NewWebSocketHandler(responder ai.Responder, voice speech.Voice, opts Options, logger zerolog.Logger) *WebSocketHandler {
	def := DefaultOptions()
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	return &WebSocketHandler{
		responder: responder,
		voice:     voice,
		opts:      opts,
		logger:    logger.With().Str("component", "relay").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes registers the WebSocket route.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{clientID}", h.handleWebSocket)
}

// ActiveSessions reports the number of open connections.
func (h *WebSocketHandler) ActiveSessions() int64 {
	return h.active.Load()
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if clientID == "" {
		http.Error(w, "clientID is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("client", clientID).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	h.active.Add(1)
	metrics.RelaySessions.Inc()
	defer func() {
		h.active.Add(-1)
		metrics.RelaySessions.Dec()
	}()

	logger := h.logger.With().Str("client", clientID).Logger()
	logger.Info().Msg("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.pingLoop(ctx, conn)

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			} else {
				logger.Info().Msg("client disconnected")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))

		if typ != websocket.TextMessage {
			continue
		}

		req, err := protocol.DecodeRequest(data)
		if err != nil {
			logger.Debug().Err(err).Msg("invalid payload")
			if err := h.send(conn, stamped(protocol.NewErrorFrame("invalid_payload: "+err.Error()))); err != nil {
				return
			}
			continue
		}

		if err := h.handleRequest(ctx, conn, req, logger); err != nil {
			logger.Warn().Err(err).Msg("write failed, closing connection")
			return
		}
	}
}

// handleRequest answers every character in request order. Per character the
// client sees typing on, the reply, optional voice, the avatar prompt and
// typing off. Only write errors are returned.
func (h *WebSocketHandler) handleRequest(ctx context.Context, conn *websocket.Conn, req protocol.Request, logger zerolog.Logger) error {
	for _, character := range req.Characters {
		if character.ID == "" {
			frame := stamped(protocol.NewErrorFrame("invalid_character: character id is required"))
			if err := h.send(conn, frame); err != nil {
				return err
			}
			continue
		}

		if err := h.send(conn, protocol.NewTypingIndicator(character.ID, true)); err != nil {
			return err
		}

		if h.opts.ResponseDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(h.opts.ResponseDelay):
			}
		}

		reply, err := h.responder.Respond(ctx, character, req.Message, req.ConversationHistory)
		if err != nil {
			metrics.RelayReplies.WithLabelValues("error").Inc()
			logger.Warn().Err(err).Str("character", character.ID).Msg("reply failed")
			frame := protocol.NewErrorFrame(fmt.Sprintf("reply_failed: %v", err))
			frame.CharacterID = character.ID
			if err := h.send(conn, stamped(frame)); err != nil {
				return err
			}
			if err := h.send(conn, protocol.NewTypingIndicator(character.ID, false)); err != nil {
				return err
			}
			continue
		}
		metrics.RelayReplies.WithLabelValues("ok").Inc()

		now := protocol.FormatTimestamp(time.Now())
		if err := h.send(conn, protocol.NewCharacterResponse(character.ID, reply, now)); err != nil {
			return err
		}

		if h.opts.VoiceEnabled && character.VoiceEnabled && h.voice != nil {
			audio, err := h.voice.TextToSpeech(ctx, reply, character.VoiceID)
			if err != nil {
				logger.Warn().Err(err).Str("character", character.ID).Msg("voice synthesis failed")
			} else if err := h.send(conn, protocol.NewVoiceData(character.ID, audio)); err != nil {
				return err
			}
		}

		if err := h.send(conn, protocol.NewAvatarPrompt(character.ID, ai.AvatarPrompt(character), now)); err != nil {
			return err
		}
		if err := h.send(conn, protocol.NewTypingIndicator(character.ID, false)); err != nil {
			return err
		}
	}
	return nil
}

func (h *WebSocketHandler) send(conn *websocket.Conn, frame any) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}

func stamped(frame protocol.ErrorFrame) protocol.ErrorFrame {
	frame.Timestamp = protocol.FormatTimestamp(time.Now())
	return frame
}

// pingLoop keeps idle clients alive. WriteControl is safe to call alongside
// the read loop's writes.
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
