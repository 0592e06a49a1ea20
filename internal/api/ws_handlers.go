package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/swarmlight/internal/event"
	"github.com/onnwee/swarmlight/internal/graph"
	"github.com/onnwee/swarmlight/internal/middleware"
)

// Websocket limits.
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultAuthTimeout  = 10 * time.Second
	maxMessageSize      = 16 << 10
)

// Connection roles, used as the websocket gauge label.
const (
	roleParticipant = "participant"
	roleAdmin       = "admin"
)

// WebSocketConfig configures WebSocketHandlers.
type WebSocketConfig struct {
	Registry      *event.Registry
	Authenticator middleware.Authenticator
	// Metrics and EventMetrics may be nil.
	Metrics      *middleware.Metrics
	EventMetrics *event.Metrics
	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string
	WriteTimeout   time.Duration
	AuthTimeout    time.Duration
	Logger         *slog.Logger
}

// WebSocketHandlers serves the participant and admin channels of events.
type WebSocketHandlers struct {
	registry     *event.Registry
	auth         middleware.Authenticator
	metrics      *middleware.Metrics
	eventMetrics *event.Metrics
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	authTimeout  time.Duration
	logger       *slog.Logger
}

// NewWebSocketHandlers creates a new WebSocketHandlers instance.
func NewWebSocketHandlers(config WebSocketConfig) *WebSocketHandlers {
	h := &WebSocketHandlers{
		registry:     config.Registry,
		auth:         config.Authenticator,
		metrics:      config.Metrics,
		eventMetrics: config.EventMetrics,
		writeTimeout: config.WriteTimeout,
		authTimeout:  config.AuthTimeout,
		logger:       config.Logger,
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = DefaultWriteTimeout
	}
	if h.authTimeout <= 0 {
		h.authTimeout = DefaultAuthTimeout
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	origins := slices.Clone(config.AllowedOrigins)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(origins) == 0 || origin == "" || slices.Contains(origins, origin)
		},
	}
	return h
}

// wsSender adapts a websocket connection to event.Sender. Writes are
// serialized because gorilla connections support one concurrent writer.
type wsSender struct {
	conn         *websocket.Conn
	codec        event.Codec
	writeTimeout time.Duration

	mu sync.Mutex
}

func (s *wsSender) Send(_ context.Context, msg event.Message) error {
	data, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	frame := websocket.TextMessage
	if s.codec.Binary() {
		frame = websocket.BinaryMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(frame, data)
}

// read returns the next frame decoded with the connection's codec. Frames of
// the other kind are invalid. A non-nil frameErr is a transport failure.
func (s *wsSender) read() (msg event.Message, decodeErr, frameErr error) {
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	if (msgType == websocket.BinaryMessage) != s.codec.Binary() {
		return nil, fmt.Errorf("%w: expected %s frame", event.ErrInvalidMessage, s.codec.Name()), nil
	}
	msg, err = s.codec.Decode(data)
	return msg, err, nil
}

// close sends a close frame and closes the connection.
func (s *wsSender) close(code int, reason string) {
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.writeTimeout))
	s.mu.Unlock()
	_ = s.conn.Close()
}

// upgrade resolves the event, then switches the connection to websocket. On
// failure the response has already been written.
func (h *WebSocketHandlers) upgrade(w http.ResponseWriter, r *http.Request) (*event.Session, *wsSender, bool) {
	s, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "Event not found")
		return nil, nil, false
	}
	codec, err := event.CodecByName(r.URL.Query().Get("encoding"))
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "Unsupported encoding; use json or cbor")
		return nil, nil, false
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		h.logger.WarnContext(r.Context(), "failed to upgrade websocket connection",
			"error", err,
			"event_id", s.ID(),
		)
		return nil, nil, false
	}
	conn.SetReadLimit(maxMessageSize)

	return s, &wsSender{conn: conn, codec: codec, writeTimeout: h.writeTimeout}, true
}

// Join handles GET /events/{id}/join, the participant channel. Each frame is
// one message, JSON text by default or CBOR binary with ?encoding=cbor;
// rejected messages are answered with ERROR and the connection stays open.
func (h *WebSocketHandlers) Join(w http.ResponseWriter, r *http.Request) {
	s, sender, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	// The request context ends with the handler; cleanup must still reach Redis.
	ctx := context.WithoutCancel(r.Context())
	logger := h.logger.With(
		"event_id", s.ID(),
		"connection_id", uuid.NewString(),
		"request_id", middleware.GetRequestID(ctx),
	)

	h.metrics.AddWebsocketConnections(roleParticipant, 1)
	pc := s.Connect(sender)
	logger.DebugContext(ctx, "participant connected")

	defer func() {
		pc.Close(ctx)
		_ = sender.conn.Close()
		h.metrics.AddWebsocketConnections(roleParticipant, -1)
		logger.DebugContext(ctx, "participant disconnected", "device_id", pc.DeviceID())
	}()

	for {
		msg, err, frameErr := sender.read()
		if frameErr != nil {
			if websocket.IsUnexpectedCloseError(frameErr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WarnContext(ctx, "websocket connection closed unexpectedly", "error", frameErr)
			}
			return
		}
		if err != nil {
			h.reject(ctx, logger, sender, err)
			continue
		}
		if err := pc.Handle(ctx, msg); err != nil {
			h.reject(ctx, logger, sender, err)
		}
	}
}

// Admin handles GET /events/{id}/admin. The first message must be
// AUTHENTICATION carrying a token issued to the event admin; anything else
// closes the connection. After that the admin receives reports and may send
// EFFECT, which is relayed to every participant.
func (h *WebSocketHandlers) Admin(w http.ResponseWriter, r *http.Request) {
	s, sender, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	ctx := context.WithoutCancel(r.Context())
	logger := h.logger.With(
		"event_id", s.ID(),
		"connection_id", uuid.NewString(),
		"request_id", middleware.GetRequestID(ctx),
	)

	userID, err := h.authenticate(sender)
	if err == nil {
		err = s.AttachAdmin(userID, sender)
	}
	if err != nil {
		logger.WarnContext(ctx, "admin authentication failed", "error", err)
		_ = sender.Send(ctx, event.Error{Message: "authentication failed"})
		sender.close(websocket.ClosePolicyViolation, "authentication failed")
		return
	}

	h.metrics.AddWebsocketConnections(roleAdmin, 1)
	logger.InfoContext(ctx, "admin connected", "admin_id", userID)

	defer func() {
		s.DetachAdmin(sender)
		_ = sender.conn.Close()
		h.metrics.AddWebsocketConnections(roleAdmin, -1)
		logger.InfoContext(ctx, "admin disconnected", "admin_id", userID)
	}()

	// Effects are the only thing an admin sends after authenticating.
	for {
		msg, err, frameErr := sender.read()
		if frameErr != nil {
			if websocket.IsUnexpectedCloseError(frameErr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WarnContext(ctx, "websocket connection closed unexpectedly", "error", frameErr)
			}
			return
		}
		if err != nil {
			h.reject(ctx, logger, sender, err)
			continue
		}
		effect, ok := msg.(event.Effect)
		if !ok {
			h.reject(ctx, logger, sender, fmt.Errorf("%w: %s", event.ErrUnexpected, msg.Type()))
			continue
		}
		if err := s.PlayEffect(ctx, effect); err != nil {
			h.reject(ctx, logger, sender, err)
		}
	}
}

// authenticate reads the AUTHENTICATION message within the auth timeout and
// returns the token subject.
func (h *WebSocketHandlers) authenticate(sender *wsSender) (string, error) {
	if err := sender.conn.SetReadDeadline(time.Now().Add(h.authTimeout)); err != nil {
		return "", err
	}
	msg, err, frameErr := sender.read()
	if frameErr != nil {
		return "", frameErr
	}
	if err != nil {
		return "", err
	}
	if err := sender.conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}
	authMsg, ok := msg.(event.Authentication)
	if !ok {
		return "", event.ErrUnexpected
	}
	return h.auth.Authenticate(authMsg.Token)
}

// reject answers a refused message with ERROR. Errors caused by the message
// itself are echoed; anything else is logged and reported generically.
func (h *WebSocketHandlers) reject(ctx context.Context, logger *slog.Logger, sender *wsSender, err error) {
	reason := rejectReason(err)
	h.eventMetrics.IncMessagesRejected(reason)

	text := err.Error()
	if reason == "internal" {
		text = "internal error"
		logger.WarnContext(ctx, "message handling failed", "error", err)
	} else {
		logger.DebugContext(ctx, "message rejected", "reason", reason, "error", err)
	}

	if sendErr := sender.Send(ctx, event.Error{Message: text}); sendErr != nil {
		logger.DebugContext(ctx, "failed to send error message", "error", sendErr)
	}
}

// rejectReason classifies a refusal for the rejected-messages metric.
// "internal" marks failures not caused by the message itself.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, event.ErrInvalidMessage):
		return "invalid"
	case errors.Is(err, event.ErrUnknownMessageType):
		return "unknown_type"
	case errors.Is(err, event.ErrUnexpected):
		return "unexpected"
	case errors.Is(err, event.ErrNotJoined):
		return "not_joined"
	case errors.Is(err, event.ErrEventClosed):
		return "closed"
	case errors.Is(err, graph.ErrInvalidEdgeWeight):
		return "invalid_weight"
	default:
		return "internal"
	}
}
