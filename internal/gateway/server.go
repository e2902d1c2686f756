package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-messaging/internal/auth"
	"github.com/capitalize-ai/marketplace-messaging/internal/model"
	"github.com/capitalize-ai/marketplace-messaging/internal/service"
	"github.com/capitalize-ai/marketplace-messaging/pkg/logger"
	"github.com/capitalize-ai/marketplace-messaging/pkg/metrics"
)

const eventTimeout = 15 * time.Second

// Server upgrades authenticated requests to live connections and dispatches
// their inbound events.
type Server struct {
	hub           *Hub
	verifier      *auth.Verifier
	conversations *service.ConversationService
	messages      *service.MessageService
	broadcaster   service.Broadcaster
	upgrader      websocket.Upgrader
	logger        *logger.Logger
}

// NewServer creates a gateway server. Typing relays go through broadcaster so
// they reach every instance; pass the hub itself for a single instance.
func NewServer(
	hub *Hub,
	verifier *auth.Verifier,
	conversations *service.ConversationService,
	messages *service.MessageService,
	broadcaster service.Broadcaster,
	allowedOrigins []string,
	log *logger.Logger,
) *Server {
	if broadcaster == nil {
		broadcaster = hub
	}
	return &Server{
		hub:           hub,
		verifier:      verifier,
		conversations: conversations,
		messages:      messages,
		broadcaster:   broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: log.Named("gateway"),
	}
}

// ServeHTTP authenticates the handshake before upgrading. A rejected
// handshake never joins a room.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := s.verifier.VerifyRequest(r)
	if err != nil {
		metrics.GatewayRejectedTotal.Inc()
		s.logger.Info("handshake rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(s.hub, conn, principal)
	s.hub.register(client)

	go client.writePump()
	// The request context stays valid while the read loop runs.
	client.readPump(r.Context(), s.dispatch)
}

func (s *Server) dispatch(ctx context.Context, c *Client, frame Frame) {
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	switch frame.Event {
	case model.EventJoinConversation:
		var ref model.ConversationRef
		if !decode(c, frame, &ref) {
			return
		}
		if _, err := s.conversations.Authorize(ctx, c.principal, ref.ConversationID); err != nil {
			c.sendError(s.publicError(err, "failed to join conversation"))
			return
		}
		s.hub.join(c, ConversationRoom(ref.ConversationID))

	case model.EventLeaveConversation:
		var ref model.ConversationRef
		if !decode(c, frame, &ref) {
			return
		}
		s.hub.leave(c, ConversationRoom(ref.ConversationID))

	case model.EventSendMessage:
		var ev model.SendMessageEvent
		if !decode(c, frame, &ev) {
			return
		}
		ctx = service.WithTransport(ctx, service.TransportLive)
		if _, err := s.messages.Send(ctx, c.principal, ev.ConversationID, ev.SendMessageRequest); err != nil {
			c.sendError(s.publicError(err, "failed to send message"))
		}

	case model.EventTypingStart, model.EventTypingStop:
		var ref model.ConversationRef
		if !decode(c, frame, &ref) {
			return
		}
		if !s.hub.inRoom(c, ConversationRoom(ref.ConversationID)) {
			return
		}
		s.broadcaster.EmitToConversation(ref.ConversationID, model.EventUserTyping, model.UserTypingEvent{
			ConversationID: ref.ConversationID,
			UserID:         c.principal.UserID,
			IsTyping:       frame.Event == model.EventTypingStart,
		})

	default:
		c.sendError("unknown event " + string(frame.Event))
	}
}

// publicError translates the service error taxonomy for the client.
// Store failures are logged and reported generically.
func (s *Server) publicError(err error, fallback string) string {
	switch {
	case errors.Is(err, service.ErrInvalid),
		errors.Is(err, service.ErrNotFound),
		errors.Is(err, service.ErrForbidden):
		return err.Error()
	default:
		s.logger.Error(fallback, zap.Error(err))
		return fallback
	}
}

func decode(c *Client, frame Frame, v interface{}) bool {
	if len(frame.Data) == 0 {
		c.sendError("missing data for " + string(frame.Event))
		return false
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		c.sendError("malformed data for " + string(frame.Event))
		return false
	}
	return true
}

func (c *Client) sendError(msg string) {
	frame, err := EncodeFrame(model.EventMessageError, model.ErrorEvent{Error: msg})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// checkOrigin allows same-host requests, requests without an Origin header
// and any listed origin. "*" allows every origin.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), r.Host)
	}
}
