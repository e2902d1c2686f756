// Package client is a session adapter for marketplace messaging. It keeps a
// local view of one user's conversations, message history, unread badge and
// typing indicators, loading state over REST and patching it from the live
// channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-messaging/internal/gateway"
	"github.com/capitalize-ai/marketplace-messaging/internal/model"
	"github.com/capitalize-ai/marketplace-messaging/pkg/logger"
)

const (
	// LivePath is the live-channel endpoint relative to the base URL.
	LivePath = "/api/v1/ws"

	writeWait = 10 * time.Second
)

// ErrNotConnected is returned by live-channel operations before Connect.
var ErrNotConnected = errors.New("live channel not connected")

// Options configures a Session.
type Options struct {
	// BaseURL is the API origin, e.g. https://api.example.com.
	BaseURL string
	Token   string
	UserID  string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *logger.Logger

	// OnEvent is called after each live event has been applied to the
	// local state. It runs on the read goroutine.
	OnEvent func(model.EventType)
}

// Session is one authenticated user's connection to the messaging API.
type Session struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *logger.Logger
	onEvent func(model.EventType)

	writeMu sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}

	mu            sync.RWMutex
	conversations []model.ConversationView
	knownUnread   map[string]int
	messages      map[string][]model.MessageView
	messageIDs    map[string]map[string]struct{}
	unread        int
	typing        map[string]map[string]bool
	lastError     string
}

// New creates a session. Nothing is fetched until a Load call or Connect.
func New(opts Options) *Session {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}

	return &Session{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       opts.Token,
		userID:      opts.UserID,
		http:        httpClient,
		dialer:      dialer,
		logger:      log.Named("session").With(zap.String("user_id", opts.UserID)),
		onEvent:     opts.OnEvent,
		knownUnread: make(map[string]int),
		messages:    make(map[string][]model.MessageView),
		messageIDs:  make(map[string]map[string]struct{}),
		typing:      make(map[string]map[string]bool),
	}
}

// Connect opens the live channel. The server joins the session to its
// personal room during the handshake.
func (s *Session) Connect(ctx context.Context) error {
	u, err := url.Parse(s.baseURL + LivePath)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("live channel handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to dial live channel: %w", err)
	}

	s.writeMu.Lock()
	s.conn = conn
	s.done = make(chan struct{})
	done := s.done
	s.writeMu.Unlock()

	go s.readLoop(conn, done)
	return nil
}

// Done is closed when the live channel goes away.
func (s *Session) Done() <-chan struct{} {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.done
}

// Close shuts the live channel.
func (s *Session) Close() error {
	s.writeMu.Lock()
	conn := s.conn
	s.conn = nil
	s.writeMu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return conn.Close()
}

// JoinConversation subscribes to a conversation's message and typing events.
func (s *Session) JoinConversation(conversationID string) error {
	return s.emit(model.EventJoinConversation, model.ConversationRef{ConversationID: conversationID})
}

// LeaveConversation unsubscribes from a conversation room.
func (s *Session) LeaveConversation(conversationID string) error {
	return s.emit(model.EventLeaveConversation, model.ConversationRef{ConversationID: conversationID})
}

// SetTyping tells the other participants whether this user is typing.
func (s *Session) SetTyping(conversationID string, typing bool) error {
	event := model.EventTypingStop
	if typing {
		event = model.EventTypingStart
	}
	return s.emit(event, model.ConversationRef{ConversationID: conversationID})
}

func (s *Session) emit(event model.EventType, payload interface{}) error {
	frame, err := gateway.EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("live channel closed", zap.Error(err))
			}
			return
		}

		var frame gateway.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("ignoring malformed frame", zap.Error(err))
			continue
		}
		s.apply(frame)
		if s.onEvent != nil {
			s.onEvent(frame.Event)
		}
	}
}
