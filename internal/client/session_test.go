package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/capitalize-ai/marketplace-messaging/internal/auth"
	"github.com/capitalize-ai/marketplace-messaging/internal/directory"
	"github.com/capitalize-ai/marketplace-messaging/internal/gateway"
	"github.com/capitalize-ai/marketplace-messaging/internal/handler"
	"github.com/capitalize-ai/marketplace-messaging/internal/model"
	"github.com/capitalize-ai/marketplace-messaging/internal/service"
	"github.com/capitalize-ai/marketplace-messaging/internal/store/memory"
	"github.com/capitalize-ai/marketplace-messaging/pkg/logger"
)

const testSecret = "session-secret"

func startServer(t *testing.T) string {
	t.Helper()
	log := logger.NewNop()

	convStore := memory.NewConversationStore()
	msgStore := memory.NewMessageStore()
	dir := directory.NewStatic(
		model.UserSummary{ID: "u1", FirstName: "Ada", LastName: "Lovelace"},
		model.UserSummary{ID: "u2", FirstName: "Grace", LastName: "Hopper"},
	)
	verifier := auth.NewVerifier(testSecret, []string{"admin"})

	hub := gateway.NewHub(log)
	convSvc := service.NewConversationService(convStore, msgStore, dir, dir, verifier, log)
	msgSvc := service.NewMessageService(msgStore, convStore, convSvc, dir, hub, log)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Serve(ctx)

	router := handler.NewRouter(handler.RouterConfig{
		Logger:             log,
		Verifier:           verifier,
		Conversations:      handler.NewConversationHandler(convSvc, log),
		Messages:           handler.NewMessageHandler(msgSvc, convSvc, log),
		Health:             handler.NewHealthHandler(convStore, nil),
		Live:               gateway.NewServer(hub, verifier, convSvc, msgSvc, hub, nil, log),
		CORSAllowedOrigins: []string{"*"},
		RateLimitRequests:  1000,
		RateLimitWindow:    time.Minute,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv.URL
}

// eventLog records applied events so tests can wait for them.
type eventLog struct {
	mu     sync.Mutex
	counts map[model.EventType]int
}

func (l *eventLog) record(e model.EventType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = make(map[model.EventType]int)
	}
	l.counts[e]++
}

func (l *eventLog) count(e model.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[e]
}

func newSession(t *testing.T, baseURL, userID string) (*Session, *eventLog) {
	t.Helper()
	token, err := auth.NewToken(testSecret, userID, "client", time.Hour)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	events := &eventLog{}
	s := New(Options{BaseURL: baseURL, Token: token, UserID: userID, OnEvent: events.record})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, events
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionEndToEnd(t *testing.T) {
	baseURL := startServer(t)
	ctx := context.Background()

	ada, _ := newSession(t, baseURL, "u1")
	grace, graceEvents := newSession(t, baseURL, "u2")

	if _, err := grace.LoadConversations(ctx, 1, 20); err != nil {
		t.Fatalf("LoadConversations: %v", err)
	}

	conv, err := ada.CreateConversation(ctx, model.CreateConversationRequest{ParticipantID: "u2"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := ada.LoadMessages(ctx, conv.ID, 1, 50); err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}

	if _, err := ada.SendMessage(ctx, conv.ID, model.SendMessageRequest{Content: "Hello"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// The first message announces the conversation to the recipient.
	waitFor(t, "new_conversation", func() bool { return graceEvents.count(model.EventNewConversation) == 1 })
	convs := grace.Conversations()
	if len(convs) != 1 || convs[0].ID != conv.ID || convs[0].Title != "Ada Lovelace" {
		t.Fatalf("unexpected recipient list %+v", convs)
	}
	if got := grace.UnreadCount(); got != 1 {
		t.Fatalf("expected recipient badge 1, got %d", got)
	}
	if got := ada.UnreadCount(); got != 0 {
		t.Fatalf("sender badge must stay 0, got %d", got)
	}
	if msgs := ada.Messages(conv.ID); len(msgs) != 1 || msgs[0].Content != "Hello" {
		t.Fatalf("expected sender history to hold the sent message, got %+v", msgs)
	}

	// Opening the thread marks it read and clears the badge.
	history, err := grace.LoadMessages(ctx, conv.ID, 1, 50)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(history.Messages) != 1 || !history.Messages[0].IsRead {
		t.Fatalf("expected read history, got %+v", history.Messages)
	}
	if got := grace.UnreadCount(); got != 0 {
		t.Fatalf("expected badge cleared, got %d", got)
	}

	// Live messages append to joined, loaded threads without duplicates.
	if err := grace.JoinConversation(conv.ID); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}
	if err := ada.JoinConversation(conv.ID); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}
	// Joins are processed asynchronously on each connection.
	time.Sleep(100 * time.Millisecond)

	if _, err := ada.SendMessage(ctx, conv.ID, model.SendMessageRequest{Content: "Still there?"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "live append", func() bool { return len(grace.Messages(conv.ID)) == 2 })
	waitFor(t, "badge", func() bool { return grace.UnreadCount() == 1 })
	waitFor(t, "sender echo", func() bool { return len(ada.Messages(conv.ID)) == 2 })
	time.Sleep(50 * time.Millisecond)
	if n := len(ada.Messages(conv.ID)); n != 2 {
		t.Fatalf("sender echo must be de-duplicated, got %d messages", n)
	}

	if err := grace.MarkRead(ctx, conv.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if got := grace.UnreadCount(); got != 0 {
		t.Fatalf("expected badge 0 after MarkRead, got %d", got)
	}
	if n, err := grace.RefreshUnreadCount(ctx); err != nil || n != 0 {
		t.Fatalf("RefreshUnreadCount = %d, %v", n, err)
	}

	// Typing flags stick until cleared.
	if err := ada.SetTyping(conv.ID, true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	waitFor(t, "typing", func() bool {
		users := grace.Typing(conv.ID)
		return len(users) == 1 && users[0] == "u1"
	})
	if err := ada.SetTyping(conv.ID, false); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	waitFor(t, "typing cleared", func() bool { return len(grace.Typing(conv.ID)) == 0 })
	if len(ada.Typing(conv.ID)) != 0 {
		t.Fatal("own typing events must be ignored")
	}
}

func TestSessionRejectedHandshake(t *testing.T) {
	baseURL := startServer(t)
	s := New(Options{BaseURL: baseURL, Token: "garbage", UserID: "u1"})
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected handshake failure")
	}
	if err := s.JoinConversation("c1"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSessionLiveErrors(t *testing.T) {
	baseURL := startServer(t)
	s, events := newSession(t, baseURL, "u1")

	if err := s.JoinConversation("missing"); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}
	waitFor(t, "message_error", func() bool { return events.count(model.EventMessageError) == 1 })
	if s.LastError() == "" {
		t.Fatal("expected last error to be recorded")
	}
}

func TestSessionRESTErrors(t *testing.T) {
	baseURL := startServer(t)
	s, _ := newSession(t, baseURL, "u1")

	_, err := s.SendMessage(context.Background(), "missing", model.SendMessageRequest{Content: "hi"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestApplyUpdateBeforeListLoaded(t *testing.T) {
	s := New(Options{UserID: "u2"})

	at := time.Now()
	update := func(unread int) gateway.Frame {
		frame, _ := gateway.EncodeFrame(model.EventConversationUpdated, model.ConversationUpdatedEvent{
			ConversationID: "c1",
			LastMessage:    &model.MessageView{Message: model.Message{ID: "m", SenderID: "u1", CreatedAt: at}},
			UnreadCount:    unread,
		})
		return decodeFrame(t, frame)
	}

	s.apply(update(4))
	if got := s.UnreadCount(); got != 1 {
		t.Fatalf("unknown conversation should add one, got %d", got)
	}
	s.apply(update(5))
	if got := s.UnreadCount(); got != 2 {
		t.Fatalf("known conversation should apply delta, got %d", got)
	}

	frame, _ := gateway.EncodeFrame(model.EventNewConversation, model.ConversationView{ID: "c1", UnreadCount: 5})
	s.apply(decodeFrame(t, frame))
	if got := s.UnreadCount(); got != 2 {
		t.Fatalf("announcement of a known conversation must not double count, got %d", got)
	}
	if convs := s.Conversations(); len(convs) != 1 || convs[0].UnreadCount != 5 {
		t.Fatalf("unexpected list %+v", convs)
	}

	s.mu.Lock()
	s.clearUnreadLocked("c1")
	s.clearUnreadLocked("c1")
	s.mu.Unlock()
	if got := s.UnreadCount(); got != 0 {
		t.Fatalf("badge must clamp at zero, got %d", got)
	}
}

func decodeFrame(t *testing.T, data []byte) gateway.Frame {
	t.Helper()
	var frame gateway.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("Unmarshal frame: %v", err)
	}
	return frame
}
