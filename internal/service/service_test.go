package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/marketplace-messaging/internal/auth"
	"github.com/capitalize-ai/marketplace-messaging/internal/directory"
	"github.com/capitalize-ai/marketplace-messaging/internal/model"
	"github.com/capitalize-ai/marketplace-messaging/internal/store"
	"github.com/capitalize-ai/marketplace-messaging/internal/store/memory"
	"github.com/capitalize-ai/marketplace-messaging/pkg/logger"
)

var (
	u1    = auth.Principal{UserID: "u1", Role: "client"}
	u2    = auth.Principal{UserID: "u2", Role: "provider"}
	u3    = auth.Principal{UserID: "u3", Role: "client"}
	admin = auth.Principal{UserID: "a1", Role: "admin"}
)

type event struct {
	room    string
	name    model.EventType
	payload interface{}
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []event
}

func (b *recordingBroadcaster) EmitToUser(userID string, name model.EventType, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event{room: "user:" + userID, name: name, payload: payload})
}

func (b *recordingBroadcaster) EmitToConversation(id string, name model.EventType, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event{room: "conversation:" + id, name: name, payload: payload})
}

func (b *recordingBroadcaster) named(name model.EventType) []event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []event
	for _, e := range b.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func (b *recordingBroadcaster) reset() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

type fixture struct {
	convStore     *memory.ConversationStore
	msgStore      *memory.MessageStore
	dir           *directory.Static
	broadcaster   *recordingBroadcaster
	conversations *ConversationService
	messages      *MessageService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		convStore: memory.NewConversationStore(),
		msgStore:  memory.NewMessageStore(),
		dir: directory.NewStatic(
			model.UserSummary{ID: "u1", FirstName: "Ada", LastName: "Lovelace", ProfileImage: "https://cdn.example.com/ada.png"},
			model.UserSummary{ID: "u2", FirstName: "Grace", LastName: "Hopper"},
			model.UserSummary{ID: "u3", FirstName: "Alan", LastName: "Turing"},
		),
		broadcaster: &recordingBroadcaster{},
	}
	f.dir.PutBooking(model.BookingSummary{ID: "b1", ServiceCategory: "photography", EventType: "wedding", Location: "Lisbon"})
	roles := auth.NewVerifier("secret", []string{"admin"})
	log := logger.NewNop()
	f.conversations = NewConversationService(f.convStore, f.msgStore, f.dir, f.dir, roles, log)
	f.messages = NewMessageService(f.msgStore, f.convStore, f.conversations, f.dir, f.broadcaster, log)
	return f
}

func (f *fixture) conversation(t *testing.T, p auth.Principal, other string) *model.ConversationView {
	t.Helper()
	view, _, err := f.conversations.FindOrCreate(context.Background(), p, model.CreateConversationRequest{ParticipantID: other})
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	return view
}

func (f *fixture) send(t *testing.T, p auth.Principal, convID, content string) *model.MessageView {
	t.Helper()
	msg, err := f.messages.Send(context.Background(), p, convID, model.SendMessageRequest{Content: content})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return msg
}

func (f *fixture) unread(t *testing.T, p auth.Principal) int {
	t.Helper()
	n, err := f.conversations.UnreadCount(context.Background(), p)
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	return n
}

func TestFindOrCreateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.conversations.FindOrCreate(ctx, u1, model.CreateConversationRequest{ParticipantID: "u2"})
	if err != nil || !created {
		t.Fatalf("first call: created=%v err=%v", created, err)
	}
	second, created, err := f.conversations.FindOrCreate(ctx, u2, model.CreateConversationRequest{ParticipantID: "u1"})
	if err != nil || created {
		t.Fatalf("second call: created=%v err=%v", created, err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same conversation, got %s and %s", first.ID, second.ID)
	}

	list, _ := f.conversations.List(ctx, u1, 1, 20)
	if len(list.Conversations) != 1 {
		t.Fatalf("expected one active conversation, got %d", len(list.Conversations))
	}
}

func TestFindOrCreateConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, other := u1, "u2"
			if i%2 == 1 {
				p, other = u2, "u1"
			}
			view, _, err := f.conversations.FindOrCreate(ctx, p, model.CreateConversationRequest{ParticipantID: other})
			if err != nil {
				t.Errorf("FindOrCreate: %v", err)
				return
			}
			ids <- view.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Fatalf("concurrent find-or-create produced two conversations: %s, %s", first, id)
		}
	}
}

func TestFindOrCreateErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  model.CreateConversationRequest
		want error
	}{
		{"missing participant", model.CreateConversationRequest{}, ErrInvalid},
		{"malformed participant", model.CreateConversationRequest{ParticipantID: "u$1"}, ErrInvalid},
		{"self conversation", model.CreateConversationRequest{ParticipantID: "u1"}, ErrInvalid},
		{"unknown participant", model.CreateConversationRequest{ParticipantID: "ghost"}, ErrNotFound},
		{"unknown booking", model.CreateConversationRequest{ParticipantID: "u2", BookingID: "b404"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.conversations.FindOrCreate(ctx, u1, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestFindOrCreateWithBookingAndTitle(t *testing.T) {
	f := newFixture(t)

	view, _, err := f.conversations.FindOrCreate(context.Background(), u1, model.CreateConversationRequest{
		ParticipantID: "u2",
		BookingID:     "b1",
		Title:         "  Wedding shoot  ",
	})
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if view.Title != "Wedding shoot" {
		t.Errorf("expected explicit title, got %q", view.Title)
	}
	if view.Booking == nil || view.Booking.ServiceCategory != "photography" {
		t.Errorf("expected booking summary, got %+v", view.Booking)
	}
	if len(view.Participants) != 2 || view.Participants[1].FirstName != "Grace" {
		t.Errorf("expected populated participants, got %+v", view.Participants)
	}
}

func TestDerivedTitleIsPerViewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, u1, "u2")

	if conv.Title != "Grace Hopper" {
		t.Errorf("u1 should see %q, got %q", "Grace Hopper", conv.Title)
	}
	asU2, err := f.conversations.Get(ctx, u2, conv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if asU2.Title != "Ada Lovelace" {
		t.Errorf("u2 should see %q, got %q", "Ada Lovelace", asU2.Title)
	}
	if asU2.AvatarURL != "https://cdn.example.com/ada.png" || asU2.OtherParticipant == nil || asU2.OtherParticipant.ID != "u1" {
		t.Errorf("unexpected other participant fields %+v", asU2)
	}
}

func TestUnknownUserTitle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, u1, "u2")

	// The other participant disappears from the directory.
	f.dir = directory.NewStatic(model.UserSummary{ID: "u1", FirstName: "Ada", LastName: "Lovelace"})
	f.conversations.users = f.dir

	view, err := f.conversations.Get(ctx, u1, conv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Title != model.UnknownUserTitle || view.OtherParticipant != nil {
		t.Errorf("expected sentinel title, got %q", view.Title)
	}
}

func TestUnreadAccounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, u1, "u2")

	for i := 1; i <= 3; i++ {
		f.send(t, u1, conv.ID, fmt.Sprintf("msg %d", i))
		if got := f.unread(t, u2); got != i {
			t.Fatalf("after %d sends u2 unread = %d", i, got)
		}
		if got := f.unread(t, u1); got != 0 {
			t.Fatalf("sender unread changed to %d", got)
		}
	}

	if err := f.messages.MarkRead(ctx, u2, conv.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if got := f.unread(t, u2); got != 0 {
		t.Fatalf("after MarkRead u2 unread = %d", got)
	}
	if err := f.messages.MarkRead(ctx, u2, conv.ID); err != nil {
		t.Fatalf("second MarkRead: %v", err)
	}

	f.send(t, u1, conv.ID, "again")
	if got := f.unread(t, u2); got != 1 {
		t.Fatalf("expected unread 1 after new send, got %d", got)
	}
}

func TestListMessagesMarksRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, u1, "u2")
	f.send(t, u1, conv.ID, "Hello")
	f.send(t, u2, conv.ID, "Hi back")

	resp, err := f.messages.List(ctx, u2, conv.ID, 1, 50)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(resp.Messages))
	}
	hello := resp.Messages[0]
	if hello.Content != "Hello" || !hello.IsRead || hello.ReadAt == nil {
		t.Fatalf("expected Hello to be read, got %+v", hello.Message)
	}
	if hello.Sender == nil || hello.Sender.FirstName != "Ada" {
		t.Errorf("expected populated sender, got %+v", hello.Sender)
	}
	if resp.Messages[1].IsRead {
		t.Error("u2's own message must not be marked read by u2")
	}
	if got := f.unread(t, u2); got != 0 {
		t.Fatalf("expected u2 unread reset, got %d", got)
	}

	// Reading as u1 flips u2's message; u1 reading again never unflips Hello.
	f.messages.List(ctx, u1, conv.ID, 1, 50)
	resp, _ = f.messages.List(ctx, u1, conv.ID, 1, 50)
	for _, m := range resp.Messages {
		if !m.IsRead {
			t.Errorf("message %q went back to unread", m.Content)
		}
	}
}

func TestListMessagesOrderingAcrossPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, u1, "u2")
	for i := 0; i < 7; i++ {
		f.send(t, u1, conv.ID, fmt.Sprintf("m%d", i))
		time.Sleep(2 * time.Millisecond)
	}

	page1, err := f.messages.List(ctx, u2, conv.ID, 1, 3)
	if err != nil {
		t.Fatalf("List page 1: %v", err)
	}
	page2, _ := f.messages.List(ctx, u2, conv.ID, 2, 3)
	page3, _ := f.messages.List(ctx, u2, conv.ID, 3, 3)

	want := [][]string{{"m4", "m5", "m6"}, {"m1", "m2", "m3"}, {"m0"}}
	for i, page := range []*model.ListMessagesResponse{page1, page2, page3} {
		if len(page.Messages) != len(want[i]) {
			t.Fatalf("page %d: expected %d messages, got %d", i+1, len(want[i]), len(page.Messages))
		}
		for j, m := range page.Messages {
			if m.Content != want[i][j] {
				t.Fatalf("page %d position %d: got %s, want %s", i+1, j, m.Content, want[i][j])
			}
			if j > 0 && m.CreatedAt.Before(page.Messages[j-1].CreatedAt) {
				t.Fatalf("page %d is not in chronological order", i+1)
			}
		}
	}
	if page1.Pagination.Total != 7 || page1.Pagination.TotalPages != 3 {
		t.Errorf("unexpected pagination %+v", page1.Pagination)
	}
}

func TestNonParticipantIsForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, u1, "u2")
	f.send(t, u1, conv.ID, "secret")
	f.broadcaster.reset()

	resp, err := f.messages.List(ctx, u3, conv.ID, 1, 50)
	if !errors.Is(err, ErrForbidden) || resp != nil {
		t.Fatalf("List: expected ErrForbidden and no data, got %v %v", resp, err)
	}
	if _, err := f.messages.Send(ctx, u3, conv.ID, model.SendMessageRequest{Content: "hi"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Send: expected ErrForbidden, got %v", err)
	}
	if err := f.messages.MarkRead(ctx, u3, conv.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("MarkRead: expected ErrForbidden, got %v", err)
	}
	if _, err := f.conversations.Get(ctx, u3, conv.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Get: expected ErrForbidden, got %v", err)
	}
	if len(f.broadcaster.events) != 0 {
		t.Fatalf("forbidden calls must not emit events, got %d", len(f.broadcaster.events))
	}
}

func TestElevatedRoleBypassesParticipantCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, u1, "u2")
	f.send(t, u1, conv.ID, "Hello")

	resp, err := f.messages.List(ctx, admin, conv.ID, 1, 50)
	if err != nil {
		t.Fatalf("List as admin: %v", err)
	}
	if resp.Messages[0].IsRead {
		t.Error("an elevated non-participant must not mark messages read")
	}
	if got := f.unread(t, u2); got != 1 {
		t.Errorf("u2 unread should be untouched by admin reads, got %d", got)
	}

	if _, err := f.messages.Send(ctx, admin, conv.ID, model.SendMessageRequest{Content: "moderator note"}); err != nil {
		t.Fatalf("Send as admin: %v", err)
	}
	if got := f.unread(t, u1); got != 1 {
		t.Errorf("admin message should count as unread for u1, got %d", got)
	}
}

func TestSendInvalidHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, u1, "u2")
	f.broadcaster.reset()

	bad := []model.SendMessageRequest{
		{Content: ""},
		{Content: "   \n\t"},
		{Content: "hi", MessageType: "video"},
		{Content: "pic", MessageType: model.MessageTypeImage, Attachments: []string{"not a uri"}},
	}
	for _, req := range bad {
		if _, err := f.messages.Send(ctx, u1, conv.ID, req); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Send(%+v): expected ErrInvalid, got %v", req, err)
		}
	}

	msgs, total, _ := f.msgStore.ListByConversation(ctx, conv.ID, 0, 10)
	if total != 0 || len(msgs) != 0 {
		t.Fatalf("no message should be persisted, got %d", total)
	}
	stored, _ := f.convStore.Get(ctx, conv.ID)
	if stored.LastMessageID != nil || stored.UnreadCount["u2"] != 0 {
		t.Fatalf("conversation must not change, got %+v", stored)
	}
	if len(f.broadcaster.events) != 0 {
		t.Fatalf("no events expected, got %d", len(f.broadcaster.events))
	}
}

func TestSendDefaultsAndTrims(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, u1, "u2")

	msg := f.send(t, u1, conv.ID, "  Hello  ")
	if msg.Content != "Hello" || msg.MessageType != model.MessageTypeText {
		t.Fatalf("unexpected message %+v", msg.Message)
	}
	if msg.Sender == nil || msg.Sender.LastName != "Lovelace" {
		t.Errorf("expected populated sender, got %+v", msg.Sender)
	}
}

func TestSendUnknownOrInactiveConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.messages.Send(ctx, u1, "missing", model.SendMessageRequest{Content: "hi"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.messages.Send(ctx, u1, "bad.id", model.SendMessageRequest{Content: "hi"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for malformed id, got %v", err)
	}

	conv := f.conversation(t, u1, "u2")
	if err := f.conversations.Deactivate(ctx, u2, conv.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, err := f.messages.Send(ctx, u1, conv.ID, model.SendMessageRequest{Content: "hi"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for inactive conversation, got %v", err)
	}
	list, _ := f.conversations.List(ctx, u1, 1, 20)
	if len(list.Conversations) != 0 {
		t.Fatalf("deactivated conversation should be hidden, got %d", len(list.Conversations))
	}
}

func TestSendEmitsEvents(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, u1, "u2")

	msg := f.send(t, u1, conv.ID, "Hello")

	newMessages := f.broadcaster.named(model.EventNewMessage)
	if len(newMessages) != 1 || newMessages[0].room != "conversation:"+conv.ID {
		t.Fatalf("unexpected new_message events %+v", newMessages)
	}
	if got := newMessages[0].payload.(model.MessageView); got.ID != msg.ID {
		t.Errorf("new_message carried %s, want %s", got.ID, msg.ID)
	}

	updates := f.broadcaster.named(model.EventConversationUpdated)
	if len(updates) != 2 {
		t.Fatalf("expected 2 conversation_updated events, got %d", len(updates))
	}
	counts := map[string]int{}
	for _, e := range updates {
		p := e.payload.(model.ConversationUpdatedEvent)
		if p.ConversationID != conv.ID || p.LastMessage == nil || p.LastMessage.ID != msg.ID {
			t.Errorf("unexpected payload %+v", p)
		}
		counts[e.room] = p.UnreadCount
	}
	if counts["user:u1"] != 0 || counts["user:u2"] != 1 {
		t.Errorf("unexpected per-user unread counts %v", counts)
	}
}

func TestNewConversationFiresOnce(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, u1, "u2")

	f.send(t, u1, conv.ID, "first")
	f.send(t, u2, conv.ID, "second")
	f.send(t, u1, conv.ID, "third")

	announced := f.broadcaster.named(model.EventNewConversation)
	if len(announced) != 1 {
		t.Fatalf("expected exactly one new_conversation, got %d", len(announced))
	}
	if announced[0].room != "user:u2" {
		t.Errorf("new_conversation should go to the recipient only, got %s", announced[0].room)
	}
	view := announced[0].payload.(model.ConversationView)
	if view.Title != "Ada Lovelace" || view.UnreadCount != 1 || view.LastMessage == nil {
		t.Errorf("expected recipient's populated view, got %+v", view)
	}
}

func TestNewConversationUnderConcurrentFirstSends(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, u1, "u2")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := u1
			if i%2 == 1 {
				p = u2
			}
			if _, err := f.messages.Send(context.Background(), p, conv.ID, model.SendMessageRequest{Content: "race"}); err != nil {
				t.Errorf("Send: %v", err)
			}
		}(i)
	}
	wg.Wait()

	announced := f.broadcaster.named(model.EventNewConversation)
	if len(announced) != 1 {
		t.Fatalf("expected one new_conversation across concurrent first sends, got %d", len(announced))
	}
}

func TestListConversationsEnrichment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiet := f.conversation(t, u1, "u3")
	busy := f.conversation(t, u1, "u2")
	f.send(t, u2, busy.ID, "ping")

	resp, err := f.conversations.List(ctx, u1, 1, 20)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(resp.Conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(resp.Conversations))
	}
	first, second := resp.Conversations[0], resp.Conversations[1]
	if first.ID != busy.ID || second.ID != quiet.ID {
		t.Fatalf("expected messaged conversation first, got %s then %s", first.ID, second.ID)
	}
	if first.LastMessage == nil || first.LastMessage.Content != "ping" || first.UnreadCount != 1 {
		t.Errorf("unexpected summary %+v", first)
	}
	if second.Title != "Alan Turing" || second.LastMessage != nil {
		t.Errorf("unexpected quiet conversation view %+v", second)
	}
}

func TestPaginationValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, u1, "u2")

	for _, pl := range [][2]int{{0, 20}, {1, 0}, {1, MaxPageLimit + 1}, {-1, 10}, {math.MaxInt/4 + 1, 4}} {
		if _, err := f.conversations.List(ctx, u1, pl[0], pl[1]); !errors.Is(err, ErrInvalid) {
			t.Errorf("List(%d,%d): expected ErrInvalid, got %v", pl[0], pl[1], err)
		}
		if _, err := f.messages.List(ctx, u1, conv.ID, pl[0], pl[1]); !errors.Is(err, ErrInvalid) {
			t.Errorf("messages.List(%d,%d): expected ErrInvalid, got %v", pl[0], pl[1], err)
		}
	}
}

func TestHugePageHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, u1, "u2")
	for i := 0; i < 3; i++ {
		f.send(t, u1, conv.ID, fmt.Sprintf("m%d", i))
	}

	if _, err := f.messages.List(ctx, u2, conv.ID, math.MaxInt/4+1, 4); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	unread, err := f.conversations.UnreadCount(ctx, u2)
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if unread != 3 {
		t.Fatalf("rejected page must not mark messages read, unread=%d", unread)
	}

	resp, err := f.messages.List(ctx, u2, conv.ID, 2, 4)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(resp.Messages) != 0 {
		t.Fatalf("page past the end must be empty, got %d", len(resp.Messages))
	}
}

type failingRecordStore struct {
	*memory.ConversationStore
}

func (failingRecordStore) RecordMessage(context.Context, string, string, time.Time, []string) (*model.Conversation, error) {
	return nil, errors.New("write conflict")
}

func TestSendSurvivesSummaryFailure(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, u1, "u2")
	f.messages.conversations = failingRecordStore{f.convStore}

	msg, err := f.messages.Send(context.Background(), u1, conv.ID, model.SendMessageRequest{Content: "Hello"})
	if err != nil {
		t.Fatalf("Send should succeed with a stale summary, got %v", err)
	}
	if _, total, _ := f.msgStore.ListByConversation(context.Background(), conv.ID, 0, 10); total != 1 {
		t.Fatalf("message should be persisted, total=%d", total)
	}
	if len(f.broadcaster.named(model.EventNewMessage)) != 1 {
		t.Error("new_message should still be delivered")
	}
	if len(f.broadcaster.named(model.EventConversationUpdated)) != 0 {
		t.Error("conversation_updated needs the recorded summary")
	}
	if msg.ID == "" {
		t.Error("expected created message")
	}
}

type failingMessageStore struct {
	*memory.MessageStore
}

func (failingMessageStore) Create(context.Context, *model.Message) error {
	return errors.New("disk full")
}

func TestSendStoreFailure(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, u1, "u2")
	f.messages.messages = failingMessageStore{f.msgStore}
	f.broadcaster.reset()

	_, err := f.messages.Send(context.Background(), u1, conv.ID, model.SendMessageRequest{Content: "Hello"})
	if err == nil || errors.Is(err, ErrInvalid) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
		t.Fatalf("expected an untyped store failure, got %v", err)
	}
	if len(f.broadcaster.events) != 0 {
		t.Fatal("nothing should be emitted when persistence fails")
	}
	stored, _ := f.convStore.Get(context.Background(), conv.ID)
	if stored.LastMessageID != nil {
		t.Fatal("conversation must not change when persistence fails")
	}
}

var _ store.ConversationStore = failingRecordStore{}
