package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-messaging/internal/auth"
	"github.com/capitalize-ai/marketplace-messaging/internal/directory"
	"github.com/capitalize-ai/marketplace-messaging/internal/model"
	"github.com/capitalize-ai/marketplace-messaging/internal/store"
	"github.com/capitalize-ai/marketplace-messaging/pkg/logger"
	"github.com/capitalize-ai/marketplace-messaging/pkg/metrics"
)

// MessageService handles message operations.
type MessageService struct {
	messages            store.MessageStore
	conversations       store.ConversationStore
	conversationService *ConversationService
	users               directory.UserDirectory
	broadcaster         Broadcaster
	logger              *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(
	messages store.MessageStore,
	conversations store.ConversationStore,
	conversationService *ConversationService,
	users directory.UserDirectory,
	broadcaster Broadcaster,
	log *logger.Logger,
) *MessageService {
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	return &MessageService{
		messages:            messages,
		conversations:       conversations,
		conversationService: conversationService,
		users:               users,
		broadcaster:         broadcaster,
		logger:              log.Named("messages"),
	}
}

// List returns one page of history in reading order. Page 1 is the most
// recent window; higher pages move back in time. Reading marks the other
// participants' messages read and clears the caller's unread counter.
func (s *MessageService) List(ctx context.Context, p auth.Principal, conversationID string, page, limit int) (_ *model.ListMessagesResponse, err error) {
	ctx, span := startSpan(ctx, "MessageService.List")
	defer func() { endSpan(span, err) }()

	if err := checkPage(page, limit); err != nil {
		return nil, err
	}

	conv, err := s.conversationService.Authorize(ctx, p, conversationID)
	if err != nil {
		return nil, err
	}

	msgs, total, err := s.messages.ListByConversation(ctx, conv.ID, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}

	if conv.HasParticipant(p.UserID) {
		readAt, err := s.markRead(ctx, conv.ID, p.UserID)
		if err != nil {
			return nil, err
		}
		for i := range msgs {
			if msgs[i].SenderID != p.UserID && !msgs[i].IsRead {
				msgs[i].IsRead = true
				msgs[i].ReadAt = &readAt
			}
		}
	}

	senders, err := s.users.LookupUsers(ctx, conv.Participants)
	if err != nil {
		return nil, fmt.Errorf("failed to look up senders: %w", err)
	}

	// The store returns newest first.
	views := make([]model.MessageView, len(msgs))
	for i, m := range msgs {
		views[len(msgs)-1-i] = model.MessageView{Message: m, Sender: lookupSender(senders, m.SenderID)}
	}

	return &model.ListMessagesResponse{
		Messages:   views,
		Pagination: model.NewPagination(page, limit, total),
	}, nil
}

// MarkRead flags every message the caller has received as read and zeroes
// the caller's unread counter. Repeating it changes nothing. Elevated
// callers who are not participants have no read state to change.
func (s *MessageService) MarkRead(ctx context.Context, p auth.Principal, conversationID string) (err error) {
	ctx, span := startSpan(ctx, "MessageService.MarkRead")
	defer func() { endSpan(span, err) }()

	conv, err := s.conversationService.Authorize(ctx, p, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(p.UserID) {
		return nil
	}
	_, err = s.markRead(ctx, conv.ID, p.UserID)
	return err
}

func (s *MessageService) markRead(ctx context.Context, conversationID, readerID string) (time.Time, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)

	n, err := s.messages.MarkRead(ctx, conversationID, readerID, now)
	if err != nil {
		return now, err
	}
	if n > 0 {
		metrics.MessagesReadTotal.Add(float64(n))
	}
	if err := s.conversations.ResetUnread(ctx, conversationID, readerID); err != nil {
		return now, err
	}
	return now, nil
}

// Send is the one authoritative send path for every transport. The message
// is persisted first, then the conversation summary is updated in a single
// atomic write, then events are fanned out.
func (s *MessageService) Send(ctx context.Context, p auth.Principal, conversationID string, req model.SendMessageRequest) (_ *model.MessageView, err error) {
	ctx, span := startSpan(ctx, "MessageService.Send")
	defer func() { endSpan(span, err) }()

	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return nil, invalid("content must not be empty")
	}
	if req.MessageType == "" {
		req.MessageType = model.MessageTypeText
	}
	if err := validate(&req); err != nil {
		return nil, err
	}

	conv, err := s.conversationService.Authorize(ctx, p, conversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	msg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		SenderID:       p.UserID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		Attachments:    req.Attachments,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.messages.Create(ctx, &msg); err != nil {
		s.logger.Error("failed to persist message",
			zap.String("conversation_id", conv.ID),
			zap.String("sender_id", p.UserID),
			zap.Error(err),
		)
		return nil, err
	}
	metrics.RecordMessage(transportFrom(ctx), string(msg.MessageType))

	view := model.MessageView{Message: msg, Sender: s.sender(ctx, p.UserID)}
	recipients := conv.Recipients(p.UserID)

	before, err := s.conversations.RecordMessage(ctx, conv.ID, msg.ID, msg.CreatedAt, recipients)
	if err != nil {
		// The message is retrievable; only the summary lags until the next send.
		s.logger.Error("failed to update conversation summary",
			zap.String("conversation_id", conv.ID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		s.broadcaster.EmitToConversation(conv.ID, model.EventNewMessage, view)
		return &view, nil
	}

	s.broadcaster.EmitToConversation(conv.ID, model.EventNewMessage, view)

	after := applySend(before, msg, recipients)
	for _, participant := range after.Participants {
		s.broadcaster.EmitToUser(participant, model.EventConversationUpdated, model.ConversationUpdatedEvent{
			ConversationID: conv.ID,
			LastMessage:    &view,
			UnreadCount:    after.UnreadCount[participant],
		})
	}

	if before.LastMessageID == nil {
		s.announce(ctx, after, recipients)
	}

	return &view, nil
}

// announce sends new_conversation to each recipient with that recipient's own view.
func (s *MessageService) announce(ctx context.Context, conv *model.Conversation, recipients []string) {
	for _, r := range recipients {
		views, err := s.conversationService.buildViews(ctx, r, []model.Conversation{*conv})
		if err != nil {
			s.logger.Warn("failed to build new conversation event",
				zap.String("conversation_id", conv.ID),
				zap.String("recipient_id", r),
				zap.Error(err),
			)
			continue
		}
		s.broadcaster.EmitToUser(r, model.EventNewConversation, views[0])
	}
}

func (s *MessageService) sender(ctx context.Context, userID string) *model.UserSummary {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			s.logger.Warn("failed to resolve sender", zap.String("user_id", userID), zap.Error(err))
		}
		return &model.UserSummary{ID: userID}
	}
	return u
}

// applySend derives the post-update conversation from the state RecordMessage
// observed, so events carry exact counts without a second read.
func applySend(before *model.Conversation, msg model.Message, recipients []string) *model.Conversation {
	after := *before
	id := msg.ID
	after.LastMessageID = &id
	if before.LastMessageAt == nil || msg.CreatedAt.After(*before.LastMessageAt) {
		at := msg.CreatedAt
		after.LastMessageAt = &at
	}
	after.UpdatedAt = msg.CreatedAt
	after.UnreadCount = make(map[string]int, len(before.UnreadCount)+len(recipients))
	for k, v := range before.UnreadCount {
		after.UnreadCount[k] = v
	}
	for _, r := range recipients {
		after.UnreadCount[r]++
	}
	return &after
}
