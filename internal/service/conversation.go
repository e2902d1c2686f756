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
	"github.com/capitalize-ai/marketplace-messaging/internal/validation"
	"github.com/capitalize-ai/marketplace-messaging/pkg/logger"
	"github.com/capitalize-ai/marketplace-messaging/pkg/metrics"
)

// ConversationService handles conversation operations.
type ConversationService struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	users         directory.UserDirectory
	bookings      directory.BookingLookup
	roles         RoleChecker
	logger        *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(
	conversations store.ConversationStore,
	messages store.MessageStore,
	users directory.UserDirectory,
	bookings directory.BookingLookup,
	roles RoleChecker,
	log *logger.Logger,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		messages:      messages,
		users:         users,
		bookings:      bookings,
		roles:         roles,
		logger:        log.Named("conversations"),
	}
}

// FindOrCreate returns the caller's active conversation with
// req.ParticipantID, creating it on first contact. created reports whether a
// new conversation was stored.
func (s *ConversationService) FindOrCreate(ctx context.Context, p auth.Principal, req model.CreateConversationRequest) (_ *model.ConversationView, created bool, err error) {
	ctx, span := startSpan(ctx, "ConversationService.FindOrCreate")
	defer func() { endSpan(span, err) }()

	req.Title = strings.TrimSpace(req.Title)
	if err := validate(&req); err != nil {
		return nil, false, err
	}
	if req.ParticipantID == p.UserID {
		return nil, false, invalid("cannot start a conversation with yourself")
	}

	if _, err := s.users.GetUser(ctx, req.ParticipantID); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: participant %s", ErrNotFound, req.ParticipantID)
		}
		return nil, false, fmt.Errorf("failed to resolve participant: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	conv := &model.Conversation{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Participants: []string{p.UserID, req.ParticipantID},
		PairKey:      model.PairKey(p.UserID, req.ParticipantID),
		Title:        req.Title,
		IsActive:     true,
		UnreadCount:  map[string]int{},
		CreatedBy:    p.UserID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if req.BookingID != "" {
		if _, err := s.bookings.GetBooking(ctx, req.BookingID); err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				return nil, false, fmt.Errorf("%w: booking %s", ErrNotFound, req.BookingID)
			}
			return nil, false, fmt.Errorf("failed to resolve booking: %w", err)
		}
		bookingID := req.BookingID
		conv.BookingID = &bookingID
	}

	stored, created, err := s.conversations.FindOrCreatePair(ctx, conv)
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.ConversationsTotal.Inc()
		s.logger.Info("conversation created",
			zap.String("conversation_id", stored.ID),
			zap.String("created_by", p.UserID),
		)
	}

	views, err := s.buildViews(ctx, p.UserID, []model.Conversation{*stored})
	if err != nil {
		return nil, false, err
	}
	return &views[0], created, nil
}

// List returns the caller's active conversations, most recent first.
func (s *ConversationService) List(ctx context.Context, p auth.Principal, page, limit int) (_ *model.ListConversationsResponse, err error) {
	ctx, span := startSpan(ctx, "ConversationService.List")
	defer func() { endSpan(span, err) }()

	if err := checkPage(page, limit); err != nil {
		return nil, err
	}

	convs, total, err := s.conversations.ListForParticipant(ctx, p.UserID, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}

	views, err := s.buildViews(ctx, p.UserID, convs)
	if err != nil {
		return nil, err
	}

	return &model.ListConversationsResponse{
		Conversations: views,
		Pagination:    model.NewPagination(page, limit, total),
	}, nil
}

// Get returns one conversation as seen by the caller.
func (s *ConversationService) Get(ctx context.Context, p auth.Principal, conversationID string) (_ *model.ConversationView, err error) {
	ctx, span := startSpan(ctx, "ConversationService.Get")
	defer func() { endSpan(span, err) }()

	conv, err := s.Authorize(ctx, p, conversationID)
	if err != nil {
		return nil, err
	}
	views, err := s.buildViews(ctx, p.UserID, []model.Conversation{*conv})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// Authorize loads an active conversation the caller may act on.
func (s *ConversationService) Authorize(ctx context.Context, p auth.Principal, conversationID string) (*model.Conversation, error) {
	if !validation.IsObjectKey(conversationID) {
		return nil, fmt.Errorf("%w: conversation %q", ErrNotFound, conversationID)
	}

	conv, err := s.conversations.Get(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, err
	}
	if !conv.IsActive {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if !conv.HasParticipant(p.UserID) && !s.roles.IsElevated(p) {
		return nil, fmt.Errorf("%w: not a participant of conversation %s", ErrForbidden, conversationID)
	}
	return conv, nil
}

// UnreadCount returns the caller's unread total across active conversations.
func (s *ConversationService) UnreadCount(ctx context.Context, p auth.Principal) (_ int, err error) {
	ctx, span := startSpan(ctx, "ConversationService.UnreadCount")
	defer func() { endSpan(span, err) }()

	return s.conversations.SumUnread(ctx, p.UserID)
}

// Deactivate hides a conversation from every participant.
func (s *ConversationService) Deactivate(ctx context.Context, p auth.Principal, conversationID string) (err error) {
	ctx, span := startSpan(ctx, "ConversationService.Deactivate")
	defer func() { endSpan(span, err) }()

	conv, err := s.Authorize(ctx, p, conversationID)
	if err != nil {
		return err
	}
	if err := s.conversations.Deactivate(ctx, conv.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
		}
		return err
	}

	s.logger.Info("conversation deactivated",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", p.UserID),
	)
	return nil
}

// buildViews enriches conversations for one viewer with a single directory
// round trip and a single last-message lookup.
func (s *ConversationService) buildViews(ctx context.Context, viewerID string, convs []model.Conversation) ([]model.ConversationView, error) {
	views := make([]model.ConversationView, 0, len(convs))
	if len(convs) == 0 {
		return views, nil
	}

	seen := make(map[string]struct{})
	var userIDs, lastIDs []string
	for _, c := range convs {
		for _, id := range c.Participants {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				userIDs = append(userIDs, id)
			}
		}
		if c.LastMessageID != nil {
			lastIDs = append(lastIDs, *c.LastMessageID)
		}
	}

	users, err := s.users.LookupUsers(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to look up participants: %w", err)
	}

	lastMessages := make(map[string]model.Message, len(lastIDs))
	if len(lastIDs) > 0 {
		msgs, err := s.messages.GetByIDs(ctx, lastIDs)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			lastMessages[m.ID] = m
		}
	}

	bookings := make(map[string]*model.BookingSummary)
	for _, c := range convs {
		view := model.ConversationView{
			ID:            c.ID,
			Participants:  make([]model.UserSummary, 0, len(c.Participants)),
			Title:         c.Title,
			LastMessageAt: c.LastMessageAt,
			IsActive:      c.IsActive,
			UnreadCount:   c.UnreadCount[viewerID],
			CreatedBy:     c.CreatedBy,
			CreatedAt:     c.CreatedAt,
			UpdatedAt:     c.UpdatedAt,
		}

		for _, id := range c.Participants {
			u, ok := users[id]
			if !ok {
				u = model.UserSummary{ID: id}
			}
			view.Participants = append(view.Participants, u)
		}

		otherID, hasOther := c.OtherParticipant(viewerID)
		other, resolved := users[otherID]
		if hasOther && resolved {
			view.OtherParticipant = &other
			view.AvatarURL = other.ProfileImage
		}
		if view.Title == "" {
			if hasOther && resolved && other.DisplayName() != "" {
				view.Title = other.DisplayName()
			} else {
				view.Title = model.UnknownUserTitle
			}
		}

		if c.LastMessageID != nil {
			if m, ok := lastMessages[*c.LastMessageID]; ok {
				view.LastMessage = &model.MessageView{Message: m, Sender: lookupSender(users, m.SenderID)}
			}
		}

		if c.BookingID != nil {
			booking, cached := bookings[*c.BookingID]
			if !cached {
				booking, err = s.bookings.GetBooking(ctx, *c.BookingID)
				if err != nil && !errors.Is(err, directory.ErrNotFound) {
					return nil, fmt.Errorf("failed to resolve booking: %w", err)
				}
				bookings[*c.BookingID] = booking
			}
			view.Booking = booking
		}

		views = append(views, view)
	}
	return views, nil
}

func lookupSender(users map[string]model.UserSummary, id string) *model.UserSummary {
	if u, ok := users[id]; ok {
		return &u
	}
	return &model.UserSummary{ID: id}
}
