package client

import (
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-messaging/internal/gateway"
	"github.com/capitalize-ai/marketplace-messaging/internal/model"
)

// apply patches local state from one live event.
func (s *Session) apply(frame gateway.Frame) {
	var err error
	switch frame.Event {
	case model.EventNewMessage:
		var msg model.MessageView
		if err = json.Unmarshal(frame.Data, &msg); err == nil {
			s.mu.Lock()
			s.appendMessagesLocked(msg.ConversationID, msg)
			s.mu.Unlock()
		}

	case model.EventConversationUpdated:
		var ev model.ConversationUpdatedEvent
		if err = json.Unmarshal(frame.Data, &ev); err == nil {
			s.mu.Lock()
			s.applyUpdateLocked(ev)
			s.mu.Unlock()
		}

	case model.EventNewConversation:
		var conv model.ConversationView
		if err = json.Unmarshal(frame.Data, &conv); err == nil {
			s.mu.Lock()
			s.applyNewConversationLocked(conv)
			s.mu.Unlock()
		}

	case model.EventUserTyping:
		var ev model.UserTypingEvent
		if err = json.Unmarshal(frame.Data, &ev); err == nil && ev.UserID != s.userID {
			s.mu.Lock()
			users := s.typing[ev.ConversationID]
			if users == nil {
				users = make(map[string]bool)
				s.typing[ev.ConversationID] = users
			}
			users[ev.UserID] = ev.IsTyping
			s.mu.Unlock()
		}

	case model.EventMessageError:
		var ev model.ErrorEvent
		if err = json.Unmarshal(frame.Data, &ev); err == nil {
			s.mu.Lock()
			s.lastError = ev.Error
			s.mu.Unlock()
		}

	default:
		s.logger.Debug("ignoring unknown event", zap.String("event", string(frame.Event)))
	}

	if err != nil {
		s.logger.Warn("ignoring malformed event payload", zap.String("event", string(frame.Event)), zap.Error(err))
	}
}

// appendMessagesLocked appends to a loaded conversation, skipping messages
// already present. Conversations that were never loaded are left alone.
func (s *Session) appendMessagesLocked(conversationID string, msgs ...model.MessageView) {
	ids, loaded := s.messageIDs[conversationID]
	if !loaded {
		return
	}
	for _, m := range msgs {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		s.messages[conversationID] = append(s.messages[conversationID], m)
	}
}

func (s *Session) applyUpdateLocked(ev model.ConversationUpdatedEvent) {
	prev, known := s.knownUnread[ev.ConversationID]
	switch {
	case known:
		s.adjustUnreadLocked(ev.UnreadCount - prev)
	case ev.LastMessage != nil && ev.LastMessage.SenderID != s.userID:
		// Each update carries exactly one new message.
		s.adjustUnreadLocked(1)
	}
	s.knownUnread[ev.ConversationID] = ev.UnreadCount

	i := s.indexLocked(ev.ConversationID)
	if i < 0 {
		return
	}
	conv := s.conversations[i]
	conv.UnreadCount = ev.UnreadCount
	if ev.LastMessage != nil {
		conv.LastMessage = ev.LastMessage
		at := ev.LastMessage.CreatedAt
		conv.LastMessageAt = &at
	}

	// Most recent activity first.
	copy(s.conversations[1:i+1], s.conversations[:i])
	s.conversations[0] = conv
}

func (s *Session) applyNewConversationLocked(conv model.ConversationView) {
	if s.indexLocked(conv.ID) >= 0 {
		return
	}
	s.conversations = append([]model.ConversationView{conv}, s.conversations...)
	if _, known := s.knownUnread[conv.ID]; !known {
		s.knownUnread[conv.ID] = conv.UnreadCount
		s.adjustUnreadLocked(conv.UnreadCount)
	} else {
		s.conversations[0].UnreadCount = s.knownUnread[conv.ID]
	}
}

func (s *Session) adjustUnreadLocked(delta int) {
	s.unread += delta
	if s.unread < 0 {
		s.unread = 0
	}
}

func (s *Session) indexLocked(conversationID string) int {
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			return i
		}
	}
	return -1
}

// Conversations returns a copy of the local conversation list.
func (s *Session) Conversations() []model.ConversationView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ConversationView(nil), s.conversations...)
}

// Messages returns a copy of the loaded history for a conversation, oldest
// first. It is nil when the conversation has not been loaded.
func (s *Session) Messages(conversationID string) []model.MessageView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, loaded := s.messageIDs[conversationID]; !loaded {
		return nil
	}
	return append([]model.MessageView{}, s.messages[conversationID]...)
}

// UnreadCount returns the global unread badge.
func (s *Session) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Typing returns the users currently flagged as typing in a conversation.
// Flags never expire on their own.
func (s *Session) Typing(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for userID, typing := range s.typing[conversationID] {
		if typing {
			out = append(out, userID)
		}
	}
	return out
}

// LastError returns the most recent message_error reported by the server.
func (s *Session) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}
