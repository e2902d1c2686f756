// Package memory provides in-process conversation and message stores for
// tests and single-node development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/marketplace-messaging/internal/model"
	"github.com/capitalize-ai/marketplace-messaging/internal/store"
)

// ConversationStore is a mutex-guarded store.ConversationStore.
type ConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{conversations: make(map[string]*model.Conversation)}
}

var _ store.ConversationStore = (*ConversationStore)(nil)

// FindOrCreatePair implements store.ConversationStore.
func (s *ConversationStore) FindOrCreatePair(_ context.Context, conv *model.Conversation) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if c.IsActive && c.PairKey != "" && c.PairKey == conv.PairKey {
			return cloneConversation(c), false, nil
		}
	}

	stored := cloneConversation(conv)
	if stored.UnreadCount == nil {
		stored.UnreadCount = map[string]int{}
	}
	s.conversations[stored.ID] = stored
	return cloneConversation(stored), true, nil
}

// Get implements store.ConversationStore.
func (s *ConversationStore) Get(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneConversation(c), nil
}

// ListForParticipant implements store.ConversationStore.
func (s *ConversationStore) ListForParticipant(_ context.Context, userID string, offset, limit int) ([]model.Conversation, int64, error) {
	s.mu.RLock()
	matches := make([]*model.Conversation, 0)
	for _, c := range s.conversations {
		if c.IsActive && c.HasParticipant(userID) {
			matches = append(matches, c)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt != nil:
			if !a.LastMessageAt.Equal(*b.LastMessageAt) {
				return a.LastMessageAt.After(*b.LastMessageAt)
			}
		case a.LastMessageAt != nil:
			return true
		case b.LastMessageAt != nil:
			return false
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	total := int64(len(matches))
	page := window(len(matches), offset, limit)
	out := make([]model.Conversation, 0, page[1]-page[0])
	for _, c := range matches[page[0]:page[1]] {
		out = append(out, *cloneConversation(c))
	}
	s.mu.RUnlock()

	return out, total, nil
}

// RecordMessage implements store.ConversationStore.
func (s *ConversationStore) RecordMessage(_ context.Context, conversationID, messageID string, at time.Time, recipients []string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	before := cloneConversation(c)

	// A write older than the stored timestamp leaves the pointer alone.
	if c.LastMessageAt == nil || !at.Before(*c.LastMessageAt) {
		id, t := messageID, at
		c.LastMessageID = &id
		c.LastMessageAt = &t
	}
	for _, r := range recipients {
		c.UnreadCount[r]++
	}
	c.UpdatedAt = at

	return before, nil
}

// ResetUnread implements store.ConversationStore.
func (s *ConversationStore) ResetUnread(_ context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	if c.UnreadCount[userID] != 0 {
		c.UnreadCount[userID] = 0
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// SumUnread implements store.ConversationStore.
func (s *ConversationStore) SumUnread(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, c := range s.conversations {
		if c.IsActive && c.HasParticipant(userID) {
			total += c.UnreadCount[userID]
		}
	}
	return total, nil
}

// Deactivate implements store.ConversationStore.
func (s *ConversationStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	c.IsActive = false
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Ping implements store.ConversationStore.
func (s *ConversationStore) Ping(context.Context) error {
	return nil
}

// MessageStore is a mutex-guarded store.MessageStore.
type MessageStore struct {
	mu     sync.RWMutex
	byID   map[string]*model.Message
	byConv map[string][]*model.Message
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:   make(map[string]*model.Message),
		byConv: make(map[string][]*model.Message),
	}
}

var _ store.MessageStore = (*MessageStore)(nil)

// Create implements store.MessageStore.
func (s *MessageStore) Create(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneMessage(msg)
	s.byID[stored.ID] = stored
	s.byConv[stored.ConversationID] = append(s.byConv[stored.ConversationID], stored)
	return nil
}

// ListByConversation implements store.MessageStore.
func (s *MessageStore) ListByConversation(_ context.Context, conversationID string, offset, limit int) ([]model.Message, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := append([]*model.Message(nil), s.byConv[conversationID]...)
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
		}
		return msgs[i].ID > msgs[j].ID
	})

	page := window(len(msgs), offset, limit)
	out := make([]model.Message, 0, page[1]-page[0])
	for _, m := range msgs[page[0]:page[1]] {
		out = append(out, *cloneMessage(m))
	}
	return out, int64(len(msgs)), nil
}

// MarkRead implements store.MessageStore.
func (s *MessageStore) MarkRead(_ context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed int64
	for _, m := range s.byConv[conversationID] {
		if m.SenderID == readerID || m.IsRead {
			continue
		}
		t := at
		m.IsRead = true
		m.ReadAt = &t
		m.UpdatedAt = at
		changed++
	}
	return changed, nil
}

// GetByIDs implements store.MessageStore.
func (s *MessageStore) GetByIDs(_ context.Context, ids []string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.byID[id]; ok {
			out = append(out, *cloneMessage(m))
		}
	}
	return out, nil
}

func window(n, offset, limit int) [2]int {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return [2]int{offset, end}
}

func cloneConversation(c *model.Conversation) *model.Conversation {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	if c.BookingID != nil {
		v := *c.BookingID
		out.BookingID = &v
	}
	if c.LastMessageID != nil {
		v := *c.LastMessageID
		out.LastMessageID = &v
	}
	if c.LastMessageAt != nil {
		v := *c.LastMessageAt
		out.LastMessageAt = &v
	}
	return &out
}

func cloneMessage(m *model.Message) *model.Message {
	out := *m
	out.Attachments = append([]string(nil), m.Attachments...)
	if m.ReadAt != nil {
		v := *m.ReadAt
		out.ReadAt = &v
	}
	return &out
}
