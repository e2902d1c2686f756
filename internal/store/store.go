// Package store defines the persistence contracts for conversations and
// messages. Every mutation that can race with another request is expressed
// as a single atomic document update by the implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/marketplace-messaging/internal/model"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStore persists conversations.
type ConversationStore interface {
	// FindOrCreatePair returns the active conversation keyed by conv.PairKey,
	// inserting conv when none exists. created reports whether conv was inserted.
	FindOrCreatePair(ctx context.Context, conv *model.Conversation) (*model.Conversation, bool, error)

	Get(ctx context.Context, id string) (*model.Conversation, error)

	// ListForParticipant returns active conversations containing userID,
	// most recently messaged first, and the total number of matches.
	ListForParticipant(ctx context.Context, userID string, offset, limit int) ([]model.Conversation, int64, error)

	// RecordMessage sets the last-message pointer, raises lastMessageAt
	// monotonically and increments the unread counter of every recipient in
	// one update. It returns the conversation as it was before the update.
	RecordMessage(ctx context.Context, conversationID, messageID string, at time.Time, recipients []string) (*model.Conversation, error)

	// ResetUnread zeroes userID's unread counter.
	ResetUnread(ctx context.Context, conversationID, userID string) error

	// SumUnread totals userID's unread counters across active conversations.
	SumUnread(ctx context.Context, userID string) (int, error)

	// Deactivate hides a conversation. Conversations are never removed.
	Deactivate(ctx context.Context, id string) error

	Ping(ctx context.Context) error
}

// MessageStore persists messages.
type MessageStore interface {
	Create(ctx context.Context, msg *model.Message) error

	// ListByConversation returns messages newest first and the total count.
	ListByConversation(ctx context.Context, conversationID string, offset, limit int) ([]model.Message, int64, error)

	// MarkRead flags every unread message not sent by readerID as read and
	// returns how many changed.
	MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error)

	GetByIDs(ctx context.Context, ids []string) ([]model.Message, error)
}
