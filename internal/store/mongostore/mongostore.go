// Package mongostore implements the conversation and message stores on MongoDB.
//
// Concurrency relies on single-document atomic updates: find-or-create is an
// upsert guarded by a unique partial index on the participant pair, and each
// send applies its pointer, timestamp and unread increments in one
// findOneAndUpdate.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/capitalize-ai/marketplace-messaging/internal/model"
	"github.com/capitalize-ai/marketplace-messaging/internal/store"
)

// Collection names.
const (
	ConversationsCollection = "conversations"
	MessagesCollection      = "messages"
)

// Connect opens a client and verifies the primary is reachable.
func Connect(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(timeout).
		SetConnectTimeout(timeout)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("MongoDB ping failed: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the indexes both stores depend on.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	conversations := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "pair_key", Value: 1}},
			Options: options.Index().
				SetName("uniq_active_pair").
				SetUnique(true).
				SetPartialFilterExpression(bson.D{
					{Key: "is_active", Value: true},
					{Key: "pair_key", Value: bson.M{"$exists": true}},
				}),
		},
		{
			Keys: bson.D{
				{Key: "participants", Value: 1},
				{Key: "is_active", Value: 1},
				{Key: "last_message_at", Value: -1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("participant_recent"),
		},
	}
	if _, err := db.Collection(ConversationsCollection).Indexes().CreateMany(ctx, conversations); err != nil {
		return fmt.Errorf("failed to create conversation indexes: %w", err)
	}

	messages := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "conversation_id", Value: 1},
				{Key: "created_at", Value: -1},
				{Key: "_id", Value: -1},
			},
			Options: options.Index().SetName("conversation_history"),
		},
		{
			Keys: bson.D{
				{Key: "conversation_id", Value: 1},
				{Key: "is_read", Value: 1},
				{Key: "sender_id", Value: 1},
			},
			Options: options.Index().SetName("conversation_unread"),
		},
	}
	if _, err := db.Collection(MessagesCollection).Indexes().CreateMany(ctx, messages); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}
	return nil
}

// ConversationStore is a store.ConversationStore backed by a collection.
type ConversationStore struct {
	coll *mongo.Collection
}

// NewConversationStore creates a conversation store on db.
func NewConversationStore(db *mongo.Database) *ConversationStore {
	return &ConversationStore{coll: db.Collection(ConversationsCollection)}
}

var _ store.ConversationStore = (*ConversationStore)(nil)

// FindOrCreatePair implements store.ConversationStore.
func (s *ConversationStore) FindOrCreatePair(ctx context.Context, conv *model.Conversation) (*model.Conversation, bool, error) {
	filter := bson.M{"pair_key": conv.PairKey, "is_active": true}

	// Upserts copy equality fields from the filter, so pair_key and
	// is_active must not appear in $setOnInsert.
	onInsert := bson.M{
		"_id":          conv.ID,
		"participants": conv.Participants,
		"unread_count": bson.M{},
		"created_by":   conv.CreatedBy,
		"created_at":   conv.CreatedAt,
		"updated_at":   conv.UpdatedAt,
	}
	if conv.BookingID != nil {
		onInsert["booking_id"] = *conv.BookingID
	}
	if conv.Title != "" {
		onInsert["title"] = conv.Title
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var out model.Conversation
	err := s.coll.FindOneAndUpdate(ctx, filter, bson.M{"$setOnInsert": onInsert}, opts).Decode(&out)
	if mongo.IsDuplicateKeyError(err) {
		// Lost the insert race; the winner is now visible.
		err = s.coll.FindOne(ctx, filter).Decode(&out)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to find or create conversation: %w", err)
	}
	return &out, out.ID == conv.ID, nil
}

// Get implements store.ConversationStore.
func (s *ConversationStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	var out model.Conversation
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &out, nil
}

// ListForParticipant implements store.ConversationStore.
func (s *ConversationStore) ListForParticipant(ctx context.Context, userID string, offset, limit int) ([]model.Conversation, int64, error) {
	filter := bson.M{"participants": userID, "is_active": true}

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}

	// Missing last_message_at sorts after every timestamp in descending order.
	opts := options.Find().
		SetSort(bson.D{
			{Key: "last_message_at", Value: -1},
			{Key: "created_at", Value: -1},
			{Key: "_id", Value: -1},
		}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]model.Conversation, 0, limit)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, 0, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return out, total, nil
}

// RecordMessage implements store.ConversationStore.
func (s *ConversationStore) RecordMessage(ctx context.Context, conversationID, messageID string, at time.Time, recipients []string) (*model.Conversation, error) {
	// One pipeline stage so every expression sees the stored document.
	// The last-message pointer only moves when at is not older than the
	// stored timestamp, keeping it consistent with last_message_at.
	isLatest := bson.D{{Key: "$gte", Value: bson.A{
		at,
		bson.D{{Key: "$ifNull", Value: bson.A{"$last_message_at", time.Time{}}}},
	}}}
	set := bson.D{
		{Key: "last_message_id", Value: bson.D{{Key: "$cond", Value: bson.A{isLatest, messageID, "$last_message_id"}}}},
		{Key: "last_message_at", Value: bson.D{{Key: "$max", Value: bson.A{"$last_message_at", at}}}},
		{Key: "updated_at", Value: at},
	}
	for _, r := range recipients {
		field := "unread_count." + r
		set = append(set, bson.E{Key: field, Value: bson.D{{Key: "$add", Value: bson.A{
			bson.D{{Key: "$ifNull", Value: bson.A{"$" + field, 0}}},
			1,
		}}}})
	}
	update := mongo.Pipeline{{{Key: "$set", Value: set}}}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var before model.Conversation
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": conversationID}, update, opts).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}
	return &before, nil
}

// ResetUnread implements store.ConversationStore.
func (s *ConversationStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	field := "unread_count." + userID
	filter := bson.M{"_id": conversationID, field: bson.M{"$ne": 0}}
	update := bson.M{"$set": bson.M{field: 0, "updated_at": time.Now().UTC()}}

	if _, err := s.coll.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("failed to reset unread count: %w", err)
	}
	return nil
}

// SumUnread implements store.ConversationStore.
func (s *ConversationStore) SumUnread(ctx context.Context, userID string) (int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"participants": userID, "is_active": true}}},
		{{Key: "$group", Value: bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": "$unread_count." + userID},
		}}},
	}

	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("failed to sum unread counts: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Total int `bson:"total"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return 0, fmt.Errorf("failed to decode unread sum: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Total, nil
}

// Deactivate implements store.ConversationStore.
func (s *ConversationStore) Deactivate(ctx context.Context, id string) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Ping implements store.ConversationStore.
func (s *ConversationStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// MessageStore is a store.MessageStore backed by a collection.
type MessageStore struct {
	coll *mongo.Collection
}

// NewMessageStore creates a message store on db.
func NewMessageStore(db *mongo.Database) *MessageStore {
	return &MessageStore{coll: db.Collection(MessagesCollection)}
}

var _ store.MessageStore = (*MessageStore)(nil)

// Create implements store.MessageStore.
func (s *MessageStore) Create(ctx context.Context, msg *model.Message) error {
	if _, err := s.coll.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ListByConversation implements store.MessageStore.
func (s *MessageStore) ListByConversation(ctx context.Context, conversationID string, offset, limit int) ([]model.Message, int64, error) {
	filter := bson.M{"conversation_id": conversationID}

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list messages: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]model.Message, 0, limit)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, 0, fmt.Errorf("failed to decode messages: %w", err)
	}
	return out, total, nil
}

// MarkRead implements store.MessageStore.
func (s *MessageStore) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"sender_id":       bson.M{"$ne": readerID},
		"is_read":         false,
	}
	update := bson.M{"$set": bson.M{"is_read": true, "read_at": at, "updated_at": at}}

	res, err := s.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return res.ModifiedCount, nil
}

// GetByIDs implements store.MessageStore.
func (s *MessageStore) GetByIDs(ctx context.Context, ids []string) ([]model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := s.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer cursor.Close(ctx)

	var out []model.Message
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return out, nil
}
