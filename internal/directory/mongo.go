package directory

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/capitalize-ai/marketplace-messaging/internal/model"
)

// Mongo reads users and bookings from the marketplace's own collections.
// Documents may be keyed by ObjectID or by string id.
type Mongo struct {
	users    *mongo.Collection
	bookings *mongo.Collection
}

// NewMongo creates a directory over the named collections of db.
func NewMongo(db *mongo.Database, usersCollection, bookingsCollection string) *Mongo {
	return &Mongo{
		users:    db.Collection(usersCollection),
		bookings: db.Collection(bookingsCollection),
	}
}

var userProjection = bson.M{"firstName": 1, "lastName": 1, "profileImage": 1}

// LookupUsers implements UserDirectory.
func (m *Mongo) LookupUsers(ctx context.Context, ids []string) (map[string]model.UserSummary, error) {
	out := make(map[string]model.UserSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	cursor, err := m.users.Find(ctx, bson.M{"_id": bson.M{"$in": idKeys(ids)}},
		options.Find().SetProjection(userProjection))
	if err != nil {
		return nil, fmt.Errorf("failed to look up users: %w", err)
	}
	defer cursor.Close(ctx)

	var users []model.UserSummary
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

// GetUser implements UserDirectory.
func (m *Mongo) GetUser(ctx context.Context, id string) (*model.UserSummary, error) {
	var u model.UserSummary
	err := m.users.FindOne(ctx, bson.M{"_id": bson.M{"$in": idKeys([]string{id})}},
		options.FindOne().SetProjection(userProjection)).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// GetBooking implements BookingLookup.
func (m *Mongo) GetBooking(ctx context.Context, id string) (*model.BookingSummary, error) {
	var b model.BookingSummary
	err := m.bookings.FindOne(ctx, bson.M{"_id": bson.M{"$in": idKeys([]string{id})}},
		options.FindOne().SetProjection(bson.M{
			"serviceCategory": 1,
			"eventType":       1,
			"dateStart":       1,
			"location":        1,
		})).Decode(&b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &b, nil
}

// idKeys matches both hex ObjectIDs and plain string ids.
func idKeys(ids []string) []interface{} {
	keys := make([]interface{}, 0, len(ids)*2)
	for _, id := range ids {
		keys = append(keys, id)
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			keys = append(keys, oid)
		}
	}
	return keys
}
