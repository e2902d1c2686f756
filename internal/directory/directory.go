// Package directory resolves user and booking display fields owned by other
// parts of the marketplace.
package directory

import (
	"context"
	"errors"
	"sync"

	"github.com/capitalize-ai/marketplace-messaging/internal/model"
)

// ErrNotFound is returned when a user or booking does not resolve.
var ErrNotFound = errors.New("not found")

// UserDirectory looks up user display fields.
type UserDirectory interface {
	// LookupUsers returns the users that resolve, keyed by id. Missing ids
	// are omitted rather than reported as errors.
	LookupUsers(ctx context.Context, ids []string) (map[string]model.UserSummary, error)
	GetUser(ctx context.Context, id string) (*model.UserSummary, error)
}

// BookingLookup looks up booking context.
type BookingLookup interface {
	GetBooking(ctx context.Context, id string) (*model.BookingSummary, error)
}

// Static is an in-memory UserDirectory and BookingLookup.
type Static struct {
	mu       sync.RWMutex
	users    map[string]model.UserSummary
	bookings map[string]model.BookingSummary
}

// NewStatic creates a directory seeded with users.
func NewStatic(users ...model.UserSummary) *Static {
	s := &Static{
		users:    make(map[string]model.UserSummary),
		bookings: make(map[string]model.BookingSummary),
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

// PutUser adds or replaces a user.
func (s *Static) PutUser(u model.UserSummary) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// PutBooking adds or replaces a booking.
func (s *Static) PutBooking(b model.BookingSummary) {
	s.mu.Lock()
	s.bookings[b.ID] = b
	s.mu.Unlock()
}

// LookupUsers implements UserDirectory.
func (s *Static) LookupUsers(_ context.Context, ids []string) (map[string]model.UserSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.UserSummary, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

// GetUser implements UserDirectory.
func (s *Static) GetUser(_ context.Context, id string) (*model.UserSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

// GetBooking implements BookingLookup.
func (s *Static) GetBooking(_ context.Context, id string) (*model.BookingSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}
