// Package model defines data structures for the marketplace messaging core.
package model

import (
	"sort"
	"strings"
	"time"
)

// UnknownUserTitle is shown when a conversation has no other resolvable participant.
const UnknownUserTitle = "Unknown User"

// Conversation is a persisted thread between two or more participants.
type Conversation struct {
	ID            string         `json:"id" bson:"_id"`
	Participants  []string       `json:"participants" bson:"participants"`
	PairKey       string         `json:"-" bson:"pair_key,omitempty"`
	BookingID     *string        `json:"booking_id,omitempty" bson:"booking_id,omitempty"`
	Title         string         `json:"title,omitempty" bson:"title,omitempty"`
	LastMessageID *string        `json:"last_message_id,omitempty" bson:"last_message_id,omitempty"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty" bson:"last_message_at,omitempty"`
	IsActive      bool           `json:"is_active" bson:"is_active"`
	UnreadCount   map[string]int `json:"unread_count" bson:"unread_count"`
	CreatedBy     string         `json:"created_by" bson:"created_by"`
	CreatedAt     time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" bson:"updated_at"`
}

// HasParticipant reports whether userID is one of the conversation's participants.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the first participant that is not userID.
func (c *Conversation) OtherParticipant(userID string) (string, bool) {
	for _, p := range c.Participants {
		if p != userID {
			return p, true
		}
	}
	return "", false
}

// Recipients returns every participant except senderID.
func (c *Conversation) Recipients(senderID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != senderID {
			out = append(out, p)
		}
	}
	return out
}

// PairKey returns the order-independent key for a two-party conversation.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

// BookingSummary is the booking context shown alongside a conversation.
type BookingSummary struct {
	ID              string     `json:"id" bson:"_id"`
	ServiceCategory string     `json:"service_category" bson:"serviceCategory"`
	EventType       string     `json:"event_type" bson:"eventType"`
	DateStart       *time.Time `json:"date_start,omitempty" bson:"dateStart,omitempty"`
	Location        string     `json:"location" bson:"location"`
}

// UserSummary carries the display fields of a user.
type UserSummary struct {
	ID           string `json:"id" bson:"_id"`
	FirstName    string `json:"first_name" bson:"firstName"`
	LastName     string `json:"last_name" bson:"lastName"`
	ProfileImage string `json:"profile_image,omitempty" bson:"profileImage,omitempty"`
}

// DisplayName returns "<first> <last>".
func (u UserSummary) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// ConversationView is a conversation as seen by one viewer.
type ConversationView struct {
	ID               string          `json:"id"`
	Participants     []UserSummary   `json:"participants"`
	Booking          *BookingSummary `json:"booking,omitempty"`
	Title            string          `json:"title"`
	AvatarURL        string          `json:"avatar_url,omitempty"`
	OtherParticipant *UserSummary    `json:"other_participant,omitempty"`
	LastMessage      *MessageView    `json:"last_message,omitempty"`
	LastMessageAt    *time.Time      `json:"last_message_at,omitempty"`
	IsActive         bool            `json:"is_active"`
	UnreadCount      int             `json:"unread_count"`
	CreatedBy        string          `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CreateConversationRequest is the request to find or create a conversation.
type CreateConversationRequest struct {
	ParticipantID string `json:"participant_id" validate:"required,objectkey"`
	BookingID     string `json:"booking_id,omitempty" validate:"omitempty,objectkey"`
	Title         string `json:"title,omitempty" validate:"max=256"`
}

// Pagination describes an offset page.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// NewPagination builds page metadata for total items.
func NewPagination(page, limit int, total int64) Pagination {
	totalPages := 0
	if total > 0 && limit > 0 {
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	return Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
	}
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationView `json:"conversations"`
	Pagination    Pagination         `json:"pagination"`
}

// UnreadCountResponse is the global unread badge.
type UnreadCountResponse struct {
	UnreadCount int `json:"unread_count"`
}
