package model

import (
	"time"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

// Valid reports whether t is a supported message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// Message is a single message within a conversation. Only the read state
// changes after creation.
type Message struct {
	ID             string      `json:"id" bson:"_id"`
	ConversationID string      `json:"conversation_id" bson:"conversation_id"`
	SenderID       string      `json:"sender_id" bson:"sender_id"`
	Content        string      `json:"content" bson:"content"`
	MessageType    MessageType `json:"message_type" bson:"message_type"`
	Attachments    []string    `json:"attachments,omitempty" bson:"attachments,omitempty"`
	IsRead         bool        `json:"is_read" bson:"is_read"`
	ReadAt         *time.Time  `json:"read_at,omitempty" bson:"read_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" bson:"updated_at"`
}

// MessageView is a message populated with its sender's display fields.
type MessageView struct {
	Message
	Sender *UserSummary `json:"sender,omitempty"`
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Content     string      `json:"content" validate:"max=100000"`
	MessageType MessageType `json:"message_type,omitempty" validate:"omitempty,oneof=text image file"`
	Attachments []string    `json:"attachments,omitempty" validate:"max=20,dive,uri"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages   []MessageView `json:"messages"`
	Pagination Pagination    `json:"pagination"`
}
