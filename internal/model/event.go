package model

// EventType names a live-channel event.
type EventType string

// Server to client events.
const (
	EventNewMessage          EventType = "new_message"
	EventConversationUpdated EventType = "conversation_updated"
	EventNewConversation     EventType = "new_conversation"
	EventUserTyping          EventType = "user_typing"
	EventMessageError        EventType = "message_error"
)

// Client to server events.
const (
	EventJoinConversation  EventType = "join_conversation"
	EventLeaveConversation EventType = "leave_conversation"
	EventSendMessage       EventType = "send_message"
	EventTypingStart       EventType = "typing_start"
	EventTypingStop        EventType = "typing_stop"
)

// ConversationUpdatedEvent is sent to each participant's personal room with
// that participant's own unread count.
type ConversationUpdatedEvent struct {
	ConversationID string       `json:"conversation_id"`
	LastMessage    *MessageView `json:"last_message"`
	UnreadCount    int          `json:"unread_count"`
}

// UserTypingEvent is relayed to a conversation room.
type UserTypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ErrorEvent is sent back to the originating connection only.
type ErrorEvent struct {
	Error string `json:"error"`
}

// ConversationRef is the payload of join/leave/typing client events.
type ConversationRef struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessageEvent is the payload of the send_message client event.
type SendMessageEvent struct {
	ConversationID string `json:"conversation_id"`
	SendMessageRequest
}
