package model

import "time"

type Conversation struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationSummary is a conversation enriched for list views.
type ConversationSummary struct {
	Conversation Conversation `json:"conversation"`
	Participants []string     `json:"participants"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	HasUnread    bool         `json:"has_unread"`
}
