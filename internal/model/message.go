package model

import (
	"errors"
	"strings"
	"time"
)

// ErrEmptyMessage is returned when a message carries neither text nor a file
// reference. Such messages are malformed and rejected at creation.
var ErrEmptyMessage = errors.New("message has no content and no file")

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	Content        string    `json:"content"`
	FileURL        string    `json:"file_url,omitempty"`
	FileName       string    `json:"file_name,omitempty"`
	FileSize       int64     `json:"file_size,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Normalize trims the text content and validates the content-or-file
// invariant. A file-only message keeps an empty content string.
func (m *Message) Normalize() error {
	m.Content = strings.TrimSpace(m.Content)
	m.FileURL = strings.TrimSpace(m.FileURL)
	if m.Content == "" && m.FileURL == "" {
		return ErrEmptyMessage
	}
	if m.FileURL == "" {
		m.FileName = ""
		m.FileSize = 0
	}
	return nil
}

// HasFile reports whether the message carries a file attachment reference.
func (m *Message) HasFile() bool { return m.FileURL != "" }
