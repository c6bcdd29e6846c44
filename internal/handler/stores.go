package handler

import (
	"context"

	"github.com/teammsg/internal/model"
	"github.com/teammsg/internal/push"
)

// Хранилища объявлены на стороне потребителя: обработчикам всё равно, стоит
// за ними Postgres (repository) или память (storage/memory, режим -memory).

type ConversationStore interface {
	Create(ctx context.Context, c *model.Conversation, participantIDs []string) error
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	Delete(ctx context.Context, id string) error
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	GetParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
	GetUserConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	FindDirectConversation(ctx context.Context, userID1, userID2 string) (*model.Conversation, error)
}

type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error)
	GetLastMessage(ctx context.Context, conversationID string) (*model.Message, error)
}

type PushStore interface {
	Save(ctx context.Context, userID string, sub push.Subscription) error
	Delete(ctx context.Context, userID, endpoint string) error
}
