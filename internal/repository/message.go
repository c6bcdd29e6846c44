package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teammsg/internal/logger"
	"github.com/teammsg/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Create inserts the message and bumps the conversation's updated_at in the
// same transaction, so list-by-recency stays consistent with message state.
// The message must already be normalized (content-or-file invariant).
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	if err := m.Normalize(); err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, author_id, content, file_url, file_name, file_size, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ConversationID, m.AuthorID, m.Content, m.FileURL, m.FileName, m.FileSize, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`,
		m.CreatedAt, m.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create touch conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Create commit: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, conversation_id, author_id, content, file_url, file_name, file_size, created_at
		 FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.Content, &m.FileURL, &m.FileName, &m.FileSize, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) GetConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetConversationMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, conversation_id, author_id, content, file_url, file_name, file_size, created_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.Content, &m.FileURL, &m.FileName, &m.FileSize, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.GetConversationMessages scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages rows: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) GetLastMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetLastMessage", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, conversation_id, author_id, content, file_url, file_name, file_size, created_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`, conversationID,
	).Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.Content, &m.FileURL, &m.FileName, &m.FileSize, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetLastMessage: %w", err)
	}
	return m, nil
}
