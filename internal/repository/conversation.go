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

var ErrNotFound = errors.New("not found")

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// Create inserts the conversation and its participant rows in one transaction.
// A conversation may transiently have zero participants; it is simply
// meaningless for unread computation until someone joins.
func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation, participantIDs []string) error {
	defer logger.DeferLogDuration("conv.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("convRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, subject, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)`,
		c.ID, c.Subject, c.CreatedBy, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("convRepo.Create: %w", err)
	}
	for _, uid := range participantIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			c.ID, uid, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("convRepo.Create participant: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("convRepo.Create commit: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, COALESCE(subject,''), created_by, created_at, updated_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.Subject, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

// Delete removes the conversation; messages and read markers go with it via
// ON DELETE CASCADE.
func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("conv.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("convRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conv.IsParticipant", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("convRepo.IsParticipant: %w", err)
	}
	return exists, nil
}

func (r *ConversationRepository) GetParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.GetParticipantIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = $1 ORDER BY joined_at`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetParticipantIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.GetParticipantIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetParticipantIDs rows: %w", err)
	}
	return ids, nil
}

// GetUserConversations returns the conversations userID participates in,
// most recently active first (updated_at is touched on every new message).
func (r *ConversationRepository) GetUserConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetUserConversations", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, COALESCE(c.subject,''), c.created_by, c.created_at, c.updated_at
		 FROM conversations c
		 JOIN conversation_participants cp ON cp.conversation_id = c.id
		 WHERE cp.user_id = $1
		 ORDER BY c.updated_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetUserConversations query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, 16)
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.Subject, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("convRepo.GetUserConversations scan: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetUserConversations rows: %w", err)
	}
	return convs, nil
}

// FindDirectConversation returns an existing two-party conversation between
// the users, for the reply-to-user shortcut.
func (r *ConversationRepository) FindDirectConversation(ctx context.Context, userID1, userID2 string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindDirectConversation", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT c.id, COALESCE(c.subject,''), c.created_by, c.created_at, c.updated_at
		 FROM conversations c
		 WHERE EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = c.id AND user_id = $1)
		   AND EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = c.id AND user_id = $2)
		   AND (SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = c.id) = 2
		 ORDER BY c.updated_at DESC
		 LIMIT 1`,
		userID1, userID2,
	).Scan(&c.ID, &c.Subject, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.FindDirectConversation: %w", err)
	}
	return c, nil
}
