package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teammsg/internal/logger"
	"github.com/teammsg/internal/unread"
)

// ReadMarkerRepository is the Postgres implementation of unread.Store.
// read_markers has PRIMARY KEY (message_id, user_id), so the conflict-skipping
// insert is atomic on its own; the surrounding transaction only makes the
// all-or-nothing contract explicit.
type ReadMarkerRepository struct {
	pool *pgxpool.Pool
}

func NewReadMarkerRepository(pool *pgxpool.Pool) *ReadMarkerRepository {
	return &ReadMarkerRepository{pool: pool}
}

func (r *ReadMarkerRepository) ConversationExists(ctx context.Context, conversationID string) (bool, error) {
	defer logger.DeferLogDuration("marker.ConversationExists", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, conversationID,
	).Scan(&exists)
	if err != nil {
		return false, storeErr("markerRepo.ConversationExists", err)
	}
	return exists, nil
}

func (r *ReadMarkerRepository) UnreadMessageIDs(ctx context.Context, conversationID, userID string) ([]string, error) {
	defer logger.DeferLogDuration("marker.UnreadMessageIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT m.id FROM messages m
		 WHERE m.conversation_id = $1
		   AND m.author_id <> $2
		   AND NOT EXISTS (SELECT 1 FROM read_markers rm WHERE rm.message_id = m.id AND rm.user_id = $2)`,
		conversationID, userID,
	)
	if err != nil {
		return nil, storeErr("markerRepo.UnreadMessageIDs query", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("markerRepo.UnreadMessageIDs scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("markerRepo.UnreadMessageIDs rows", err)
	}
	return ids, nil
}

func (r *ReadMarkerRepository) InsertReadMarkers(ctx context.Context, conversationID, userID string, readAt time.Time) (int, error) {
	defer logger.DeferLogDuration("marker.InsertReadMarkers", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, storeErr("markerRepo.InsertReadMarkers begin", err)
	}
	defer tx.Rollback(ctx)

	// Один INSERT ... SELECT ... ON CONFLICT DO NOTHING: повторный и конкурентный
	// вызовы не дают ни ошибок, ни дублей.
	tag, err := tx.Exec(ctx,
		`INSERT INTO read_markers (message_id, user_id, read_at)
		 SELECT m.id, $2, $3 FROM messages m
		 WHERE m.conversation_id = $1 AND m.author_id <> $2
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		conversationID, userID, readAt,
	)
	if err != nil {
		return 0, storeErr("markerRepo.InsertReadMarkers", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storeErr("markerRepo.InsertReadMarkers commit", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *ReadMarkerRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("marker.CountUnread", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 JOIN conversation_participants cp ON cp.conversation_id = m.conversation_id AND cp.user_id = $1
		 WHERE m.author_id <> $1
		   AND NOT EXISTS (SELECT 1 FROM read_markers rm WHERE rm.message_id = m.id AND rm.user_id = $1)`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, storeErr("markerRepo.CountUnread", err)
	}
	return count, nil
}

func (r *ReadMarkerRepository) UnreadConversations(ctx context.Context, userID string, conversationIDs []string) (map[string]bool, error) {
	defer logger.DeferLogDuration("marker.UnreadConversations", time.Now())()
	flags := make(map[string]bool, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return flags, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT m.conversation_id FROM messages m
		 WHERE m.conversation_id = ANY($2)
		   AND m.author_id <> $1
		   AND NOT EXISTS (SELECT 1 FROM read_markers rm WHERE rm.message_id = m.id AND rm.user_id = $1)`,
		userID, conversationIDs,
	)
	if err != nil {
		return nil, storeErr("markerRepo.UnreadConversations query", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("markerRepo.UnreadConversations scan", err)
		}
		flags[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("markerRepo.UnreadConversations rows", err)
	}
	return flags, nil
}

// storeErr wraps a pgx error into the unread error taxonomy. A server-side
// SQL error keeps its detail; anything else (dial, pool, timeout) surfaces as
// ErrStoreUnavailable so callers can map it to a 5xx without string matching.
func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, unread.ErrStoreUnavailable, err)
}
