package unread

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/teammsg/internal/logger"
)

// ReadEvent describes a successful mark-read mutation: Count markers were
// written for UserID in ConversationID.
type ReadEvent struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Count          int       `json:"count"`
	ReadAt         time.Time `json:"read_at"`
}

// Engine computes unread messages for a (conversation, user) pair and
// records that they have been read. It holds no state of its own beyond the
// store and is safe for concurrent use from independent request handlers.
type Engine struct {
	store  Store
	notify func(ReadEvent)
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// NotifyReads registers a callback invoked after a MarkRead commit that
// wrote at least one marker. Collaborators (WebSocket hub, push notifier)
// wire the event bus here; the engine itself knows nothing about transports.
func (e *Engine) NotifyReads(fn func(ReadEvent)) {
	e.notify = fn
}

// Unread returns the ids of messages in the conversation that userID has not
// read: not authored by userID and carrying no (message, userID) marker.
// Order is not meaningful; callers that need it re-sort by creation time.
//
// The sequence is lazy and restartable: the store is queried when the
// sequence is ranged over, and ranging again re-queries. A failure yields a
// single ("", err) pair and stops.
func (e *Engine) Unread(ctx context.Context, conversationID, userID string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer logger.DeferLogDuration("unread.Unread", time.Now())()
		if err := checkIDs(conversationID, userID); err != nil {
			yield("", err)
			return
		}
		ok, err := e.store.ConversationExists(ctx, conversationID)
		if err != nil {
			yield("", fmt.Errorf("unread.Unread: %w", err))
			return
		}
		if !ok {
			yield("", fmt.Errorf("unread.Unread: conversation %s: %w", conversationID, ErrNotFound))
			return
		}
		ids, err := e.store.UnreadMessageIDs(ctx, conversationID, userID)
		if err != nil {
			yield("", fmt.Errorf("unread.Unread: %w", err))
			return
		}
		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

// CollectUnread materializes Unread into a slice. Convenience for callers
// (handlers, tests) that want the whole set.
func (e *Engine) CollectUnread(ctx context.Context, conversationID, userID string) ([]string, error) {
	var ids []string
	for id, err := range e.Unread(ctx, conversationID, userID) {
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MarkRead durably records that userID has read every currently-unread
// message in the conversation and returns how many markers were written.
//
// The write is atomic and idempotent: a repeat call returns 0 with no state
// change, and two concurrent calls for the same pair both succeed with the
// end state of a single call (skip-on-conflict insert, no locking). A
// cancelled call commits nothing.
func (e *Engine) MarkRead(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("unread.MarkRead", time.Now())()
	if err := checkIDs(conversationID, userID); err != nil {
		return 0, err
	}
	ok, err := e.store.ConversationExists(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("unread.MarkRead: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("unread.MarkRead: conversation %s: %w", conversationID, ErrNotFound)
	}
	readAt := time.Now().UTC()
	n, err := e.store.InsertReadMarkers(ctx, conversationID, userID, readAt)
	if err != nil {
		return 0, fmt.Errorf("unread.MarkRead: %w", err)
	}
	if n > 0 && e.notify != nil {
		e.notify(ReadEvent{
			ConversationID: conversationID,
			UserID:         userID,
			Count:          n,
			ReadAt:         readAt,
		})
	}
	return n, nil
}

// checkIDs отклоняет некорректные идентификаторы из транспортного слоя до обращения к хранилищу.
func checkIDs(conversationID, userID string) error {
	if _, err := uuid.Parse(conversationID); err != nil {
		return fmt.Errorf("conversation id %q: %w", conversationID, ErrInvalidArgument)
	}
	return checkUserID(userID)
}

func checkUserID(userID string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return fmt.Errorf("user id %q: %w", userID, ErrInvalidArgument)
	}
	return nil
}
