// Package unread determines which messages a user has not read and records
// read markers. Read state is derived: a message is unread for a user exactly
// when no (message, user) marker row exists. There is no stored per-message
// status flag, so the state cannot drift from the marker table.
package unread

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound — идентификатор беседы или сообщения не существует.
	ErrNotFound = errors.New("unread: not found")
	// ErrStoreUnavailable — хранилище недоступно (сеть, пул). Ретраи — на стороне вызывающего.
	ErrStoreUnavailable = errors.New("unread: store unavailable")
	// ErrInvalidArgument — некорректный идентификатор из транспортного слоя.
	ErrInvalidArgument = errors.New("unread: invalid argument")
)

// Store is the relational-store access the engine and aggregator need.
// Implementations: repository.ReadMarkerRepository (Postgres via pgx) and
// memory.Store (in-process, for -memory mode and tests).
//
// Callers have already verified that userID participates in the conversation;
// the store does not re-check membership for per-conversation queries.
type Store interface {
	// ConversationExists reports whether the conversation id is known.
	ConversationExists(ctx context.Context, conversationID string) (bool, error)

	// UnreadMessageIDs returns ids of messages in the conversation that were
	// not authored by userID and have no (message, userID) read marker.
	// Order is not meaningful.
	UnreadMessageIDs(ctx context.Context, conversationID, userID string) ([]string, error)

	// InsertReadMarkers writes one marker per currently-unread message in the
	// conversation for userID, skipping pairs that already have a marker and
	// messages authored by userID. The write is atomic: either every missing
	// marker is committed or none are. Returns the number of rows inserted.
	InsertReadMarkers(ctx context.Context, conversationID, userID string, readAt time.Time) (int, error)

	// CountUnread returns the total number of unread messages for userID
	// across all conversations they participate in, as a single aggregate.
	CountUnread(ctx context.Context, userID string) (int, error)

	// UnreadConversations reports, for the given conversation id set, which
	// of them contain at least one unread message for userID. Must be a
	// bounded number of round-trips regardless of len(conversationIDs).
	UnreadConversations(ctx context.Context, userID string, conversationIDs []string) (map[string]bool, error)
}
