package unread

import (
	"context"
	"fmt"
	"time"

	"github.com/teammsg/internal/logger"
	"github.com/teammsg/internal/model"
)

// Aggregator answers cross-conversation unread queries for a user: the total
// unread-message count for badges, and per-conversation unread flags for
// list views. Both are pure reads.
type Aggregator struct {
	store Store
}

func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// CountUnread returns the number of messages unread by userID across every
// conversation they participate in. The store answers it as one aggregate
// query, so the call is cheap enough for every page navigation, and it
// reflects the most recently committed MarkRead or message creation.
func (a *Aggregator) CountUnread(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("unread.CountUnread", time.Now())()
	if err := checkUserID(userID); err != nil {
		return 0, err
	}
	n, err := a.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("unread.CountUnread: %w", err)
	}
	return n, nil
}

// AnnotateUnread sets HasUnread on each summary: true iff the conversation
// holds at least one message unread by userID. The unread lookup is batched
// over the whole id set, never per conversation.
func (a *Aggregator) AnnotateUnread(ctx context.Context, userID string, convs []model.ConversationSummary) error {
	defer logger.DeferLogDuration("unread.AnnotateUnread", time.Now())()
	if len(convs) == 0 {
		return nil
	}
	if err := checkUserID(userID); err != nil {
		return err
	}
	ids := make([]string, 0, len(convs))
	for i := range convs {
		ids = append(ids, convs[i].Conversation.ID)
	}
	flags, err := a.store.UnreadConversations(ctx, userID, ids)
	if err != nil {
		return fmt.Errorf("unread.AnnotateUnread: %w", err)
	}
	for i := range convs {
		convs[i].HasUnread = flags[convs[i].Conversation.ID]
	}
	return nil
}
