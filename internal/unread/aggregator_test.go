package unread_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/teammsg/internal/model"
	"github.com/teammsg/internal/storage/memory"
	"github.com/teammsg/internal/unread"
)

func TestCountUnreadSpansConversations(t *testing.T) {
	store := memory.New()
	agg := unread.NewAggregator(store.Markers())
	eng := unread.NewEngine(store.Markers())
	alice, bob, carol := uuid.NewString(), uuid.NewString(), uuid.NewString()

	mkConv := func(participants ...string) string {
		now := time.Now().UTC()
		c := &model.Conversation{ID: uuid.NewString(), CreatedBy: participants[0], CreatedAt: now, UpdatedAt: now}
		if err := store.Conversations().Create(context.Background(), c, participants); err != nil {
			t.Fatalf("create conversation: %v", err)
		}
		return c.ID
	}
	send := func(convID, author string) {
		m := &model.Message{ID: uuid.NewString(), ConversationID: convID, AuthorID: author, Content: "x", CreatedAt: time.Now().UTC()}
		if err := store.Messages().Create(context.Background(), m); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	conv1 := mkConv(alice, bob)
	conv2 := mkConv(alice, carol)
	foreign := mkConv(bob, carol) // alice is not in this one
	send(conv1, bob)
	send(conv1, bob)
	send(conv2, carol)
	send(conv2, alice) // her own, never unread for her
	send(foreign, bob)

	n, err := agg.CountUnread(context.Background(), alice)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("alice total = %d, want 3", n)
	}

	// Агрегат равен сумме по-беседных выборок.
	sum := 0
	for _, convID := range []string{conv1, conv2} {
		ids, err := eng.CollectUnread(context.Background(), convID, alice)
		if err != nil {
			t.Fatalf("collect %s: %v", convID, err)
		}
		sum += len(ids)
	}
	if sum != n {
		t.Fatalf("per-conversation sum = %d, aggregate = %d", sum, n)
	}

	if _, err := eng.MarkRead(context.Background(), conv1, alice); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	n, err = agg.CountUnread(context.Background(), alice)
	if err != nil {
		t.Fatalf("count after mark: %v", err)
	}
	if n != 1 {
		t.Fatalf("alice total after mark = %d, want 1", n)
	}
}

func TestAnnotateUnreadFlags(t *testing.T) {
	store := memory.New()
	agg := unread.NewAggregator(store.Markers())
	alice, bob := uuid.NewString(), uuid.NewString()

	now := time.Now().UTC()
	withMsg := &model.Conversation{ID: uuid.NewString(), CreatedBy: alice, CreatedAt: now, UpdatedAt: now}
	quiet := &model.Conversation{ID: uuid.NewString(), CreatedBy: alice, CreatedAt: now, UpdatedAt: now}
	for _, c := range []*model.Conversation{withMsg, quiet} {
		if err := store.Conversations().Create(context.Background(), c, []string{alice, bob}); err != nil {
			t.Fatalf("create conversation: %v", err)
		}
	}
	m := &model.Message{ID: uuid.NewString(), ConversationID: withMsg.ID, AuthorID: bob, Content: "hi", CreatedAt: now}
	if err := store.Messages().Create(context.Background(), m); err != nil {
		t.Fatalf("create message: %v", err)
	}

	summaries := []model.ConversationSummary{
		{Conversation: *withMsg},
		{Conversation: *quiet},
	}
	if err := agg.AnnotateUnread(context.Background(), alice, summaries); err != nil {
		t.Fatalf("annotate: %v", err)
	}
	if !summaries[0].HasUnread {
		t.Fatal("conversation with bob's message must be flagged unread")
	}
	if summaries[1].HasUnread {
		t.Fatal("quiet conversation must not be flagged")
	}
}

func TestAnnotateUnreadEmptyList(t *testing.T) {
	agg := unread.NewAggregator(memory.New().Markers())
	// Пустой список — ноль обращений к хранилищу и никакой валидации id.
	if err := agg.AnnotateUnread(context.Background(), "whatever", nil); err != nil {
		t.Fatalf("annotate empty: %v", err)
	}
}

func TestAggregatorRejectsBadUserID(t *testing.T) {
	agg := unread.NewAggregator(memory.New().Markers())
	if _, err := agg.CountUnread(context.Background(), "nope"); !errors.Is(err, unread.ErrInvalidArgument) {
		t.Fatalf("count with bad id: %v, want ErrInvalidArgument", err)
	}
	summaries := []model.ConversationSummary{{Conversation: model.Conversation{ID: uuid.NewString()}}}
	if err := agg.AnnotateUnread(context.Background(), "nope", summaries); !errors.Is(err, unread.ErrInvalidArgument) {
		t.Fatalf("annotate with bad id: %v, want ErrInvalidArgument", err)
	}
}
