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

type fixture struct {
	store *memory.Store
	eng   *unread.Engine
	alice string
	bob   string
	conv  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		alice: uuid.NewString(),
		bob:   uuid.NewString(),
	}
	f.eng = unread.NewEngine(f.store.Markers())
	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		Subject:   "schedule",
		CreatedBy: f.alice,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.Conversations().Create(context.Background(), conv, []string{f.alice, f.bob}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	f.conv = conv.ID
	return f
}

func (f *fixture) send(t *testing.T, authorID, content, fileURL string) string {
	t.Helper()
	m := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: f.conv,
		AuthorID:       authorID,
		Content:        content,
		FileURL:        fileURL,
		CreatedAt:      time.Now().UTC(),
	}
	if err := f.store.Messages().Create(context.Background(), m); err != nil {
		t.Fatalf("create message: %v", err)
	}
	return m.ID
}

func TestMarkReadThenNothingUnread(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.bob, "service starts at nine", "")
	f.send(t, f.bob, "", "https://files.example/rota.pdf") // file-only message counts too

	ids, err := f.eng.CollectUnread(context.Background(), f.conv, f.alice)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("alice unread = %d, want 2", len(ids))
	}

	n, err := f.eng.MarkRead(context.Background(), f.conv, f.alice)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n != 2 {
		t.Fatalf("marked = %d, want 2", n)
	}

	ids, err = f.eng.CollectUnread(context.Background(), f.conv, f.alice)
	if err != nil {
		t.Fatalf("unread after mark: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("alice unread after mark = %d, want 0", len(ids))
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.bob, "hello", "")

	if n, err := f.eng.MarkRead(context.Background(), f.conv, f.alice); err != nil || n != 1 {
		t.Fatalf("first mark: n=%d err=%v, want 1, nil", n, err)
	}
	if n, err := f.eng.MarkRead(context.Background(), f.conv, f.alice); err != nil || n != 0 {
		t.Fatalf("repeat mark: n=%d err=%v, want 0, nil", n, err)
	}
}

func TestOwnMessagesNeverUnread(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.bob, "from bob", "")

	ids, err := f.eng.CollectUnread(context.Background(), f.conv, f.bob)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("author sees own message as unread: %v", ids)
	}
	// Marking read for the author only covers other people's messages.
	if n, err := f.eng.MarkRead(context.Background(), f.conv, f.bob); err != nil || n != 0 {
		t.Fatalf("author mark: n=%d err=%v, want 0, nil", n, err)
	}
}

func TestMarkReadDoesNotTouchOtherReaders(t *testing.T) {
	f := newFixture(t)
	carol := uuid.NewString()
	now := time.Now().UTC()
	conv := &model.Conversation{ID: uuid.NewString(), CreatedBy: f.alice, CreatedAt: now, UpdatedAt: now}
	if err := f.store.Conversations().Create(context.Background(), conv, []string{f.alice, f.bob, carol}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	m := &model.Message{ID: uuid.NewString(), ConversationID: conv.ID, AuthorID: f.bob, Content: "hi", CreatedAt: now}
	if err := f.store.Messages().Create(context.Background(), m); err != nil {
		t.Fatalf("create message: %v", err)
	}

	if _, err := f.eng.MarkRead(context.Background(), conv.ID, f.alice); err != nil {
		t.Fatalf("alice mark: %v", err)
	}
	ids, err := f.eng.CollectUnread(context.Background(), conv.ID, carol)
	if err != nil {
		t.Fatalf("carol unread: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("carol unread = %d after alice's mark, want 1", len(ids))
	}
}

func TestUnreadSequenceIsRestartable(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.bob, "one", "")
	f.send(t, f.bob, "two", "")

	seq := f.eng.Unread(context.Background(), f.conv, f.alice)

	count := 0
	for _, err := range seq {
		if err != nil {
			t.Fatalf("first pass: %v", err)
		}
		count++
	}
	if count != 2 {
		t.Fatalf("first pass = %d, want 2", count)
	}

	// Состояние меняется между проходами: второй проход видит свежий срез.
	if _, err := f.eng.MarkRead(context.Background(), f.conv, f.alice); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	count = 0
	for _, err := range seq {
		if err != nil {
			t.Fatalf("second pass: %v", err)
		}
		count++
	}
	if count != 0 {
		t.Fatalf("second pass = %d after mark-read, want 0", count)
	}
}

func TestUnreadSequenceEarlyBreak(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.send(t, f.bob, "msg", "")
	}

	got := 0
	for _, err := range f.eng.Unread(context.Background(), f.conv, f.alice) {
		if err != nil {
			t.Fatalf("unread: %v", err)
		}
		got++
		if got == 2 {
			break
		}
	}
	if got != 2 {
		t.Fatalf("consumed %d, want 2", got)
	}
}

func TestUnknownConversation(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.CollectUnread(context.Background(), uuid.NewString(), f.alice)
	if !errors.Is(err, unread.ErrNotFound) {
		t.Fatalf("unread of unknown conversation: %v, want ErrNotFound", err)
	}
	_, err = f.eng.MarkRead(context.Background(), uuid.NewString(), f.alice)
	if !errors.Is(err, unread.ErrNotFound) {
		t.Fatalf("mark of unknown conversation: %v, want ErrNotFound", err)
	}
}

func TestInvalidIDs(t *testing.T) {
	f := newFixture(t)

	if _, err := f.eng.MarkRead(context.Background(), "not-a-uuid", f.alice); !errors.Is(err, unread.ErrInvalidArgument) {
		t.Fatalf("bad conversation id: %v, want ErrInvalidArgument", err)
	}
	if _, err := f.eng.MarkRead(context.Background(), f.conv, ""); !errors.Is(err, unread.ErrInvalidArgument) {
		t.Fatalf("empty user id: %v, want ErrInvalidArgument", err)
	}
	if _, err := f.eng.CollectUnread(context.Background(), f.conv, "42"); !errors.Is(err, unread.ErrInvalidArgument) {
		t.Fatalf("bad user id: %v, want ErrInvalidArgument", err)
	}
}

func TestNotifyReadsFiresOnlyOnChange(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.bob, "ping", "")

	var events []unread.ReadEvent
	f.eng.NotifyReads(func(ev unread.ReadEvent) { events = append(events, ev) })

	if _, err := f.eng.MarkRead(context.Background(), f.conv, f.alice); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events after first mark = %d, want 1", len(events))
	}
	if events[0].ConversationID != f.conv || events[0].UserID != f.alice || events[0].Count != 1 {
		t.Fatalf("unexpected event: %+v", events[0])
	}

	// Повтор не пишет отметок — события нет.
	if _, err := f.eng.MarkRead(context.Background(), f.conv, f.alice); err != nil {
		t.Fatalf("repeat mark: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events after repeat mark = %d, want 1", len(events))
	}
}

func TestNewMessageBecomesUnreadAfterMarkRead(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.bob, "before", "")
	if _, err := f.eng.MarkRead(context.Background(), f.conv, f.alice); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	f.send(t, f.bob, "after", "")
	ids, err := f.eng.CollectUnread(context.Background(), f.conv, f.alice)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("unread after new message = %d, want 1", len(ids))
	}
}
