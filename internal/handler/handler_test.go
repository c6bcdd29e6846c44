package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/teammsg/internal/event"
	"github.com/teammsg/internal/handler"
	"github.com/teammsg/internal/middleware"
	"github.com/teammsg/internal/model"
	"github.com/teammsg/internal/storage/memory"
	"github.com/teammsg/internal/unread"
)

type env struct {
	store *memory.Store
	eng   *unread.Engine
	srv   *httptest.Server
	alice string
	bob   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	eng := unread.NewEngine(store.Markers())
	agg := unread.NewAggregator(store.Markers())
	bus := event.NewBus()

	convH := handler.NewConversationHandler(store.Conversations(), store.Messages(), agg)
	msgH := handler.NewMessageHandler(store.Messages(), store.Conversations(), bus)
	unreadH := handler.NewUnreadHandler(eng, agg, store.Conversations())
	pushH := handler.NewPushHandler(store.Subscriptions(), "test-vapid-public")

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.DevAuth)
		r.Get("/api/conversations", convH.List)
		r.Post("/api/conversations", convH.Create)
		r.Post("/api/conversations/direct", convH.CreateDirect)
		r.Get("/api/conversations/{id}", convH.Get)
		r.Delete("/api/conversations/{id}", convH.Delete)
		r.Get("/api/conversations/{id}/messages", msgH.List)
		r.Post("/api/conversations/{id}/messages", msgH.Create)
		r.Get("/api/conversations/{id}/unread", unreadH.UnreadIDs)
		r.Post("/api/conversations/{id}/read", unreadH.MarkRead)
		r.Get("/api/unread/count", unreadH.Count)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{
		store: store,
		eng:   eng,
		srv:   srv,
		alice: uuid.NewString(),
		bob:   uuid.NewString(),
	}
}

// do выполняет запрос от имени userID и декодирует JSON-ответ в out (если не nil).
func (e *env) do(t *testing.T, userID, method, path string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-User-Id", userID)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp
}

func (e *env) newConversation(t *testing.T, creator string, others ...string) string {
	t.Helper()
	var got model.ConversationSummary
	resp := e.do(t, creator, http.MethodPost, "/api/conversations",
		handler.CreateConversationRequest{Subject: "rota", ParticipantIDs: others}, &got)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create conversation: status %d", resp.StatusCode)
	}
	return got.Conversation.ID
}

func (e *env) sendMessage(t *testing.T, author, convID, content string) model.Message {
	t.Helper()
	var got model.Message
	resp := e.do(t, author, http.MethodPost, "/api/conversations/"+convID+"/messages",
		handler.CreateMessageRequest{Content: content}, &got)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send message: status %d", resp.StatusCode)
	}
	return got
}

func TestConversationLifecycle(t *testing.T) {
	e := newEnv(t)
	convID := e.newConversation(t, e.alice, e.bob)

	var summary model.ConversationSummary
	resp := e.do(t, e.bob, http.MethodGet, "/api/conversations/"+convID, nil, &summary)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d", resp.StatusCode)
	}
	if len(summary.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(summary.Participants))
	}

	// Удалять может любой участник, посторонний — нет.
	resp = e.do(t, uuid.NewString(), http.MethodDelete, "/api/conversations/"+convID, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("delete by outsider: status %d, want 403", resp.StatusCode)
	}
	resp = e.do(t, e.bob, http.MethodDelete, "/api/conversations/"+convID, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete by participant: status %d, want 204", resp.StatusCode)
	}
	resp = e.do(t, e.alice, http.MethodGet, "/api/conversations/"+convID, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: status %d, want 404", resp.StatusCode)
	}
}

func TestOutsiderGetsForbidden(t *testing.T) {
	e := newEnv(t)
	outsider := uuid.NewString()
	convID := e.newConversation(t, e.alice, e.bob)
	e.sendMessage(t, e.alice, convID, "hello")

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/conversations/" + convID},
		{http.MethodGet, "/api/conversations/" + convID + "/messages"},
		{http.MethodGet, "/api/conversations/" + convID + "/unread"},
		{http.MethodPost, "/api/conversations/" + convID + "/read"},
		{http.MethodPost, "/api/conversations/" + convID + "/messages"},
	} {
		var body any
		if tc.method == http.MethodPost && tc.path == "/api/conversations/"+convID+"/messages" {
			body = handler.CreateMessageRequest{Content: "sneaky"}
		}
		resp := e.do(t, outsider, tc.method, tc.path, body, nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s %s as outsider: status %d, want 403", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestUnreadCountEndpoint(t *testing.T) {
	e := newEnv(t)
	convID := e.newConversation(t, e.alice, e.bob)
	e.sendMessage(t, e.bob, convID, "one")
	e.sendMessage(t, e.bob, convID, "two")

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/unread/count", nil)
	req.Header.Set("X-User-Id", e.alice)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("count: status %d", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control = %q, want no-store", cc)
	}
	var n int
	if _, err := fmt.Fscan(resp.Body, &n); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	// Автор свои сообщения прочитанными не считает — у него ноль.
	var m int
	req2, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/unread/count", nil)
	req2.Header.Set("X-User-Id", e.bob)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("count bob: %v", err)
	}
	defer resp2.Body.Close()
	if _, err := fmt.Fscan(resp2.Body, &m); err != nil {
		t.Fatalf("parse bob body: %v", err)
	}
	if m != 0 {
		t.Fatalf("bob count = %d, want 0", m)
	}
}

func TestMarkReadFlow(t *testing.T) {
	e := newEnv(t)
	convID := e.newConversation(t, e.alice, e.bob)
	e.sendMessage(t, e.bob, convID, "one")
	e.sendMessage(t, e.bob, convID, "two")

	var ids []string
	resp := e.do(t, e.alice, http.MethodGet, "/api/conversations/"+convID+"/unread", nil, &ids)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unread ids: status %d", resp.StatusCode)
	}
	if len(ids) != 2 {
		t.Fatalf("unread ids = %d, want 2", len(ids))
	}

	var marked struct {
		MarkedRead int `json:"marked_read"`
	}
	resp = e.do(t, e.alice, http.MethodPost, "/api/conversations/"+convID+"/read", nil, &marked)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read: status %d", resp.StatusCode)
	}
	if marked.MarkedRead != 2 {
		t.Fatalf("marked_read = %d, want 2", marked.MarkedRead)
	}

	resp = e.do(t, e.alice, http.MethodPost, "/api/conversations/"+convID+"/read", nil, &marked)
	if resp.StatusCode != http.StatusOK || marked.MarkedRead != 0 {
		t.Fatalf("repeat mark: status %d marked=%d, want 200/0", resp.StatusCode, marked.MarkedRead)
	}

	resp = e.do(t, e.alice, http.MethodPost, "/api/conversations/"+uuid.NewString()+"/read", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("mark unknown conversation: status %d, want 404", resp.StatusCode)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	e := newEnv(t)
	convID := e.newConversation(t, e.alice, e.bob)

	resp := e.do(t, e.alice, http.MethodPost, "/api/conversations/"+convID+"/messages",
		handler.CreateMessageRequest{Content: "   "}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message: status %d, want 400", resp.StatusCode)
	}

	// Сообщение только с файлом — валидно.
	var got model.Message
	resp = e.do(t, e.alice, http.MethodPost, "/api/conversations/"+convID+"/messages",
		handler.CreateMessageRequest{FileURL: "https://files.example/doc.pdf", FileName: "doc.pdf", FileSize: 1024}, &got)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("file-only message: status %d, want 201", resp.StatusCode)
	}
	if got.Content != "" || got.FileURL == "" {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestListAnnotatesUnread(t *testing.T) {
	e := newEnv(t)
	busy := e.newConversation(t, e.alice, e.bob)
	quiet := e.newConversation(t, e.alice, e.bob)
	e.sendMessage(t, e.bob, busy, "news")

	var summaries []model.ConversationSummary
	resp := e.do(t, e.alice, http.MethodGet, "/api/conversations", nil, &summaries)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	if len(summaries) != 2 {
		t.Fatalf("list = %d conversations, want 2", len(summaries))
	}
	// Беседа с новым сообщением всплывает наверх и помечена непрочитанной.
	if summaries[0].Conversation.ID != busy || !summaries[0].HasUnread {
		t.Fatalf("first summary: id=%s hasUnread=%v, want %s/true",
			summaries[0].Conversation.ID, summaries[0].HasUnread, busy)
	}
	if summaries[0].LastMessage == nil || summaries[0].LastMessage.Content != "news" {
		t.Fatalf("first summary last message: %+v", summaries[0].LastMessage)
	}
	if summaries[1].Conversation.ID != quiet || summaries[1].HasUnread {
		t.Fatalf("second summary: id=%s hasUnread=%v, want %s/false",
			summaries[1].Conversation.ID, summaries[1].HasUnread, quiet)
	}
}

func TestDirectConversationReuse(t *testing.T) {
	e := newEnv(t)

	var first model.ConversationSummary
	resp := e.do(t, e.alice, http.MethodPost, "/api/conversations/direct",
		handler.DirectConversationRequest{UserID: e.bob}, &first)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first direct: status %d, want 201", resp.StatusCode)
	}

	var second model.ConversationSummary
	resp = e.do(t, e.bob, http.MethodPost, "/api/conversations/direct",
		handler.DirectConversationRequest{UserID: e.alice}, &second)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second direct: status %d, want 200", resp.StatusCode)
	}
	if second.Conversation.ID != first.Conversation.ID {
		t.Fatalf("direct conversations differ: %s vs %s", first.Conversation.ID, second.Conversation.ID)
	}

	resp = e.do(t, e.alice, http.MethodPost, "/api/conversations/direct",
		handler.DirectConversationRequest{UserID: e.alice}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("direct with self: status %d, want 400", resp.StatusCode)
	}
}

func TestPushSubscribeRoundTrip(t *testing.T) {
	e := newEnv(t)

	sub := map[string]any{"subscription": map[string]any{
		"endpoint": "https://push.example/ep1",
		"keys":     map[string]string{"p256dh": "pk", "auth": "ak"},
	}}
	resp := e.do(t, e.alice, http.MethodPost, "/api/push/subscribe", sub, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("subscribe: status %d, want 204", resp.StatusCode)
	}

	saved, err := e.store.Subscriptions().GetByUser(context.Background(), e.alice)
	if err != nil || len(saved) != 1 {
		t.Fatalf("saved subscriptions: %v, err=%v, want 1", saved, err)
	}

	resp = e.do(t, e.alice, http.MethodDelete, "/api/push/subscribe",
		map[string]string{"endpoint": "https://push.example/ep1"}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unsubscribe: status %d, want 204", resp.StatusCode)
	}
	saved, _ = e.store.Subscriptions().GetByUser(context.Background(), e.alice)
	if len(saved) != 0 {
		t.Fatalf("subscriptions after unsubscribe = %d, want 0", len(saved))
	}
}

func TestUnauthorizedWithoutIdentity(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/api/unread/count")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no identity: status %d, want 401", resp.StatusCode)
	}
}

// Создание сообщения должно публиковать событие в шину.
func TestMessageCreatedPublished(t *testing.T) {
	store := memory.New()
	bus := event.NewBus()
	events, cancel := bus.Subscribe()
	defer cancel()

	agg := unread.NewAggregator(store.Markers())
	convH := handler.NewConversationHandler(store.Conversations(), store.Messages(), agg)
	msgH := handler.NewMessageHandler(store.Messages(), store.Conversations(), bus)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.DevAuth)
		r.Post("/api/conversations", convH.Create)
		r.Post("/api/conversations/{id}/messages", msgH.Create)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	e := &env{store: store, srv: srv, alice: uuid.NewString(), bob: uuid.NewString()}
	convID := e.newConversation(t, e.alice, e.bob)
	e.sendMessage(t, e.alice, convID, "ping")

	select {
	case ev := <-events:
		if ev.Type != event.TypeMessageCreated || ev.ActorID != e.alice {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if len(ev.Participants) != 2 {
			t.Fatalf("participants = %d, want 2", len(ev.Participants))
		}
	case <-time.After(time.Second):
		t.Fatal("no message_created event on the bus")
	}
}
