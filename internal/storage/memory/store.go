// Package memory — общее in-memory хранилище для режима -memory и юнит-тестов.
// Повторяет семантику Postgres-репозиториев, включая каскадное удаление и
// уникальность отметок прочтения по (message, user).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teammsg/internal/model"
	"github.com/teammsg/internal/push"
	"github.com/teammsg/internal/repository"
)

// Store держит все таблицы под одним мьютексом. Фасеты (Conversations,
// Messages, Markers, Subscriptions) — взгляды на те же данные, по одному на
// каждый Postgres-репозиторий.
type Store struct {
	mu sync.RWMutex

	conversations map[string]model.Conversation
	participants  map[string]map[string]time.Time         // conversation -> user -> joined_at
	messages      map[string]model.Message
	byConv        map[string][]string                     // conversation -> message ids, insert order
	markers       map[string]map[string]model.ReadMarker  // message -> user -> marker
	subs          map[string]map[string]push.Subscription // user -> endpoint -> sub
}

func New() *Store {
	return &Store{
		conversations: make(map[string]model.Conversation),
		participants:  make(map[string]map[string]time.Time),
		messages:      make(map[string]model.Message),
		byConv:        make(map[string][]string),
		markers:       make(map[string]map[string]model.ReadMarker),
		subs:          make(map[string]map[string]push.Subscription),
	}
}

func (s *Store) Conversations() *ConversationStore { return &ConversationStore{s: s} }
func (s *Store) Messages() *MessageStore           { return &MessageStore{s: s} }
func (s *Store) Markers() *MarkerStore             { return &MarkerStore{s: s} }
func (s *Store) Subscriptions() *SubscriptionStore { return &SubscriptionStore{s: s} }

// unreadIDsLocked collects unread message ids for user in conversation.
// Caller holds at least a read lock.
func (s *Store) unreadIDsLocked(conversationID, userID string) []string {
	ids := make([]string, 0, 8)
	for _, mid := range s.byConv[conversationID] {
		m := s.messages[mid]
		if m.AuthorID == userID {
			continue
		}
		if _, read := s.markers[mid][userID]; read {
			continue
		}
		ids = append(ids, mid)
	}
	return ids
}

type ConversationStore struct {
	s *Store
}

func (c *ConversationStore) Create(ctx context.Context, conv *model.Conversation, participantIDs []string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.conversations[conv.ID] = *conv
	members := make(map[string]time.Time, len(participantIDs))
	for _, uid := range participantIDs {
		members[uid] = conv.CreatedAt
	}
	c.s.participants[conv.ID] = members
	return nil
}

func (c *ConversationStore) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	conv, ok := c.s.conversations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &conv, nil
}

// Delete removes the conversation together with its messages and markers,
// matching the ON DELETE CASCADE chain in Postgres.
func (c *ConversationStore) Delete(ctx context.Context, id string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if _, ok := c.s.conversations[id]; !ok {
		return repository.ErrNotFound
	}
	delete(c.s.conversations, id)
	delete(c.s.participants, id)
	for _, mid := range c.s.byConv[id] {
		delete(c.s.messages, mid)
		delete(c.s.markers, mid)
	}
	delete(c.s.byConv, id)
	return nil
}

func (c *ConversationStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	_, ok := c.s.participants[conversationID][userID]
	return ok, nil
}

func (c *ConversationStore) GetParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	members := c.s.participants[conversationID]
	ids := make([]string, 0, len(members))
	for uid := range members {
		ids = append(ids, uid)
	}
	sort.Slice(ids, func(i, j int) bool {
		if !members[ids[i]].Equal(members[ids[j]]) {
			return members[ids[i]].Before(members[ids[j]])
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

func (c *ConversationStore) GetUserConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	convs := make([]model.Conversation, 0, 16)
	for id, members := range c.s.participants {
		if _, ok := members[userID]; !ok {
			continue
		}
		convs = append(convs, c.s.conversations[id])
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
	return convs, nil
}

func (c *ConversationStore) FindDirectConversation(ctx context.Context, userID1, userID2 string) (*model.Conversation, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	var found *model.Conversation
	for id, members := range c.s.participants {
		if len(members) != 2 {
			continue
		}
		_, has1 := members[userID1]
		_, has2 := members[userID2]
		if !has1 || !has2 {
			continue
		}
		conv := c.s.conversations[id]
		if found == nil || conv.UpdatedAt.After(found.UpdatedAt) {
			found = &conv
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

type MessageStore struct {
	s *Store
}

func (m *MessageStore) Create(ctx context.Context, msg *model.Message) error {
	if err := msg.Normalize(); err != nil {
		return err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.messages[msg.ID] = *msg
	m.s.byConv[msg.ConversationID] = append(m.s.byConv[msg.ConversationID], msg.ID)
	if conv, ok := m.s.conversations[msg.ConversationID]; ok {
		conv.UpdatedAt = msg.CreatedAt
		m.s.conversations[msg.ConversationID] = conv
	}
	return nil
}

func (m *MessageStore) GetByID(ctx context.Context, id string) (*model.Message, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	msg, ok := m.s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &msg, nil
}

func (m *MessageStore) GetConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	ids := m.s.byConv[conversationID]
	msgs := make([]model.Message, 0, len(ids))
	for _, mid := range ids {
		msgs = append(msgs, m.s.messages[mid])
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.After(msgs[j].CreatedAt) })
	if offset >= len(msgs) {
		return []model.Message{}, nil
	}
	msgs = msgs[offset:]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (m *MessageStore) GetLastMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var last *model.Message
	for _, mid := range m.s.byConv[conversationID] {
		msg := m.s.messages[mid]
		if last == nil || msg.CreatedAt.After(last.CreatedAt) {
			last = &msg
		}
	}
	return last, nil
}

// MarkerStore реализует unread.Store поверх in-memory таблиц.
type MarkerStore struct {
	s *Store
}

func (r *MarkerStore) ConversationExists(ctx context.Context, conversationID string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	_, ok := r.s.conversations[conversationID]
	return ok, nil
}

func (r *MarkerStore) UnreadMessageIDs(ctx context.Context, conversationID, userID string) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.unreadIDsLocked(conversationID, userID), nil
}

// InsertReadMarkers держит write-lock на весь проход, поэтому вставка
// атомарна и повторный вызов под гонку не создаёт дублей.
func (r *MarkerStore) InsertReadMarkers(ctx context.Context, conversationID, userID string, readAt time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inserted := 0
	for _, mid := range r.s.unreadIDsLocked(conversationID, userID) {
		byUser := r.s.markers[mid]
		if byUser == nil {
			byUser = make(map[string]model.ReadMarker, 2)
			r.s.markers[mid] = byUser
		}
		byUser[userID] = model.ReadMarker{MessageID: mid, UserID: userID, ReadAt: readAt}
		inserted++
	}
	return inserted, nil
}

func (r *MarkerStore) CountUnread(ctx context.Context, userID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	total := 0
	for convID, members := range r.s.participants {
		if _, ok := members[userID]; !ok {
			continue
		}
		total += len(r.s.unreadIDsLocked(convID, userID))
	}
	return total, nil
}

func (r *MarkerStore) UnreadConversations(ctx context.Context, userID string, conversationIDs []string) (map[string]bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make(map[string]bool, len(conversationIDs))
	for _, convID := range conversationIDs {
		out[convID] = len(r.s.unreadIDsLocked(convID, userID)) > 0
	}
	return out, nil
}

type SubscriptionStore struct {
	s *Store
}

func (p *SubscriptionStore) Save(ctx context.Context, userID string, sub push.Subscription) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	byEndpoint := p.s.subs[userID]
	if byEndpoint == nil {
		byEndpoint = make(map[string]push.Subscription, 2)
		p.s.subs[userID] = byEndpoint
	}
	byEndpoint[sub.Endpoint] = sub
	return nil
}

func (p *SubscriptionStore) Delete(ctx context.Context, userID, endpoint string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	delete(p.s.subs[userID], endpoint)
	return nil
}

func (p *SubscriptionStore) GetByUser(ctx context.Context, userID string) ([]push.Subscription, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	byEndpoint := p.s.subs[userID]
	subs := make([]push.Subscription, 0, len(byEndpoint))
	for _, sub := range byEndpoint {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Endpoint < subs[j].Endpoint })
	return subs, nil
}
