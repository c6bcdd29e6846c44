// Package event — внутренняя шина доменных событий (создание сообщения,
// прочтение). Подписчики: WebSocket-хаб, push-уведомления, Redis-мост.
package event

import (
	"encoding/json"
	"sync"

	"github.com/teammsg/internal/logger"
	"github.com/teammsg/internal/model"
	"github.com/teammsg/internal/unread"
)

type Type string

const (
	TypeMessageCreated Type = "message_created"
	TypeMessagesRead   Type = "messages_read"
)

// Event is one domain event. Participants carries the user ids that should
// see the event, so transports route without re-querying the store.
type Event struct {
	Type           Type            `json:"type"`
	ConversationID string          `json:"conversation_id"`
	ActorID        string          `json:"actor_id"`
	Participants   []string        `json:"participants"`
	Payload        json.RawMessage `json:"payload"`

	// remote помечает событие, пришедшее через Redis-мост: его нельзя
	// публиковать в Redis повторно, иначе инстансы зациклят друг друга.
	remote bool
}

// MessageCreated builds the event published after a message insert commits.
func MessageCreated(m *model.Message, participants []string) Event {
	payload, err := json.Marshal(m)
	if err != nil {
		logger.Errorf("event: marshal message %s: %v", m.ID, err)
	}
	return Event{
		Type:           TypeMessageCreated,
		ConversationID: m.ConversationID,
		ActorID:        m.AuthorID,
		Participants:   participants,
		Payload:        payload,
	}
}

// MessagesRead builds the event published after MarkRead writes markers.
func MessagesRead(ev unread.ReadEvent, participants []string) Event {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("event: marshal read event %s/%s: %v", ev.ConversationID, ev.UserID, err)
	}
	return Event{
		Type:           TypeMessagesRead,
		ConversationID: ev.ConversationID,
		ActorID:        ev.UserID,
		Participants:   participants,
		Payload:        payload,
	}
}

const subscriberBuffer = 64

// Bus is an in-process publish/subscribe fan-out. Publish never blocks: a
// subscriber that falls behind loses events rather than stalling the
// request path (same policy as the async logger).
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel function. The channel
// is closed on cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Подписчик не успевает — событие для него теряется
		}
	}
}
