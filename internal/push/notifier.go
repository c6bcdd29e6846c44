// Package push отправляет Web Push (VAPID) уведомления о новых сообщениях.
// Подписки хранятся в Postgres; отправка идёт из подписчика шины событий.
package push

import (
	"context"
	"encoding/json"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/teammsg/internal/event"
	"github.com/teammsg/internal/logger"
	"github.com/teammsg/internal/model"
)

// Subscription is a browser push subscription as delivered by the
// PushManager API.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// SubscriptionStore persists browser subscriptions per user.
// Implemented by repository.SubscriptionRepository.
type SubscriptionStore interface {
	GetByUser(ctx context.Context, userID string) ([]Subscription, error)
	Delete(ctx context.Context, userID, endpoint string) error
}

const sendTimeout = 10 * time.Second

// Notifier subscribes to the event bus and pushes a notification to every
// participant of a new message except its author. Readers are not notified
// about their own mark-read.
type Notifier struct {
	store SubscriptionStore
	bus   *event.Bus
	vapid *webpush.Options
}

// NewNotifier returns nil when VAPID keys are missing: push is disabled,
// subscriptions are still accepted and stored.
func NewNotifier(store SubscriptionStore, bus *event.Bus, keys *VAPIDKeys) *Notifier {
	if keys == nil || keys.PublicKey == "" || keys.PrivateKey == "" {
		return nil
	}
	return &Notifier{
		store: store,
		bus:   bus,
		vapid: &webpush.Options{
			Subscriber:      "teammsg-push",
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		},
	}
}

// Run consumes message_created events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	events, cancel := n.bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != event.TypeMessageCreated {
				continue
			}
			n.notifyParticipants(ctx, ev)
		}
	}
}

func (n *Notifier) notifyParticipants(ctx context.Context, ev event.Event) {
	var msg model.Message
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		logger.Errorf("push: decode message event: %v", err)
		return
	}
	body := msg.Content
	if body == "" && msg.HasFile() {
		body = msg.FileName
	}
	payload, _ := json.Marshal(map[string]string{
		"title":           "Новое сообщение",
		"body":            body,
		"conversation_id": msg.ConversationID,
	})
	for _, uid := range ev.Participants {
		if uid == ev.ActorID {
			continue
		}
		n.sendToUser(ctx, uid, payload)
	}
}

func (n *Notifier) sendToUser(ctx context.Context, userID string, payload []byte) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	subs, err := n.store.GetByUser(sendCtx, userID)
	if err != nil {
		logger.Errorf("push: subscriptions user=%s: %v", userID, err)
		return
	}
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(sendCtx, payload, wpSub, n.vapid)
		if err != nil {
			logger.Errorf("push: send user=%s: %v", userID, err)
			continue
		}
		resp.Body.Close()
		// Протухшая подписка — браузер её отозвал, удаляем.
		if resp.StatusCode == 410 || resp.StatusCode == 404 {
			if err := n.store.Delete(sendCtx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push: prune subscription user=%s: %v", userID, err)
			}
		}
	}
}
