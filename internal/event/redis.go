package event

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/teammsg/internal/logger"
)

const redisChannel = "teammsg:events"

// envelope оборачивает событие идентификатором инстанса, чтобы мост не
// доставлял в локальную шину события, опубликованные этим же инстансом.
type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// Bridge mirrors the local bus over Redis pub/sub so WebSocket clients
// connected to other instances see the same events. With a single instance
// (REDIS_URL unset) the bridge is simply not started.
type Bridge struct {
	bus    *Bus
	cli    *redis.Client
	origin string
}

func NewBridge(bus *Bus, cli *redis.Client) *Bridge {
	return &Bridge{bus: bus, cli: cli, origin: uuid.New().String()}
}

// Run forwards local events to Redis and remote events into the local bus
// until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	local, cancel := b.bus.Subscribe()
	defer cancel()

	sub := b.cli.Subscribe(ctx, redisChannel)
	defer sub.Close()
	remote := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-local:
			if !ok {
				return
			}
			if ev.remote {
				continue
			}
			data, err := json.Marshal(envelope{Origin: b.origin, Event: ev})
			if err != nil {
				logger.Errorf("event bridge: marshal: %v", err)
				continue
			}
			if err := b.cli.Publish(ctx, redisChannel, data).Err(); err != nil {
				logger.Errorf("event bridge: publish: %v", err)
			}
		case msg, ok := <-remote:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Errorf("event bridge: decode: %v", err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			env.Event.remote = true
			b.bus.Publish(env.Event)
		}
	}
}
