package ws

import (
	"context"
	"sync"

	"github.com/teammsg/internal/event"
	"github.com/teammsg/internal/logger"
)

// Hub routes domain events from the bus to connected WebSocket clients.
// Each event carries its participant ids, so routing never touches the store.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int
	bus      *event.Bus

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(bus *event.Bus, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		bus:        bus,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	events, cancel := h.bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case ev, ok := <-events:
			if !ok {
				h.shutdown()
				return
			}
			h.deliver(ev)
		}
	}
}

// deliver fans an event out to every connected participant except the actor:
// the author already has the message, and a reader updates their own badge
// only from the mark-read HTTP response.
func (h *Hub) deliver(ev event.Event) {
	out := OutgoingMessage{Type: string(ev.Type), Payload: ev.Payload}
	for _, uid := range ev.Participants {
		if uid == ev.ActorID {
			continue
		}
		h.sendToUser(uid, out)
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			h.total--
			if len(set) == 0 {
				delete(h.clients, c.userID)
			}
		}
	}
	h.mu.Unlock()
	c.Close()
}

func (h *Hub) sendToUser(userID string, msg OutgoingMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, 2)
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		// Буфер клиента полон — событие для него теряется
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
