// Package feed publishes operator-visible lifecycle events to WebSocket
// subscribers and to optional sinks such as an operator chat.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"luckypool/cmd/internal/ids"
	v1 "luckypool/shared/contracts/feed/v1"
)

const sinkTimeout = 10 * time.Second

// Publisher is the write side of the feed used by the engine.
type Publisher interface {
	Publish(typ string, payload any)
}

// Sink receives every published envelope outside the WebSocket fan-out.
type Sink interface {
	Deliver(ctx context.Context, env v1.Envelope) error
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, any) {}

// Hub fans envelopes out to connected clients.
//
// Publish never blocks: a client whose queue is full misses the event.
type Hub struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	clients map[string]*Client
	sinks   []Sink
}

// NewHub constructs a Hub. Sinks are delivered to asynchronously.
func NewHub(log *slog.Logger, sinks ...Sink) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		clients: make(map[string]*Client),
		sinks:   sinks,
	}
}

// Join adds a client to the fan-out.
func (h *Hub) Join(client *Client) {
	if h == nil || client == nil || client.SessionID == "" {
		return
	}
	h.mu.Lock()
	h.clients[client.SessionID] = client
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("feed.client.join", "session_id", client.SessionID, "clients", n)
}

// Leave removes a client and signals it to shut down.
func (h *Hub) Leave(sessionID string) {
	if h == nil || sessionID == "" {
		return
	}
	h.mu.Lock()
	cl := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()

	// Remove from the fan-out before closing so publishers never hold a closing client.
	if cl != nil {
		cl.Close()
	}
	h.log.Info("feed.client.leave", "session_id", sessionID)
}

// Clients returns the number of connected sessions.
func (h *Hub) Clients() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish wraps payload in an envelope and broadcasts it.
func (h *Hub) Publish(typ string, payload any) {
	if h == nil {
		return
	}
	now := h.now()
	env, err := v1.NewEnvelope(typ, ids.MustULID(now), now, payload)
	if err != nil {
		h.log.Error("feed.publish.fail", "type", typ, "err", err)
		return
	}
	h.Broadcast(env)

	for _, s := range h.sinks {
		go func(s Sink) {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			defer cancel()
			if err := s.Deliver(ctx, env); err != nil {
				h.log.Error("feed.sink.fail", "type", env.Type, "id", env.ID, "err", err)
			}
		}(s)
	}
}

// Broadcast sends env to every connected client without blocking.
func (h *Hub) Broadcast(env v1.Envelope) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		select {
		case <-c.Done():
			continue
		default:
		}
		select {
		case c.Send <- env:
		default:
			h.log.Warn("feed.client.drop", "session_id", c.SessionID, "type", env.Type)
		}
	}
}
