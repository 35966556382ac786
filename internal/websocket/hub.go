// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/capsulerec/capsule/internal/bus"
	"github.com/capsulerec/capsule/internal/events"
	"github.com/capsulerec/capsule/internal/logging"
	"github.com/capsulerec/capsule/internal/metrics"
)

// Message types pushed to GUI clients.
const (
	MessageTypeState       = "state"
	MessageTypeEvent       = "event"
	MessageTypeRecording   = "recording"
	MessageTypeConnection  = "connection"
	MessageTypeError       = "error"
	MessageTypeEventsSaved = "events_saved"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
)

// stateBroadcastRate bounds full-state pushes; the state topic fires on every
// bus event and would otherwise swamp slow clients.
var stateBroadcastRate = rate.Limit(5)

// Message is one WebSocket frame payload.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub maintains the set of connected GUI clients and fans bus traffic out to
// them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex

	stateLimiter *rate.Limiter
}

// NewHub creates a hub with no clients.
func NewHub() *Hub {
	return &Hub{
		broadcast:    make(chan Message, 256),
		Register:     make(chan *Client),
		Unregister:   make(chan *Client),
		clients:      make(map[*Client]bool),
		stateLimiter: rate.NewLimiter(stateBroadcastRate, 1),
	}
}

// AttachBus subscribes the hub to the live topics and forwards them to
// connected clients. State snapshots are rate limited; discrete events are
// forwarded as-is.
func (h *Hub) AttachBus(ctx context.Context, b *bus.Bus) error {
	forward := []struct {
		topic       string
		messageType string
		throttled   bool
	}{
		{bus.TopicState, MessageTypeState, true},
		{bus.TopicCaptured, MessageTypeEvent, false},
		{bus.TopicRecordingStatus, MessageTypeRecording, false},
		{bus.TopicEngineConnection, MessageTypeConnection, false},
		{bus.TopicError, MessageTypeError, false},
		{bus.TopicEventsSaved, MessageTypeEventsSaved, false},
	}
	for _, f := range forward {
		ch, err := b.Subscribe(ctx, f.topic)
		if err != nil {
			return err
		}
		go h.pump(ch, f.messageType, f.throttled)
	}
	return nil
}

func (h *Hub) pump(ch <-chan *message.Message, messageType string, throttled bool) {
	for msg := range ch {
		var data any
		if err := bus.Decode(msg, &data); err != nil {
			logging.Warn().Err(err).Str("type", messageType).Msg("bad bus payload for websocket fan-out")
			continue
		}
		if throttled && !h.stateLimiter.Allow() {
			continue
		}
		h.Broadcast(messageType, data)
	}
}

// RunWithContext runs the hub loop until ctx is canceled, then closes every
// client and returns ctx.Err(). Designed to run under suture supervision.
//
// Channel selection is prioritized: cancellation first, then client lifecycle
// events, then broadcasts, so client state is consistent before messages are
// fanned out.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

// Serve implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	return h.RunWithContext(ctx)
}

// String names the service in supervisor logs.
func (h *Hub) String() string {
	return "websocket-hub"
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("gui client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("gui client disconnected")
}

func (h *Hub) shutdown(ctx context.Context) {
	count := h.ClientCount()
	h.closeAllClients()
	logging.Info().
		Str("component", "websocket-hub").
		AnErr("cause", ctx.Err()).
		Int("clients_closed", count).
		Msg("websocket hub stopped")
}

// broadcastToClients sends a message to every client in ID order. Clients
// whose send buffer is full are disconnected rather than allowed to stall the
// hub.
func (h *Hub) broadcastToClients(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- msg:
			metrics.WSMessagesSent.Inc()
		default:
			metrics.WSMessagesDropped.Inc()
			toRemove = append(toRemove, client)
		}
	}
	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
	}
	if len(toRemove) > 0 {
		metrics.WSConnections.Set(float64(len(h.clients)))
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	metrics.WSConnections.Set(0)
}

// Broadcast queues a message for all clients, dropping it if the hub's own
// queue is full.
func (h *Hub) Broadcast(messageType string, data any) {
	msg := Message{Type: messageType, Data: data}
	select {
	case h.broadcast <- msg:
	default:
		metrics.WSMessagesDropped.Inc()
		logging.Warn().Str("message_type", messageType).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastEvent pushes one captured event to all clients.
func (h *Hub) BroadcastEvent(ev events.CapturedEvent) {
	h.Broadcast(MessageTypeEvent, ev)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// MarshalMessage converts a message to JSON.
func MarshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
