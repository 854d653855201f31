// Package server coordinates connection registration, history replay, and
// event fan-out for the chat relay via the Hub type.
package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Tyrowin/chathub/internal/presence"
	"github.com/Tyrowin/chathub/internal/store"
)

// Hub owns the connection registry and the broadcast engine. Registration,
// deregistration, and broadcasts all funnel through one event loop, which is
// what gives sequential broadcasts the same relative order on every
// connection that receives them.
type Hub struct {
	registry *Registry
	messages store.MessageStore
	typing   *presence.Tracker

	register   chan *Client
	unregister chan *Client
	broadcast  chan any

	historyLimit int

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub backed by the given message store. The history limit
// is taken from the active configuration.
func NewHub(messages store.MessageStore) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := currentConfig()

	return &Hub{
		registry:     NewRegistry(),
		messages:     messages,
		typing:       presence.NewTracker(),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan any, 64),
		historyLimit: cfg.HistoryLimit,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Registry exposes the hub's connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Broadcast queues an event for fan-out to every registered connection. The
// event is serialized exactly once when the hub loop picks it up.
func (h *Hub) Broadcast(event any) {
	select {
	case h.broadcast <- event:
	case <-h.ctx.Done():
	}
}

// Unicast serializes the event and delivers it to exactly one connection. A
// delivery failure means the target is dead or hopelessly slow; it is dropped
// from the registry and the failure reported to the caller. Other connections
// are unaffected.
func (h *Hub) Unicast(client *Client, event any) bool {
	payload, err := encodeEvent(event)
	if err != nil {
		log.Printf("Dropping unicast to %s: %v", client.addr, err)
		return false
	}
	if !h.registry.Deliver(client, payload) {
		h.drop(client, "undeliverable unicast")
		return false
	}
	return true
}

// Run starts the hub's event loop. It should be called in its own goroutine
// and runs until Shutdown cancels it.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Printf("Received nil client registration; skipping")
				continue
			}
			h.handleRegister(client)

		case client := <-h.unregister:
			if h.registry.Remove(client) {
				log.Printf("Client unregistered from %s. Total clients: %d", client.addr, h.registry.Len())
			}

		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

// handleRegister adds the connection, starts its pumps, and replays history.
// The history payload is enqueued before any later broadcast is processed, so
// a new connection always sees its snapshot first.
func (h *Hub) handleRegister(client *Client) {
	h.registry.Add(client)
	log.Printf("Client registered from %s. Total clients: %d", client.addr, h.registry.Len())

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()

	h.sendHistory(client)
}

// sendHistory unicasts the most recent persisted messages, oldest first, to a
// newly opened connection. The snapshot reflects the store at the instant of
// the query; appends racing with the query may or may not be included.
func (h *Hub) sendHistory(client *Client) {
	messages, err := h.messages.Recent(h.ctx, h.historyLimit)
	if err != nil {
		log.Printf("Failed to load history for %s: %v", client.addr, err)
		h.Unicast(client, NewErrorEvent("Could not retrieve chat history"))
		return
	}
	h.Unicast(client, NewHistoryEvent(messages))
}

// fanOut serializes the event once and delivers the identical bytes to every
// registered connection. A failed delivery drops that connection but never
// blocks or aborts delivery to the rest.
func (h *Hub) fanOut(event any) {
	payload, err := encodeEvent(event)
	if err != nil {
		log.Printf("Dropping broadcast: %v", err)
		return
	}

	var failed []*Client
	h.registry.ForEach(func(client *Client) {
		if !h.registry.Deliver(client, payload) {
			failed = append(failed, client)
		}
	})

	for _, client := range failed {
		h.drop(client, "undeliverable broadcast")
	}
}

// drop removes a client whose transport is broken or backed up. Removal is
// idempotent, so racing with the unregister path is harmless.
func (h *Hub) drop(client *Client, reason string) {
	if h.registry.Remove(client) {
		log.Printf("Client from %s removed: %s. Total clients: %d", client.addr, reason, h.registry.Len())
	}
}

// closeAllClients closes every remaining transport during shutdown. The read
// pumps observe the close and deregister on their way out.
func (h *Hub) closeAllClients() {
	clients := h.registry.Snapshot()
	log.Printf("Shutting down %d client connections...", len(clients))

	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing client connection from %s: %v", client.addr, err)
		}
	}
}

// Shutdown stops the event loop, closes all client connections, and waits for
// the pump goroutines to finish or the timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		log.Println("Hub shutdown completed")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached; some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
