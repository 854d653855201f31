// Package server tracks the set of live connections in a Registry, the single
// shared-mutable hot path of the hub. All structural mutation is serialized
// behind one lock so broadcast iteration never observes a torn state.
package server

import "sync"

// Registry is the goroutine-safe set of currently open connections. A client
// removed from the registry is never delivered to again; its send queue is
// closed as part of removal.
type Registry struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[*Client]struct{}),
	}
}

// Add registers a newly opened connection.
func (r *Registry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client.closed = false
	r.clients[client] = struct{}{}
}

// Remove deregisters the connection and closes its send queue. Removing an
// unknown or already-removed client is a no-op, which absorbs the race where
// a transport close fires after a failed send already dropped the client.
// It reports whether the client was present.
func (r *Registry) Remove(client *Client) bool {
	r.mu.Lock()
	if _, ok := r.clients[client]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.clients, client)
	client.closed = true
	r.mu.Unlock()

	// Close outside the lock; Deliver observes the closed flag first.
	close(client.send)
	return true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot returns the current set of connections. The returned slice is a
// copy; registrations and removals after the call do not affect it.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// ForEach invokes fn once per registered connection. Iteration runs over a
// snapshot, so fn may call Remove, including on the client it was handed,
// without deadlocking or skipping other entries.
func (r *Registry) ForEach(fn func(*Client)) {
	for _, client := range r.Snapshot() {
		fn(client)
	}
}

// Deliver enqueues payload on the client's send queue if the client is still
// registered and the queue has room. The registry lock is held across the
// check and the enqueue so a concurrent Remove cannot close the queue in
// between. A false return means the client is gone or too slow to keep up.
func (r *Registry) Deliver(client *Client, payload []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.clients[client]; !ok || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}
