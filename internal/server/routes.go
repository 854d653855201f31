// Package server wires the HTTP handlers into a ServeMux.
package server

import "net/http"

// SetupRoutes returns a ServeMux serving the health check and the WebSocket
// endpoint backed by the given hub.
func SetupRoutes(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", hub.ServeWS)
	return mux
}
