package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/chathub/internal/server"
	"github.com/Tyrowin/chathub/internal/store"
)

func main() {
	log.Println("Starting chathub server...")

	cfg := server.NewConfigFromEnv()
	server.SetConfig(cfg)

	// No degraded mode without durable storage: a store that cannot be
	// opened is fatal.
	messages, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open message store: %v", err)
	}

	hub := server.NewHub(messages)
	go hub.Run()

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(hub))
	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	_ = server.ShutdownServer(httpServer, 10*time.Second)
	_ = hub.Shutdown(5 * time.Second)
	if err := messages.Close(); err != nil {
		log.Printf("Error closing message store: %v", err)
	}
	log.Println("Server stopped")
}
