// cmd/relay is the signaling relay binary (C7): a small stateful
// WebSocket server that brokers offer/answer/ICE handshakes between
// peers sharing a room token. It holds no application data — closing it
// only breaks new handshakes, not any already-established peer channel.
//
// Usage:
//
//	./relay [PORT]
//
// PORT defaults to 8081.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kholbekj/ledger/internal/api"
	"github.com/kholbekj/ledger/internal/signaling"
)

func main() {
	port := "8081"
	if len(os.Args) > 1 {
		port = os.Args[1]
	}
	addr := fmt.Sprintf(":%s", port)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(), api.Recovery())

	relay := signaling.NewRelay()
	relay.Register(router)

	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  0, // WebSocket connections are long-lived
		WriteTimeout: 0,
	}

	go func() {
		log.Printf("signaling relay listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("relay: listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down relay")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("relay: shutdown error: %v", err)
		os.Exit(1)
	}
}
