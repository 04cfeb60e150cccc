// Package server constructs and starts the ChatRelay HTTP service and owns
// the process-wide broker instance.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/internal/broker"
)

var (
	brokerMu     sync.RWMutex
	activeBroker *broker.Broker
	pumpWG       sync.WaitGroup
)

// StartBroker creates a broker from the active configuration and starts its
// event loop. It must be called before serving WebSocket requests. Calling it
// again replaces the broker, which tests use to get a fresh instance.
func StartBroker() {
	cfg := currentConfig()
	b := broker.New(broker.Options{
		QueueSize:   cfg.OutboundQueueSize,
		MaxTextSize: cfg.MaxTextSize,
	})
	go b.Run()

	brokerMu.Lock()
	activeBroker = b
	brokerMu.Unlock()

	slog.Info("broker started")
}

// GetBroker returns the process-wide broker instance.
func GetBroker() *broker.Broker {
	brokerMu.RLock()
	defer brokerMu.RUnlock()
	return activeBroker
}

func pumpGroup() *sync.WaitGroup {
	return &pumpWG
}

// ShutdownBroker stops the broker's event loop and waits for every
// connection pump to finish, or until the timeout is reached.
func ShutdownBroker(timeout time.Duration) error {
	b := GetBroker()
	if b == nil {
		return nil
	}

	deadline := time.Now().Add(timeout)
	if err := b.Shutdown(timeout); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		pumpWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("broker shutdown completed")
		return nil
	case <-time.After(time.Until(deadline)):
		slog.Warn("broker shutdown timeout reached, some pumps may still be running")
		return context.DeadlineExceeded
	}
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartServer starts the HTTP server and begins listening for connections.
// It returns an error if the server fails to start.
func StartServer(server *http.Server) error {
	slog.Info("server listening", "addr", server.Addr)
	return server.ListenAndServe()
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting
// active connections. It waits for active connections to close or until the
// timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	slog.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "err", err)
		return err
	}

	slog.Info("HTTP server shutdown completed")
	return nil
}
