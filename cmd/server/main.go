package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/chatrelay/chatrelay/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	setupLogger()

	cfg := server.NewConfigFromEnv()
	server.SetConfig(cfg)

	server.StartBroker()

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes())

	go func() {
		if err := server.StartServer(httpServer); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutdown signal received")

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout); err != nil {
		slog.Error("HTTP shutdown error", "err", err)
	}
	if err := server.ShutdownBroker(cfg.ShutdownTimeout); err != nil {
		slog.Error("broker shutdown error", "err", err)
	}
}

func setupLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
