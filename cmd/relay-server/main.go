package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"chat-relay/pkg/server"
	"chat-relay/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real environments set variables directly
	_ = godotenv.Load()

	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := newLogger(config.LogLevel)

	redisClient := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		// refuse to serve any connection without a working store
		return fmt.Errorf("cannot connect to redis at %s: %w", config.RedisAddr, err)
	}
	defer redisClient.Close()

	messages := store.NewRedisStore(redisClient)
	hub := server.NewHub(log, messages, server.NewPresence(), server.NewGroups(), config.SendBufferSize)
	srv := server.NewServer(config.ListenAddr, hub, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()
	log.Info("relay server running", "addr", config.ListenAddr, "groups", server.DefaultGroups)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
