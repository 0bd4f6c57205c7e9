package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manpreetbhatti/codepad/internal/api"
	"github.com/manpreetbhatti/codepad/internal/config"
	"github.com/manpreetbhatti/codepad/internal/db"
	"github.com/manpreetbhatti/codepad/internal/journal"
	"github.com/manpreetbhatti/codepad/internal/logging"
	"github.com/manpreetbhatti/codepad/internal/room"
	"github.com/manpreetbhatti/codepad/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "codepad server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var database *db.Database
	opts := []room.Option{room.WithWelcome(cfg.RoomWelcome)}
	if cfg.JournalEnabled {
		database, err = db.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer database.Close()

		jc := journal.DefaultConfig()
		jc.Retention = cfg.JournalRetention
		jc.PruneInterval = cfg.JournalPruneInterval
		activity := journal.New(database, jc, log.With("component", "journal"))
		activity.Start()
		defer activity.Stop()

		opts = append(opts, room.WithObserver(activity))
	}

	registry := room.NewRegistry(log.With("component", "rooms"), opts...)
	hub := ws.NewHub(registry, log.With("component", "hub"), ws.Config{
		SendBuffer:        cfg.SendBuffer,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	})
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})
	api.New(hub, database, log.With("component", "api")).Routes(mux)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- server.ListenAndServe()
	}()

	log.Info("Codepad server starting",
		"addr", cfg.Address(),
		"journal", cfg.JournalEnabled,
		"db", cfg.DBPath)
	log.Info("Endpoints",
		"websocket", "/ws",
		"health", "GET /health",
		"stats", "GET /api/stats",
		"rooms", "GET /api/rooms",
		"room", "GET /api/rooms/{id}",
		"events", "GET /api/rooms/{id}/events")

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
