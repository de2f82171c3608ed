package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"liveedit/api/internal/app"
	"liveedit/api/internal/bus"
	"liveedit/api/internal/config"
	"liveedit/api/internal/realtime"
	"liveedit/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	service := app.New(cfg, dataStore)

	var bridge bus.Bridge
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for cross-instance room relay")
		redisBridge, err := bus.NewRedisBridge(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisBridge.Close()
		bridge = redisBridge
	} else {
		log.Printf("Running single-instance, in-process room relay only")
		bridge = bus.NewLocal()
	}

	hub := realtime.NewHub(service, bridge)
	go func() {
		if err := bridge.Run(ctx, hub.DeliverRemote); err != nil && ctx.Err() == nil {
			log.Printf("bridge stopped: %v", err)
		}
	}()
	go service.StartPresenceSweeper(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.RateLimitPerMinute, cfg.RateLimitBurst, realtime.ServeWS(hub))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No global read/write timeouts: /ws connections are long-lived and
		// enforce their own per-message deadlines.
	}

	go func() {
		log.Printf("LiveEdit API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
