package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"assessment/api/internal/app"
	"assessment/api/internal/catalog"
	"assessment/api/internal/config"
	"assessment/api/internal/idempotency"
	"assessment/api/internal/report"
	"assessment/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	questions := catalog.NewPostgres(db)
	reporter := report.New(log.Default(), cfg.RollbarToken, cfg.RollbarEnv, cfg.Build)
	defer reporter.Close()

	// Batch replay protection is optional; without Redis a retried batch is
	// applied again.
	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for batch replay protection")
		replay, err := idempotency.NewRedisStore(cfg.RedisURL, cfg.IdempotencyTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer replay.Close()
		service = app.NewWithBatchReplay(cfg, dataStore, replay, questions, questions, reporter)
	} else {
		log.Printf("REDIS_URL not set; batch replay protection disabled")
		service = app.New(cfg, dataStore, questions, questions, reporter)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Assessment API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
