package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	openAttempts = 5
	openBackoff  = time.Second
)

// Open connects through the pgx stdlib driver. The database often starts
// alongside the service, so the first ping is retried a few times.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	for attempt := 1; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		if attempt == openAttempts || ctx.Err() != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping db: %w", err)
		}
		log.Printf("database not reachable (attempt %d/%d): %v", attempt, openAttempts, err)
		select {
		case <-ctx.Done():
		case <-time.After(openBackoff * time.Duration(attempt)):
		}
	}
}
