package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"assessment/api/internal/store"
)

func openPostgresStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("ASSESS_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ASSESS_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := store.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := store.ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store.NewPostgresStore(db)
}

func TestPostgresConcurrentWritersKeepVersionsContiguous(t *testing.T) {
	pg := openPostgresStore(t)
	l := New()
	ctx := context.Background()
	entityID := fmt.Sprintf("ledger-it-%d", time.Now().UnixNano())
	const writers = 16

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- pg.WithTx(ctx, func(tx store.Tx) error {
				_, err := l.Record(ctx, tx, store.EntitySession, entityID, fmt.Sprintf("status-%d", i), nil, map[string]any{"writer": i})
				return err
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent record: %v", err)
		}
	}

	history, err := Collect(History(ctx, pg, store.EntitySession, entityID))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d entries, got %d", writers, len(history))
	}
	oldest := history[len(history)-1]
	if oldest.Version != 1 || oldest.PreviousStatus != nil {
		t.Fatalf("first entry must be version 1 without a previous status, got %+v", oldest)
	}
	for i, entry := range history {
		if entry.Version != writers-i {
			t.Fatalf("versions not contiguous at %d: %d", i, entry.Version)
		}
		if i+1 < len(history) && (entry.PreviousStatus == nil || *entry.PreviousStatus != history[i+1].Status) {
			t.Fatalf("previous status chain broken at version %d", entry.Version)
		}
	}

	err = pg.WithTx(ctx, func(tx store.Tx) error {
		current, err := l.Current(ctx, tx, store.EntitySession, entityID)
		if err != nil {
			return err
		}
		if current == nil || current.Version != writers || current.Status != history[0].Status {
			return fmt.Errorf("current %+v does not match newest entry %+v", current, history[0])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("current: %v", err)
	}
}
