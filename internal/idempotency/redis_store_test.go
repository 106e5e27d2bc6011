package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type batchOutcome struct {
	Saved  int `json:"saved"`
	Failed int `json:"failed"`
}

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, s := setupTestRedis(t)
	defer s.Close()
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url://", time.Hour); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestLoadMissingBatch(t *testing.T) {
	store, s := setupTestRedis(t)
	defer s.Close()
	defer store.Close()

	var out batchOutcome
	found, err := store.Load(context.Background(), "session-1", "batch-1", &out)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if found {
		t.Fatal("expected no stored result")
	}
}

func TestClaimSaveAndReplay(t *testing.T) {
	store, s := setupTestRedis(t)
	defer s.Close()
	defer store.Close()
	ctx := context.Background()

	if err := store.Claim(ctx, "session-1", "batch-1"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := store.Claim(ctx, "session-1", "batch-1"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight on second claim, got %v", err)
	}

	if err := store.Save(ctx, "session-1", "batch-1", batchOutcome{Saved: 3, Failed: 1}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if s.Exists("autosave-batch:session-1:batch-1:claim") {
		t.Fatal("expected claim to be released after save")
	}

	var out batchOutcome
	found, err := store.Load(ctx, "session-1", "batch-1", &out)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !found || out.Saved != 3 || out.Failed != 1 {
		t.Fatalf("unexpected replay result: found=%v out=%+v", found, out)
	}
}

func TestSavedResultExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	defer s.Close()
	defer store.Close()
	ctx := context.Background()

	if err := store.Save(ctx, "session-1", "batch-2", batchOutcome{Saved: 1}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.FastForward(2 * time.Hour)

	var out batchOutcome
	found, err := store.Load(ctx, "session-1", "batch-2", &out)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if found {
		t.Fatal("expected result to expire after ttl")
	}
}

func TestReleaseAllowsNewClaim(t *testing.T) {
	store, s := setupTestRedis(t)
	defer s.Close()
	defer store.Close()
	ctx := context.Background()

	if err := store.Claim(ctx, "session-1", "batch-3"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := store.Release(ctx, "session-1", "batch-3"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := store.Claim(ctx, "session-1", "batch-3"); err != nil {
		t.Fatalf("claim after release failed: %v", err)
	}
}
