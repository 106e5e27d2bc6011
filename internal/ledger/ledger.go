// Package ledger records workflow statuses as an append-only, versioned log
// per (entity type, entity id). There is no update or delete: a correction is
// a new entry.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"assessment/api/internal/store"
)

// Current is the newest entry of an entity.
type Current struct {
	Status    string    `json:"status"`
	Version   int       `json:"version"`
	ChangedAt time.Time `json:"changedAt"`
}

type Ledger struct {
	now func() time.Time
}

func New() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// Record appends newStatus at max(version)+1. It must run inside the
// caller's transaction so the entry commits or rolls back with the state
// change it describes.
func (l *Ledger) Record(ctx context.Context, tx store.Tx, entityType, entityID, newStatus string, changedBy *int64, metadata any) (store.StatusEntry, error) {
	if err := tx.LockStatusKey(ctx, entityType, entityID); err != nil {
		return store.StatusEntry{}, err
	}

	entry := store.StatusEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Status:     newStatus,
		Version:    1,
		ChangedBy:  changedBy,
		ChangedAt:  l.now(),
	}

	latest, err := tx.LatestStatus(ctx, entityType, entityID)
	switch {
	case err == nil:
		previous := latest.Status
		entry.Version = latest.Version + 1
		entry.PreviousStatus = &previous
	case errors.Is(err, store.ErrNotFound):
	default:
		return store.StatusEntry{}, err
	}

	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return store.StatusEntry{}, fmt.Errorf("encode status metadata: %w", err)
		}
		entry.Metadata = raw
	}

	return tx.InsertStatusEntry(ctx, entry)
}

// Current returns the max-version entry, or nil when nothing was recorded.
func (l *Ledger) Current(ctx context.Context, tx store.Tx, entityType, entityID string) (*Current, error) {
	latest, err := tx.LatestStatus(ctx, entityType, entityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Current{Status: latest.Status, Version: latest.Version, ChangedAt: latest.ChangedAt}, nil
}

// CurrentStatus is Current reduced to the status string ("" when none).
func (l *Ledger) CurrentStatus(ctx context.Context, tx store.Tx, entityType, entityID string) (string, error) {
	current, err := l.Current(ctx, tx, entityType, entityID)
	if err != nil || current == nil {
		return "", err
	}
	return current.Status, nil
}

// History yields entries newest first. Every range over the sequence runs a
// fresh query in its own transaction; nothing is cached between ranges.
func History(ctx context.Context, s store.Store, entityType, entityID string) iter.Seq2[store.StatusEntry, error] {
	return func(yield func(store.StatusEntry, error) bool) {
		var entries []store.StatusEntry
		err := s.WithTx(ctx, func(tx store.Tx) error {
			var err error
			entries, err = tx.ListStatusEntries(ctx, entityType, entityID)
			return err
		})
		if err != nil {
			yield(store.StatusEntry{}, err)
			return
		}
		for _, entry := range entries {
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// Collect drains a history sequence.
func Collect(seq iter.Seq2[store.StatusEntry, error]) ([]store.StatusEntry, error) {
	var out []store.StatusEntry
	for entry, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}
