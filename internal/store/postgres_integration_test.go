package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newIntegrationSession(t *testing.T, pg *PostgresStore) ResponseSession {
	t.Helper()
	now := time.Now().UTC()
	session := ResponseSession{
		ID:              fmt.Sprintf("it-%d", now.UnixNano()),
		UserID:          now.UnixNano(),
		GroupID:         3,
		AutoSaveEnabled: true,
		StartedAt:       now,
		LastActivityAt:  now,
	}
	err := pg.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertSession(context.Background(), session)
	})
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return session
}

func TestPostgresInsertSessionReportsConflictForSameUserAndGroup(t *testing.T) {
	pg := openIntegrationStore(t)
	ctx := context.Background()
	session := newIntegrationSession(t, pg)

	duplicate := session
	duplicate.ID = session.ID + "-dup"
	err := pg.WithTx(ctx, func(tx Tx) error {
		return tx.InsertSession(ctx, duplicate)
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresUpsertResponseIncrementsVersionAndTimeSpent(t *testing.T) {
	pg := openIntegrationStore(t)
	ctx := context.Background()
	session := newIntegrationSession(t, pg)

	complete := true
	text := "first"
	var last QuestionResponse
	for i, delta := range []int{5, 7, 11} {
		write := ResponseWrite{
			SessionID:       session.ID,
			QuestionID:      101,
			GroupQuestionID: 1,
			Slots:           ValueSlots{Text: &text},
			IsDraft:         i < 2,
			TimeSpentDelta:  delta,
			SavedAt:         time.Now().UTC(),
		}
		if i == 1 {
			write.IsComplete = &complete
		}
		err := pg.WithTx(ctx, func(tx Tx) error {
			var err error
			last, err = tx.UpsertResponse(ctx, write)
			return err
		})
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	if last.AutoSaveVersion != 3 {
		t.Fatalf("expected auto save version 3, got %d", last.AutoSaveVersion)
	}
	if last.TimeSpentSeconds != 23 {
		t.Fatalf("expected 23 seconds spent, got %d", last.TimeSpentSeconds)
	}
	if !last.IsComplete || last.FinalizedAt == nil {
		t.Fatalf("expected completion to persist across a save without flags, got %+v", last)
	}
}

func TestPostgresDeleteReviewAnnotationsReportsCounts(t *testing.T) {
	pg := openIntegrationStore(t)
	ctx := context.Background()
	session := newIntegrationSession(t, pg)
	now := time.Now().UTC()

	err := pg.WithTx(ctx, func(tx Tx) error {
		for i, comment := range []string{"first", "second"} {
			if err := tx.InsertReviewComment(ctx, ReviewComment{
				ID:         fmt.Sprintf("%s-rc-%d", session.ID, i),
				SessionID:  session.ID,
				QuestionID: 101,
				Comment:    comment,
				Stage:      "admin_validation",
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}
		return tx.InsertJuryScore(ctx, JuryScore{
			ID:         session.ID + "-js",
			SessionID:  session.ID,
			QuestionID: 101,
			Score:      8,
			CreatedAt:  now,
		})
	})
	if err != nil {
		t.Fatalf("insert annotations: %v", err)
	}

	var comments, scores int
	err = pg.WithTx(ctx, func(tx Tx) error {
		var err error
		comments, scores, err = tx.DeleteReviewAnnotations(ctx, session.ID)
		return err
	})
	if err != nil {
		t.Fatalf("delete annotations: %v", err)
	}
	if comments != 2 || scores != 1 {
		t.Fatalf("expected 2 comments and 1 score deleted, got %d and %d", comments, scores)
	}

	err = pg.WithTx(ctx, func(tx Tx) error {
		left, err := tx.ListReviewComments(ctx, session.ID)
		if err != nil {
			return err
		}
		if len(left) != 0 {
			return fmt.Errorf("%d comments survived", len(left))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
}
