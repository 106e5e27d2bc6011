package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert loses a race on a unique key.
	ErrConflict = errors.New("unique constraint conflict")
)

// Store runs units of work. Every read and write happens inside WithTx; fn's
// error rolls the transaction back.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
}

type Tx interface {
	// LockStatusKey serializes ledger writers of one entity until the
	// transaction ends.
	LockStatusKey(ctx context.Context, entityType, entityID string) error
	LatestStatus(ctx context.Context, entityType, entityID string) (StatusEntry, error)
	InsertStatusEntry(ctx context.Context, entry StatusEntry) (StatusEntry, error)
	// ListStatusEntries returns entries newest first.
	ListStatusEntries(ctx context.Context, entityType, entityID string) ([]StatusEntry, error)

	GetSession(ctx context.Context, sessionID string, forUpdate bool) (ResponseSession, error)
	GetSessionByUserGroup(ctx context.Context, userID, groupID int64) (ResponseSession, error)
	InsertSession(ctx context.Context, session ResponseSession) error
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
	MarkSessionAutoSaved(ctx context.Context, sessionID string, at time.Time) error
	UpdateSessionPosition(ctx context.Context, sessionID string, currentQuestionID *int64, at time.Time) error
	UpdateSessionProgress(ctx context.Context, sessionID string, percentage int) error
	MarkSessionSubmitted(ctx context.Context, sessionID string, percentage int, at time.Time) error
	UpdateSessionReview(ctx context.Context, sessionID string, review SessionReview) error

	UpsertResponse(ctx context.Context, write ResponseWrite) (QuestionResponse, error)
	ListResponses(ctx context.Context, sessionID string) ([]QuestionResponse, error)
	FinalizeDraftResponse(ctx context.Context, sessionID string, questionID int64, at time.Time) (bool, error)
	FinalizeAllDrafts(ctx context.Context, sessionID string, at time.Time) (int, error)

	InsertReviewComment(ctx context.Context, comment ReviewComment) error
	InsertJuryScore(ctx context.Context, score JuryScore) error
	ListReviewComments(ctx context.Context, sessionID string) ([]ReviewComment, error)
	ListJuryScores(ctx context.Context, sessionID string) ([]JuryScore, error)
	DeleteReviewAnnotations(ctx context.Context, sessionID string) (comments int, scores int, err error)
}
