package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapWriteError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == uniqueViolation
}

func mapWriteError(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (t *pgTx) LockStatusKey(ctx context.Context, entityType, entityID string) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("lock status key: %w", err)
	}
	return nil
}

const statusColumns = `id, entity_type, entity_id, status, version, previous_status, changed_by, changed_at, metadata`

func scanStatusEntry(row interface{ Scan(...any) error }) (StatusEntry, error) {
	var (
		entry     StatusEntry
		previous  sql.NullString
		changedBy sql.NullInt64
		metadata  []byte
	)
	if err := row.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Status, &entry.Version, &previous, &changedBy, &entry.ChangedAt, &metadata); err != nil {
		return StatusEntry{}, err
	}
	entry.PreviousStatus = stringPtr(previous)
	entry.ChangedBy = int64Ptr(changedBy)
	if len(metadata) > 0 {
		entry.Metadata = json.RawMessage(metadata)
	}
	return entry, nil
}

func (t *pgTx) LatestStatus(ctx context.Context, entityType, entityID string) (StatusEntry, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+statusColumns+`
		FROM status_entries
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY version DESC
		LIMIT 1
	`, entityType, entityID)
	entry, err := scanStatusEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusEntry{}, ErrNotFound
	}
	if err != nil {
		return StatusEntry{}, fmt.Errorf("read latest status: %w", err)
	}
	return entry, nil
}

func (t *pgTx) InsertStatusEntry(ctx context.Context, entry StatusEntry) (StatusEntry, error) {
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO status_entries (entity_type, entity_id, status, version, previous_status, changed_by, changed_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+statusColumns,
		entry.EntityType, entry.EntityID, entry.Status, entry.Version,
		nullableString(entry.PreviousStatus), nullableInt64(entry.ChangedBy), entry.ChangedAt, nullableJSON(entry.Metadata),
	)
	inserted, err := scanStatusEntry(row)
	if err != nil {
		return StatusEntry{}, mapWriteError(fmt.Errorf("insert status entry: %w", err))
	}
	return inserted, nil
}

func (t *pgTx) ListStatusEntries(ctx context.Context, entityType, entityID string) ([]StatusEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+statusColumns+`
		FROM status_entries
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY version DESC
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list status entries: %w", err)
	}
	defer rows.Close()

	var entries []StatusEntry
	for rows.Next() {
		entry, err := scanStatusEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

const sessionColumns = `id, user_id, group_id, progress_percentage, current_question_id, auto_save_enabled,
	started_at, last_auto_save_at, last_activity_at, completed_at, submitted_at,
	reviewer_id, stage, decision, overall_comments, total_score, deliberation_notes, internal_notes,
	validation_checklist, reviewed_at`

func scanSession(row interface{ Scan(...any) error }) (ResponseSession, error) {
	var (
		session           ResponseSession
		currentQuestionID sql.NullInt64
		lastAutoSaveAt    sql.NullTime
		completedAt       sql.NullTime
		submittedAt       sql.NullTime
		reviewerID        sql.NullInt64
		stage             sql.NullString
		decision          sql.NullString
		overallComments   sql.NullString
		totalScore        sql.NullFloat64
		deliberation      sql.NullString
		internalNotes     sql.NullString
		checklist         []byte
		reviewedAt        sql.NullTime
	)
	err := row.Scan(
		&session.ID, &session.UserID, &session.GroupID, &session.ProgressPercentage, &currentQuestionID, &session.AutoSaveEnabled,
		&session.StartedAt, &lastAutoSaveAt, &session.LastActivityAt, &completedAt, &submittedAt,
		&reviewerID, &stage, &decision, &overallComments, &totalScore, &deliberation, &internalNotes,
		&checklist, &reviewedAt,
	)
	if err != nil {
		return ResponseSession{}, err
	}
	session.CurrentQuestionID = int64Ptr(currentQuestionID)
	session.LastAutoSaveAt = timePtr(lastAutoSaveAt)
	session.CompletedAt = timePtr(completedAt)
	session.SubmittedAt = timePtr(submittedAt)
	session.Review = SessionReview{
		ReviewerID:        int64Ptr(reviewerID),
		Stage:             stringPtr(stage),
		Decision:          stringPtr(decision),
		OverallComments:   stringPtr(overallComments),
		DeliberationNotes: stringPtr(deliberation),
		InternalNotes:     stringPtr(internalNotes),
		ReviewedAt:        timePtr(reviewedAt),
	}
	if totalScore.Valid {
		score := totalScore.Float64
		session.Review.TotalScore = &score
	}
	if len(checklist) > 0 {
		session.Review.ValidationChecklist = json.RawMessage(checklist)
	}
	return session, nil
}

func (t *pgTx) GetSession(ctx context.Context, sessionID string, forUpdate bool) (ResponseSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM response_sessions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	session, err := scanSession(t.tx.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return ResponseSession{}, ErrNotFound
	}
	if err != nil {
		return ResponseSession{}, fmt.Errorf("read session: %w", err)
	}
	return session, nil
}

func (t *pgTx) GetSessionByUserGroup(ctx context.Context, userID, groupID int64) (ResponseSession, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM response_sessions WHERE user_id = $1 AND group_id = $2`, userID, groupID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ResponseSession{}, ErrNotFound
	}
	if err != nil {
		return ResponseSession{}, fmt.Errorf("read session by user and group: %w", err)
	}
	return session, nil
}

// InsertSession uses ON CONFLICT DO NOTHING so that a lost race does not
// poison the surrounding transaction.
func (t *pgTx) InsertSession(ctx context.Context, session ResponseSession) error {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO response_sessions (id, user_id, group_id, progress_percentage, auto_save_enabled, started_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, group_id) DO NOTHING
	`, session.ID, session.UserID, session.GroupID, session.ProgressPercentage, session.AutoSaveEnabled, session.StartedAt, session.LastActivityAt)
	if err != nil {
		return mapWriteError(fmt.Errorf("insert session: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) execSession(ctx context.Context, op, query string, args ...any) error {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	return t.execSession(ctx, "touch session", `UPDATE response_sessions SET last_activity_at = $2 WHERE id = $1`, sessionID, at)
}

func (t *pgTx) MarkSessionAutoSaved(ctx context.Context, sessionID string, at time.Time) error {
	return t.execSession(ctx, "mark session auto-saved",
		`UPDATE response_sessions SET last_auto_save_at = $2, last_activity_at = $2 WHERE id = $1`, sessionID, at)
}

func (t *pgTx) UpdateSessionPosition(ctx context.Context, sessionID string, currentQuestionID *int64, at time.Time) error {
	return t.execSession(ctx, "update session position",
		`UPDATE response_sessions SET current_question_id = $2, last_activity_at = $3 WHERE id = $1`,
		sessionID, nullableInt64(currentQuestionID), at)
}

func (t *pgTx) UpdateSessionProgress(ctx context.Context, sessionID string, percentage int) error {
	return t.execSession(ctx, "update session progress",
		`UPDATE response_sessions SET progress_percentage = $2 WHERE id = $1`, sessionID, percentage)
}

func (t *pgTx) MarkSessionSubmitted(ctx context.Context, sessionID string, percentage int, at time.Time) error {
	return t.execSession(ctx, "mark session submitted", `
		UPDATE response_sessions
		SET submitted_at = $3, completed_at = COALESCE(completed_at, $3), last_activity_at = $3, progress_percentage = $2
		WHERE id = $1
	`, sessionID, percentage, at)
}

func (t *pgTx) UpdateSessionReview(ctx context.Context, sessionID string, review SessionReview) error {
	return t.execSession(ctx, "update session review", `
		UPDATE response_sessions
		SET reviewer_id = $2, stage = $3, decision = $4, overall_comments = $5, total_score = $6,
			deliberation_notes = $7, internal_notes = $8, validation_checklist = $9, reviewed_at = $10
		WHERE id = $1
	`,
		sessionID,
		nullableInt64(review.ReviewerID),
		nullableString(review.Stage),
		nullableString(review.Decision),
		nullableString(review.OverallComments),
		nullableFloat64(review.TotalScore),
		nullableString(review.DeliberationNotes),
		nullableString(review.InternalNotes),
		nullableJSON(review.ValidationChecklist),
		nullableTime(review.ReviewedAt),
	)
}

const responseColumns = `id, session_id, question_id, group_question_id, text_value, numeric_value, boolean_value, array_value,
	is_draft, is_complete, is_skipped, auto_save_version, time_spent_seconds, first_answered_at, last_modified_at, finalized_at`

func scanResponse(row interface{ Scan(...any) error }) (QuestionResponse, error) {
	var (
		response    QuestionResponse
		text        sql.NullString
		numeric     sql.NullFloat64
		boolean     sql.NullBool
		array       []byte
		finalizedAt sql.NullTime
	)
	err := row.Scan(
		&response.ID, &response.SessionID, &response.QuestionID, &response.GroupQuestionID,
		&text, &numeric, &boolean, &array,
		&response.IsDraft, &response.IsComplete, &response.IsSkipped, &response.AutoSaveVersion, &response.TimeSpentSeconds,
		&response.FirstAnsweredAt, &response.LastModifiedAt, &finalizedAt,
	)
	if err != nil {
		return QuestionResponse{}, err
	}
	response.Slots.Text = stringPtr(text)
	if numeric.Valid {
		value := numeric.Float64
		response.Slots.Numeric = &value
	}
	if boolean.Valid {
		value := boolean.Bool
		response.Slots.Boolean = &value
	}
	if len(array) > 0 {
		response.Slots.Array = json.RawMessage(array)
	}
	response.FinalizedAt = timePtr(finalizedAt)
	return response, nil
}

// UpsertResponse applies the auto-save bookkeeping in one statement so that
// concurrent saves of the same question never lose a version increment.
func (t *pgTx) UpsertResponse(ctx context.Context, write ResponseWrite) (QuestionResponse, error) {
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO question_responses (
			session_id, question_id, group_question_id, text_value, numeric_value, boolean_value, array_value,
			is_draft, is_complete, is_skipped, auto_save_version, time_spent_seconds,
			first_answered_at, last_modified_at, finalized_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, FALSE), COALESCE($10, FALSE), 1, $11, $12, $12,
			CASE WHEN $9 IS TRUE THEN $12 ELSE NULL END)
		ON CONFLICT (session_id, question_id) DO UPDATE SET
			group_question_id = EXCLUDED.group_question_id,
			text_value = EXCLUDED.text_value,
			numeric_value = EXCLUDED.numeric_value,
			boolean_value = EXCLUDED.boolean_value,
			array_value = EXCLUDED.array_value,
			is_draft = EXCLUDED.is_draft,
			is_complete = COALESCE($9, question_responses.is_complete),
			is_skipped = COALESCE($10, question_responses.is_skipped),
			auto_save_version = question_responses.auto_save_version + 1,
			time_spent_seconds = question_responses.time_spent_seconds + EXCLUDED.time_spent_seconds,
			last_modified_at = EXCLUDED.last_modified_at,
			finalized_at = CASE
				WHEN $9 IS TRUE THEN COALESCE(question_responses.finalized_at, EXCLUDED.last_modified_at)
				WHEN $9 IS FALSE THEN NULL
				ELSE question_responses.finalized_at
			END
		RETURNING `+responseColumns,
		write.SessionID, write.QuestionID, write.GroupQuestionID,
		nullableString(write.Slots.Text), nullableFloat64(write.Slots.Numeric), nullableBool(write.Slots.Boolean), nullableJSON(write.Slots.Array),
		write.IsDraft, nullableBool(write.IsComplete), nullableBool(write.IsSkipped), write.TimeSpentDelta, write.SavedAt,
	)
	response, err := scanResponse(row)
	if err != nil {
		return QuestionResponse{}, mapWriteError(fmt.Errorf("upsert response: %w", err))
	}
	return response, nil
}

func (t *pgTx) ListResponses(ctx context.Context, sessionID string) ([]QuestionResponse, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+responseColumns+` FROM question_responses WHERE session_id = $1 ORDER BY question_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var responses []QuestionResponse
	for rows.Next() {
		response, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		responses = append(responses, response)
	}
	return responses, rows.Err()
}

func (t *pgTx) FinalizeDraftResponse(ctx context.Context, sessionID string, questionID int64, at time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE question_responses
		SET is_draft = FALSE, finalized_at = COALESCE(finalized_at, $3), last_modified_at = $3
		WHERE session_id = $1 AND question_id = $2 AND is_draft
	`, sessionID, questionID, at)
	if err != nil {
		return false, fmt.Errorf("finalize draft response: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize draft rows affected: %w", err)
	}
	return affected > 0, nil
}

func (t *pgTx) FinalizeAllDrafts(ctx context.Context, sessionID string, at time.Time) (int, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE question_responses
		SET is_draft = FALSE, is_complete = TRUE, finalized_at = COALESCE(finalized_at, $2), last_modified_at = $2
		WHERE session_id = $1 AND is_draft
	`, sessionID, at)
	if err != nil {
		return 0, fmt.Errorf("finalize drafts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("finalize drafts rows affected: %w", err)
	}
	return int(affected), nil
}

func (t *pgTx) InsertReviewComment(ctx context.Context, comment ReviewComment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO review_comments (id, session_id, question_id, comment, is_critical, stage, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, comment.ID, comment.SessionID, comment.QuestionID, comment.Comment, comment.IsCritical, comment.Stage, comment.CreatedAt)
	if err != nil {
		return mapWriteError(fmt.Errorf("insert review comment: %w", err))
	}
	return nil
}

func (t *pgTx) InsertJuryScore(ctx context.Context, score JuryScore) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO jury_scores (id, session_id, question_id, score, comments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, score.ID, score.SessionID, score.QuestionID, score.Score, nullableString(score.Comments), score.CreatedAt)
	if err != nil {
		return mapWriteError(fmt.Errorf("insert jury score: %w", err))
	}
	return nil
}

func (t *pgTx) ListReviewComments(ctx context.Context, sessionID string) ([]ReviewComment, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, session_id, question_id, comment, is_critical, stage, created_at
		FROM review_comments
		WHERE session_id = $1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list review comments: %w", err)
	}
	defer rows.Close()

	var comments []ReviewComment
	for rows.Next() {
		var item ReviewComment
		if err := rows.Scan(&item.ID, &item.SessionID, &item.QuestionID, &item.Comment, &item.IsCritical, &item.Stage, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review comment: %w", err)
		}
		comments = append(comments, item)
	}
	return comments, rows.Err()
}

func (t *pgTx) ListJuryScores(ctx context.Context, sessionID string) ([]JuryScore, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, session_id, question_id, score, comments, created_at
		FROM jury_scores
		WHERE session_id = $1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list jury scores: %w", err)
	}
	defer rows.Close()

	var scores []JuryScore
	for rows.Next() {
		var (
			item     JuryScore
			comments sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.SessionID, &item.QuestionID, &item.Score, &comments, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan jury score: %w", err)
		}
		item.Comments = stringPtr(comments)
		scores = append(scores, item)
	}
	return scores, rows.Err()
}

func (t *pgTx) DeleteReviewAnnotations(ctx context.Context, sessionID string) (int, int, error) {
	comments, err := t.tx.ExecContext(ctx, `DELETE FROM review_comments WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, 0, fmt.Errorf("delete review comments: %w", err)
	}
	scores, err := t.tx.ExecContext(ctx, `DELETE FROM jury_scores WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, 0, fmt.Errorf("delete jury scores: %w", err)
	}
	deletedComments, err := comments.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("delete review comments rows affected: %w", err)
	}
	deletedScores, err := scores.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("delete jury scores rows affected: %w", err)
	}
	return int(deletedComments), int(deletedScores), nil
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	out := value.String
	return &out
}

func int64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	out := value.Int64
	return &out
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	out := value.Time
	return &out
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableFloat64(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableBool(value *bool) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableJSON(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}
