package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"assessment/api/internal/answer"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) IsUserAssignedToGroup(ctx context.Context, userID, groupID int64) (bool, error) {
	var assigned bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM group_assignments WHERE user_id = $1 AND group_id = $2)
	`, userID, groupID).Scan(&assigned)
	if err != nil {
		return false, fmt.Errorf("check group assignment: %w", err)
	}
	return assigned, nil
}

// RequiredQuestions lists every question bound to the group in display order,
// each flagged with whether it is required.
func (p *Postgres) RequiredQuestions(ctx context.Context, groupID int64) ([]Question, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT gq.question_id, gq.id, q.input_type, gq.is_required
		FROM group_questions gq
		JOIN questions q ON q.id = gq.question_id
		WHERE gq.group_id = $1
		ORDER BY gq.sort_order, gq.id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group questions: %w", err)
	}
	defer rows.Close()

	var questions []Question
	for rows.Next() {
		var (
			item      Question
			inputType string
		)
		if err := rows.Scan(&item.QuestionID, &item.GroupQuestionID, &inputType, &item.IsRequired); err != nil {
			return nil, fmt.Errorf("scan group question: %w", err)
		}
		item.InputType = answer.InputType(inputType)
		questions = append(questions, item)
	}
	return questions, rows.Err()
}
