// Package catalog reads the question catalog and group assignments owned by
// the group/question management service.
package catalog

import (
	"context"
	"errors"

	"assessment/api/internal/answer"
)

var ErrQuestionNotInGroup = errors.New("question is not bound to group")

// Question is one question as bound to a group.
type Question struct {
	QuestionID      int64            `json:"questionId"`
	GroupQuestionID int64            `json:"groupQuestionId"`
	InputType       answer.InputType `json:"inputType"`
	IsRequired      bool             `json:"isRequired"`
}

// Find returns the question with questionID from an ordered group listing.
func Find(questions []Question, questionID int64) (Question, error) {
	for _, question := range questions {
		if question.QuestionID == questionID {
			return question, nil
		}
	}
	return Question{}, ErrQuestionNotInGroup
}

// RequiredIDs filters the listing down to required question ids.
func RequiredIDs(questions []Question) []int64 {
	ids := make([]int64, 0, len(questions))
	for _, question := range questions {
		if question.IsRequired {
			ids = append(ids, question.QuestionID)
		}
	}
	return ids
}

// Static is a fixed catalog, for tests and local runs.
type Static struct {
	Groups      map[int64][]Question
	Assignments map[int64][]int64
}

func (s *Static) IsUserAssignedToGroup(_ context.Context, userID, groupID int64) (bool, error) {
	for _, assigned := range s.Assignments[userID] {
		if assigned == groupID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Static) RequiredQuestions(_ context.Context, groupID int64) ([]Question, error) {
	return append([]Question(nil), s.Groups[groupID]...), nil
}
