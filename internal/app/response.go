package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"assessment/api/internal/answer"
	"assessment/api/internal/catalog"
	"assessment/api/internal/idempotency"
	"assessment/api/internal/progress"
	"assessment/api/internal/store"
)

type SaveResponseInput struct {
	QuestionID       int64            `json:"questionId" validate:"required,gt=0"`
	Value            any              `json:"value"`
	InputType        answer.InputType `json:"inputType"`
	IsDraft          bool             `json:"isDraft"`
	IsComplete       *bool            `json:"isComplete"`
	IsSkipped        *bool            `json:"isSkipped"`
	TimeSpentSeconds int              `json:"timeSpentSeconds" validate:"gte=0"`
}

type SaveResult struct {
	QuestionID      int64             `json:"questionId"`
	AutoSaveVersion int               `json:"autoSaveVersion"`
	LastSaved       time.Time         `json:"lastSaved"`
	IsComplete      bool              `json:"isComplete"`
	Progress        progress.Progress `json:"progress"`
}

// BatchSaveInput is an ordered list of saves. BatchID makes a retry of the
// same batch return the first result. A non-nil ProgressPercentage is a
// client-computed value stored as-is (clamped to 0..100) instead of the
// recomputed one.
type BatchSaveInput struct {
	BatchID            string              `json:"batchId" validate:"omitempty,max=128"`
	Responses          []SaveResponseInput `json:"responses"`
	CurrentQuestionID  *int64              `json:"currentQuestionId" validate:"omitempty,gt=0"`
	ProgressPercentage *int                `json:"progressPercentage"`
}

type BatchItemError struct {
	Index      int    `json:"index"`
	QuestionID int64  `json:"questionId"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

type BatchSaveResult struct {
	Saved    int               `json:"saved"`
	Failed   int               `json:"failed"`
	Total    int               `json:"total"`
	Errors   []BatchItemError  `json:"errors"`
	Progress progress.Progress `json:"progress"`
	Replayed bool              `json:"replayed"`
}

// SaveResponse auto-saves one answer.
func (s *Service) SaveResponse(ctx context.Context, sessionID string, input SaveResponseInput) (SaveResult, error) {
	if err := s.validator.Check(input); err != nil {
		return SaveResult{}, err
	}
	session, questions, err := s.sessionQuestions(ctx, sessionID)
	if err != nil {
		return SaveResult{}, err
	}
	var result SaveResult
	err = s.withTx(ctx, func(tx store.Tx) error {
		var err error
		result, err = s.saveInTx(ctx, tx, session.ID, questions, input)
		return err
	})
	if err != nil {
		return SaveResult{}, err
	}
	return result, nil
}

func (s *Service) saveInTx(ctx context.Context, tx store.Tx, sessionID string, questions []catalog.Question, input SaveResponseInput) (SaveResult, error) {
	session, err := tx.GetSession(ctx, sessionID, true)
	if err != nil {
		return SaveResult{}, sessionLookupError(err)
	}
	question, err := catalog.Find(questions, input.QuestionID)
	if err != nil {
		return SaveResult{}, questionNotInGroup(input.QuestionID)
	}

	if err := tx.LockStatusKey(ctx, store.EntitySession, session.ID); err != nil {
		return SaveResult{}, err
	}
	status, err := s.ledger.CurrentStatus(ctx, tx, store.EntitySession, session.ID)
	if err != nil {
		return SaveResult{}, err
	}
	if !participantCanEdit(session, status) {
		return SaveResult{}, invalidState("SESSION_LOCKED", "session is not open for changes", map[string]any{"status": status})
	}

	inputType := question.InputType
	if input.InputType != "" {
		inputType = input.InputType
	}
	if !answer.Known(inputType) {
		log.Printf("autosave: session=%s question=%d unknown input type %q, storing as text", session.ID, input.QuestionID, inputType)
	}
	slots, err := answer.Encode(inputType, input.Value)
	if err != nil {
		return SaveResult{}, invalidState("INVALID_VALUE", err.Error(), map[string]any{"questionId": input.QuestionID})
	}

	now := s.now()
	saved, err := tx.UpsertResponse(ctx, store.ResponseWrite{
		SessionID:       session.ID,
		QuestionID:      question.QuestionID,
		GroupQuestionID: question.GroupQuestionID,
		Slots:           slots,
		IsDraft:         input.IsDraft,
		IsComplete:      input.IsComplete,
		IsSkipped:       input.IsSkipped,
		TimeSpentDelta:  input.TimeSpentSeconds,
		SavedAt:         now,
	})
	if err != nil {
		return SaveResult{}, err
	}
	if err := tx.MarkSessionAutoSaved(ctx, session.ID, now); err != nil {
		return SaveResult{}, err
	}
	if status == StatusDraft {
		if _, err := s.ledger.Record(ctx, tx, store.EntitySession, session.ID, StatusInProgress, &session.UserID, nil); err != nil {
			return SaveResult{}, err
		}
	}

	current, err := s.syncProgress(ctx, tx, session, questions)
	if err != nil {
		return SaveResult{}, err
	}
	return SaveResult{
		QuestionID:      saved.QuestionID,
		AutoSaveVersion: saved.AutoSaveVersion,
		LastSaved:       saved.LastModifiedAt,
		IsComplete:      saved.IsComplete,
		Progress:        current,
	}, nil
}

// BatchSaveResponses applies each save in order, each in its own
// transaction. A failing item is logged and counted and the rest still run.
// The optional position and trusted percentage are applied afterwards.
func (s *Service) BatchSaveResponses(ctx context.Context, sessionID string, input BatchSaveInput) (BatchSaveResult, error) {
	if err := s.validator.Check(input); err != nil {
		return BatchSaveResult{}, err
	}
	session, questions, err := s.sessionQuestions(ctx, sessionID)
	if err != nil {
		return BatchSaveResult{}, err
	}
	if input.CurrentQuestionID != nil {
		if _, err := catalog.Find(questions, *input.CurrentQuestionID); err != nil {
			return BatchSaveResult{}, questionNotInGroup(*input.CurrentQuestionID)
		}
	}

	claimed := false
	if s.replay != nil && input.BatchID != "" {
		var previous BatchSaveResult
		found, err := s.replay.Load(ctx, session.ID, input.BatchID, &previous)
		if err != nil {
			s.reporter.Error("batch replay lookup failed", err, map[string]any{"session": session.ID, "batch": input.BatchID})
		} else if found {
			previous.Replayed = true
			return previous, nil
		}
		if err == nil {
			switch claimErr := s.replay.Claim(ctx, session.ID, input.BatchID); {
			case errors.Is(claimErr, idempotency.ErrInFlight):
				return BatchSaveResult{}, domainError(http.StatusConflict, "BATCH_IN_PROGRESS", "this batch is already being applied", map[string]any{"batchId": input.BatchID})
			case claimErr != nil:
				s.reporter.Error("batch claim failed", claimErr, map[string]any{"session": session.ID, "batch": input.BatchID})
			default:
				claimed = true
			}
		}
	}

	result, err := s.applyBatch(ctx, session, questions, input)
	if err != nil {
		if claimed {
			if releaseErr := s.replay.Release(ctx, session.ID, input.BatchID); releaseErr != nil {
				log.Printf("autosave batch: release claim session=%s batch=%s: %v", session.ID, input.BatchID, releaseErr)
			}
		}
		return BatchSaveResult{}, err
	}
	if claimed {
		if err := s.replay.Save(ctx, session.ID, input.BatchID, result); err != nil {
			s.reporter.Error("batch result not stored", err, map[string]any{"session": session.ID, "batch": input.BatchID})
		}
	}
	return result, nil
}

func (s *Service) applyBatch(ctx context.Context, session store.ResponseSession, questions []catalog.Question, input BatchSaveInput) (BatchSaveResult, error) {
	result := BatchSaveResult{Total: len(input.Responses), Errors: []BatchItemError{}}
	for index, item := range input.Responses {
		err := s.validator.Check(item)
		if err == nil {
			err = s.withTx(ctx, func(tx store.Tx) error {
				_, err := s.saveInTx(ctx, tx, session.ID, questions, item)
				return err
			})
		}
		if err == nil {
			result.Saved++
			continue
		}
		if ctx.Err() != nil {
			return BatchSaveResult{}, ctx.Err()
		}

		result.Failed++
		itemErr := BatchItemError{Index: index, QuestionID: item.QuestionID, Code: "SAVE_FAILED", Message: "response could not be saved"}
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			itemErr.Code = domainErr.Code
			itemErr.Message = domainErr.Message
			log.Printf("autosave batch: session=%s question=%d: %v", session.ID, item.QuestionID, err)
		} else {
			s.reporter.Error("autosave batch item failed", err, map[string]any{"session": session.ID, "question": item.QuestionID, "index": index})
		}
		result.Errors = append(result.Errors, itemErr)
	}

	err := s.withTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetSession(ctx, session.ID, true)
		if err != nil {
			return sessionLookupError(err)
		}
		if input.CurrentQuestionID != nil {
			if err := s.ensureEditable(ctx, tx, locked); err != nil {
				return err
			}
			if err := tx.UpdateSessionPosition(ctx, locked.ID, input.CurrentQuestionID, s.now()); err != nil {
				return err
			}
		}
		if input.ProgressPercentage == nil {
			result.Progress, err = s.syncProgress(ctx, tx, locked, questions)
			return err
		}

		responses, err := tx.ListResponses(ctx, locked.ID)
		if err != nil {
			return err
		}
		result.Progress = progress.Calculate(catalog.RequiredIDs(questions), responses)
		result.Progress.ProgressPercentage = progress.Clamp(*input.ProgressPercentage)
		return tx.UpdateSessionProgress(ctx, locked.ID, result.Progress.ProgressPercentage)
	})
	if err != nil {
		return BatchSaveResult{}, err
	}
	if result.Failed > 0 {
		log.Printf("autosave batch: session=%s saved %d of %d", session.ID, result.Saved, result.Total)
	}
	return result, nil
}
