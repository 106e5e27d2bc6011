package app

import (
	"context"
	"errors"
	"net/http"

	"assessment/api/internal/answer"
	"assessment/api/internal/catalog"
	"assessment/api/internal/progress"
	"assessment/api/internal/store"
)

// CreateOrResumeSession opens the participant's single session for a group.
// A new session starts in draft; reopening a draft or paused session moves it
// to in_progress, and reopening anything later only refreshes lastActivityAt.
func (s *Service) CreateOrResumeSession(ctx context.Context, userID, groupID int64) (SessionView, error) {
	if userID <= 0 || groupID <= 0 {
		return SessionView{}, invalidState("INVALID_STATE", "user and group are required", nil)
	}
	assigned, err := s.authz.IsUserAssignedToGroup(ctx, userID, groupID)
	if err != nil {
		return SessionView{}, err
	}
	if !assigned {
		return SessionView{}, invalidState("NOT_ASSIGNED", "user is not assigned to this group", map[string]any{"userId": userID, "groupId": groupID})
	}

	var view SessionView
	err = s.withTx(ctx, func(tx store.Tx) error {
		now := s.now()
		session, err := tx.GetSessionByUserGroup(ctx, userID, groupID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			session = store.ResponseSession{
				ID:              s.newID("ses"),
				UserID:          userID,
				GroupID:         groupID,
				AutoSaveEnabled: true,
				StartedAt:       now,
				LastActivityAt:  now,
			}
			err = tx.InsertSession(ctx, session)
			if err == nil {
				if _, err := s.ledger.Record(ctx, tx, store.EntitySession, session.ID, StatusDraft, &userID, nil); err != nil {
					return err
				}
				current, err := s.ledger.Current(ctx, tx, store.EntitySession, session.ID)
				if err != nil {
					return err
				}
				view = sessionView(session, current)
				return nil
			}
			if !errors.Is(err, store.ErrConflict) {
				return err
			}
			// Another request created the pair first; resume the winner.
			session, err = tx.GetSessionByUserGroup(ctx, userID, groupID)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		}

		if err := tx.TouchSession(ctx, session.ID, now); err != nil {
			return err
		}
		session.LastActivityAt = now
		if err := tx.LockStatusKey(ctx, store.EntitySession, session.ID); err != nil {
			return err
		}
		status, err := s.ledger.CurrentStatus(ctx, tx, store.EntitySession, session.ID)
		if err != nil {
			return err
		}
		if status == StatusDraft || status == StatusPaused || status == "" {
			if _, err := s.ledger.Record(ctx, tx, store.EntitySession, session.ID, StatusInProgress, &userID, nil); err != nil {
				return err
			}
		}
		current, err := s.ledger.Current(ctx, tx, store.EntitySession, session.ID)
		if err != nil {
			return err
		}
		view = sessionView(session, current)
		view.Resumed = true
		return nil
	})
	if err != nil {
		return SessionView{}, err
	}
	return view, nil
}

// GetSession returns the session, its current status, computed progress and
// every response with its value read back.
func (s *Service) GetSession(ctx context.Context, sessionID string) (SessionDetail, error) {
	session, questions, err := s.sessionQuestions(ctx, sessionID)
	if err != nil {
		return SessionDetail{}, err
	}

	var detail SessionDetail
	err = s.withTx(ctx, func(tx store.Tx) error {
		current, err := s.ledger.Current(ctx, tx, store.EntitySession, session.ID)
		if err != nil {
			return err
		}
		responses, err := tx.ListResponses(ctx, session.ID)
		if err != nil {
			return err
		}
		detail = SessionDetail{
			SessionView: sessionView(session, current),
			Progress:    progress.Calculate(catalog.RequiredIDs(questions), responses),
			Responses:   make([]ResponseView, 0, len(responses)),
		}
		for _, response := range responses {
			detail.Responses = append(detail.Responses, responseView(response))
		}
		return nil
	})
	if err != nil {
		return SessionDetail{}, err
	}
	return detail, nil
}

func (s *Service) PauseSession(ctx context.Context, sessionID string) (SessionView, error) {
	return s.setActivityStatus(ctx, sessionID, StatusPaused)
}

func (s *Service) ResumeSession(ctx context.Context, sessionID string) (SessionView, error) {
	return s.setActivityStatus(ctx, sessionID, StatusInProgress)
}

// setActivityStatus records a participant-driven pause or resume. Only a
// session that has not left the answering phase can be paused or resumed.
func (s *Service) setActivityStatus(ctx context.Context, sessionID, status string) (SessionView, error) {
	var view SessionView
	err := s.withTx(ctx, func(tx store.Tx) error {
		session, err := tx.GetSession(ctx, sessionID, true)
		if err != nil {
			return sessionLookupError(err)
		}
		if err := tx.LockStatusKey(ctx, store.EntitySession, session.ID); err != nil {
			return err
		}
		current, err := s.ledger.CurrentStatus(ctx, tx, store.EntitySession, session.ID)
		if err != nil {
			return err
		}
		if session.SubmittedAt != nil {
			return invalidState("INVALID_STATE", "a submitted session cannot be paused or resumed", map[string]any{"status": current})
		}
		switch current {
		case StatusDraft, StatusInProgress, StatusPaused:
		default:
			return invalidState("INVALID_STATE", "session cannot be paused or resumed in its current status", map[string]any{"status": current})
		}

		now := s.now()
		if err := tx.TouchSession(ctx, session.ID, now); err != nil {
			return err
		}
		session.LastActivityAt = now
		if _, err := s.ledger.Record(ctx, tx, store.EntitySession, session.ID, status, &session.UserID, nil); err != nil {
			return err
		}
		latest, err := s.ledger.Current(ctx, tx, store.EntitySession, session.ID)
		if err != nil {
			return err
		}
		view = sessionView(session, latest)
		return nil
	})
	if err != nil {
		return SessionView{}, err
	}
	return view, nil
}

// UpdatePosition finalizes the draft left behind on previousQuestionID, moves
// the cursor and refreshes stored progress.
func (s *Service) UpdatePosition(ctx context.Context, sessionID string, currentQuestionID, previousQuestionID *int64) (progress.Progress, error) {
	session, questions, err := s.sessionQuestions(ctx, sessionID)
	if err != nil {
		return progress.Progress{}, err
	}
	if currentQuestionID != nil {
		if _, err := catalog.Find(questions, *currentQuestionID); err != nil {
			return progress.Progress{}, questionNotInGroup(*currentQuestionID)
		}
	}

	var result progress.Progress
	err = s.withTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetSession(ctx, session.ID, true)
		if err != nil {
			return sessionLookupError(err)
		}
		if err := s.ensureEditable(ctx, tx, locked); err != nil {
			return err
		}
		now := s.now()
		if previousQuestionID != nil {
			if _, err := tx.FinalizeDraftResponse(ctx, locked.ID, *previousQuestionID, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateSessionPosition(ctx, locked.ID, currentQuestionID, now); err != nil {
			return err
		}
		result, err = s.syncProgress(ctx, tx, locked, questions)
		return err
	})
	if err != nil {
		return progress.Progress{}, err
	}
	return result, nil
}

// GetProgress recomputes progress and writes it through to the session row
// when the stored percentage is stale.
func (s *Service) GetProgress(ctx context.Context, sessionID string) (progress.Progress, error) {
	session, questions, err := s.sessionQuestions(ctx, sessionID)
	if err != nil {
		return progress.Progress{}, err
	}
	var result progress.Progress
	err = s.withTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetSession(ctx, session.ID, true)
		if err != nil {
			return sessionLookupError(err)
		}
		result, err = s.syncProgress(ctx, tx, locked, questions)
		return err
	})
	if err != nil {
		return progress.Progress{}, err
	}
	return result, nil
}

// SubmitSession runs the submission gate. Every required question must be
// complete or skipped; otherwise nothing changes. A session sent back with
// needs_revision goes through the same gate and is recorded as resubmitted.
func (s *Service) SubmitSession(ctx context.Context, sessionID string) (SessionView, error) {
	session, questions, err := s.sessionQuestions(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	required := catalog.RequiredIDs(questions)

	var view SessionView
	err = s.withTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetSession(ctx, session.ID, true)
		if err != nil {
			return sessionLookupError(err)
		}
		if err := tx.LockStatusKey(ctx, store.EntitySession, locked.ID); err != nil {
			return err
		}
		current, err := s.ledger.CurrentStatus(ctx, tx, store.EntitySession, locked.ID)
		if err != nil {
			return err
		}

		target := StatusSubmitted
		if locked.SubmittedAt != nil {
			if current != StatusNeedsRevision {
				return invalidState("INVALID_STATE", "session has already been submitted", map[string]any{"status": current})
			}
			target = StatusResubmitted
		} else if _, ok := editableStatuses[current]; !ok && current != "" {
			return invalidState("SESSION_LOCKED", "session is not open for submission", map[string]any{"status": current})
		}

		responses, err := tx.ListResponses(ctx, locked.ID)
		if err != nil {
			return err
		}
		gate := progress.Calculate(required, responses)
		if !gate.Complete() {
			return invalidState("SUBMISSION_INCOMPLETE", "all required questions must be answered or skipped before submission", gate)
		}

		now := s.now()
		if _, err := tx.FinalizeAllDrafts(ctx, locked.ID, now); err != nil {
			return err
		}
		responses, err = tx.ListResponses(ctx, locked.ID)
		if err != nil {
			return err
		}
		final := progress.Calculate(required, responses)
		if err := tx.MarkSessionSubmitted(ctx, locked.ID, final.ProgressPercentage, now); err != nil {
			return err
		}
		if _, err := s.ledger.Record(ctx, tx, store.EntitySession, locked.ID, target, &locked.UserID, nil); err != nil {
			return err
		}

		locked.ProgressPercentage = final.ProgressPercentage
		locked.SubmittedAt = &now
		if locked.CompletedAt == nil {
			locked.CompletedAt = &now
		}
		locked.LastActivityAt = now
		latest, err := s.ledger.Current(ctx, tx, store.EntitySession, locked.ID)
		if err != nil {
			return err
		}
		view = sessionView(locked, latest)
		return nil
	})
	if err != nil {
		return SessionView{}, err
	}
	return view, nil
}

// sessionQuestions reads the session and its group's question listing. The
// group of a session never changes, so the listing may be fetched before the
// transaction that uses it.
func (s *Service) sessionQuestions(ctx context.Context, sessionID string) (store.ResponseSession, []catalog.Question, error) {
	if sessionID == "" {
		return store.ResponseSession{}, nil, notFound("SESSION_NOT_FOUND", "session not found")
	}
	var session store.ResponseSession
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		session, err = tx.GetSession(ctx, sessionID, false)
		return err
	})
	if err != nil {
		return store.ResponseSession{}, nil, sessionLookupError(err)
	}
	questions, err := s.requiredQuestions(ctx, session.GroupID)
	if err != nil {
		return store.ResponseSession{}, nil, err
	}
	return session, questions, nil
}

// ensureEditable rejects participant writes once the session left the
// answering phase.
func (s *Service) ensureEditable(ctx context.Context, tx store.Tx, session store.ResponseSession) error {
	status, err := s.ledger.CurrentStatus(ctx, tx, store.EntitySession, session.ID)
	if err != nil {
		return err
	}
	if !participantCanEdit(session, status) {
		return invalidState("SESSION_LOCKED", "session is not open for changes", map[string]any{"status": status})
	}
	return nil
}

// syncProgress recomputes progress and stores the percentage when it moved.
func (s *Service) syncProgress(ctx context.Context, tx store.Tx, session store.ResponseSession, questions []catalog.Question) (progress.Progress, error) {
	responses, err := tx.ListResponses(ctx, session.ID)
	if err != nil {
		return progress.Progress{}, err
	}
	result := progress.Calculate(catalog.RequiredIDs(questions), responses)
	if result.ProgressPercentage != session.ProgressPercentage {
		if err := tx.UpdateSessionProgress(ctx, session.ID, result.ProgressPercentage); err != nil {
			return progress.Progress{}, err
		}
	}
	return result, nil
}

func questionNotInGroup(questionID int64) *DomainError {
	return domainError(http.StatusNotFound, "QUESTION_NOT_IN_GROUP", "question is not part of this session's group", map[string]any{"questionId": questionID})
}

func responseView(response store.QuestionResponse) ResponseView {
	return ResponseView{
		QuestionID:       response.QuestionID,
		GroupQuestionID:  response.GroupQuestionID,
		Value:            answer.Decode(response.Slots),
		IsDraft:          response.IsDraft,
		IsComplete:       response.IsComplete,
		IsSkipped:        response.IsSkipped,
		AutoSaveVersion:  response.AutoSaveVersion,
		TimeSpentSeconds: response.TimeSpentSeconds,
		FirstAnsweredAt:  response.FirstAnsweredAt,
		LastModifiedAt:   response.LastModifiedAt,
		FinalizedAt:      response.FinalizedAt,
	}
}
