package app

import (
	"context"
	"encoding/json"
	"time"

	"assessment/api/internal/store"
)

// Review stages, in their usual order. The order is advisory.
const (
	StageAdminValidation  = "admin_validation"
	StageJuryScoring      = "jury_scoring"
	StageJuryDeliberation = "jury_deliberation"
	StageFinalDecision    = "final_decision"
)

// decisionStatus maps a reviewer decision to the session status it records.
var decisionStatus = map[string]string{
	"approve":            StatusApproved,
	"reject":             StatusRejected,
	"request_revision":   StatusNeedsRevision,
	"pass_to_jury":       StatusInProgress,
	"needs_deliberation": StatusDeliberated,
}

type ReviewCommentInput struct {
	QuestionID int64  `json:"questionId" validate:"required,gt=0"`
	Comment    string `json:"comment" validate:"required"`
	IsCritical bool   `json:"isCritical"`
	Stage      string `json:"stage" validate:"omitempty,oneof=admin_validation jury_scoring jury_deliberation final_decision"`
}

type JuryScoreInput struct {
	QuestionID int64   `json:"questionId" validate:"required,gt=0"`
	Score      float64 `json:"score" validate:"gte=0,lte=10"`
	Comments   *string `json:"comments"`
}

type ReviewInput struct {
	Stage               string               `json:"stage" validate:"required,oneof=admin_validation jury_scoring jury_deliberation final_decision"`
	Decision            string               `json:"decision" validate:"required,oneof=approve reject request_revision pass_to_jury needs_deliberation"`
	OverallComments     *string              `json:"overallComments"`
	TotalScore          *float64             `json:"totalScore" validate:"omitempty,gte=0,lte=9999.99"`
	DeliberationNotes   *string              `json:"deliberationNotes"`
	InternalNotes       *string              `json:"internalNotes"`
	ValidationChecklist json.RawMessage      `json:"validationChecklist"`
	Comments            []ReviewCommentInput `json:"comments" validate:"dive"`
	JuryScores          []JuryScoreInput     `json:"juryScores" validate:"dive"`
}

// BatchReviewInput with UpdateExisting replaces an existing review and all of
// its comments and jury scores.
type BatchReviewInput struct {
	ReviewInput
	UpdateExisting bool `json:"updateExisting"`
}

type ReviewCommentView struct {
	ID         string    `json:"id"`
	QuestionID int64     `json:"questionId"`
	Comment    string    `json:"comment"`
	IsCritical bool      `json:"isCritical"`
	Stage      string    `json:"stage"`
	CreatedAt  time.Time `json:"createdAt"`
}

type JuryScoreView struct {
	ID         string    `json:"id"`
	QuestionID int64     `json:"questionId"`
	Score      float64   `json:"score"`
	Comments   *string   `json:"comments"`
	CreatedAt  time.Time `json:"createdAt"`
}

type ReviewView struct {
	SessionID           string              `json:"sessionId"`
	Status              string              `json:"status"`
	StatusVersion       int                 `json:"statusVersion"`
	ReviewerID          *int64              `json:"reviewerId"`
	Stage               *string             `json:"stage"`
	Decision            *string             `json:"decision"`
	OverallComments     *string             `json:"overallComments"`
	TotalScore          *float64            `json:"totalScore"`
	DeliberationNotes   *string             `json:"deliberationNotes"`
	InternalNotes       *string             `json:"internalNotes"`
	ValidationChecklist json.RawMessage     `json:"validationChecklist,omitempty"`
	ReviewedAt          *time.Time          `json:"reviewedAt"`
	Comments            []ReviewCommentView `json:"comments"`
	JuryScores          []JuryScoreView     `json:"juryScores"`
	Replaced            bool                `json:"replaced"`
}

// CreateReview records the first review of a submitted session. A second
// call fails; updates go through BatchReview with UpdateExisting.
func (s *Service) CreateReview(ctx context.Context, reviewerID int64, sessionID string, input ReviewInput) (ReviewView, error) {
	return s.applyReview(ctx, reviewerID, sessionID, input, false)
}

// BatchReview creates a review, or replaces the existing one when
// UpdateExisting is set.
func (s *Service) BatchReview(ctx context.Context, reviewerID int64, sessionID string, input BatchReviewInput) (ReviewView, error) {
	return s.applyReview(ctx, reviewerID, sessionID, input.ReviewInput, input.UpdateExisting)
}

func (s *Service) applyReview(ctx context.Context, reviewerID int64, sessionID string, input ReviewInput, updateExisting bool) (ReviewView, error) {
	if reviewerID <= 0 {
		return ReviewView{}, invalidState("INVALID_STATE", "reviewer is required", nil)
	}
	if err := s.validator.Check(input); err != nil {
		return ReviewView{}, err
	}
	resolved := decisionStatus[input.Decision]

	var view ReviewView
	err := s.withTx(ctx, func(tx store.Tx) error {
		session, err := tx.GetSession(ctx, sessionID, true)
		if err != nil {
			return sessionLookupError(err)
		}
		if err := tx.LockStatusKey(ctx, store.EntitySession, session.ID); err != nil {
			return err
		}
		status, err := s.ledger.CurrentStatus(ctx, tx, store.EntitySession, session.ID)
		if err != nil {
			return err
		}
		if !reviewable(session, status) {
			return invalidState("SESSION_NOT_SUBMITTED", "session must be submitted before review", map[string]any{"status": status})
		}

		exists := session.Review.Exists()
		if exists && !updateExisting {
			return invalidState("REVIEW_EXISTS", "review already exists; use the batch endpoint with updateExisting", nil)
		}
		if exists {
			if _, _, err := tx.DeleteReviewAnnotations(ctx, session.ID); err != nil {
				return err
			}
		}

		now := s.now()
		stage := input.Stage
		decision := input.Decision
		review := store.SessionReview{
			ReviewerID:          &reviewerID,
			Stage:               &stage,
			Decision:            &decision,
			OverallComments:     input.OverallComments,
			TotalScore:          input.TotalScore,
			DeliberationNotes:   input.DeliberationNotes,
			InternalNotes:       input.InternalNotes,
			ValidationChecklist: input.ValidationChecklist,
			ReviewedAt:          &now,
		}
		if err := tx.UpdateSessionReview(ctx, session.ID, review); err != nil {
			return err
		}

		metadata := map[string]any{"stage": stage, "decision": decision}
		if _, err := s.ledger.Record(ctx, tx, store.EntitySession, session.ID, resolved, &reviewerID, metadata); err != nil {
			return err
		}
		reviewStatus := ReviewCreated
		if exists {
			reviewStatus = ReviewUpdated
		}
		if _, err := s.ledger.Record(ctx, tx, store.EntityReview, session.ID, reviewStatus, &reviewerID, metadata); err != nil {
			return err
		}

		for _, comment := range input.Comments {
			commentStage := comment.Stage
			if commentStage == "" {
				commentStage = stage
			}
			if err := tx.InsertReviewComment(ctx, store.ReviewComment{
				ID:         s.newID("rc"),
				SessionID:  session.ID,
				QuestionID: comment.QuestionID,
				Comment:    comment.Comment,
				IsCritical: comment.IsCritical,
				Stage:      commentStage,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}
		for _, score := range input.JuryScores {
			if err := tx.InsertJuryScore(ctx, store.JuryScore{
				ID:         s.newID("js"),
				SessionID:  session.ID,
				QuestionID: score.QuestionID,
				Score:      score.Score,
				Comments:   score.Comments,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}

		session.Review = review
		view, err = s.reviewView(ctx, tx, session)
		view.Replaced = exists
		return err
	})
	if err != nil {
		return ReviewView{}, err
	}
	return view, nil
}

// GetReview returns the review fields with the session's comments and scores.
func (s *Service) GetReview(ctx context.Context, sessionID string) (ReviewView, error) {
	var view ReviewView
	err := s.withTx(ctx, func(tx store.Tx) error {
		session, err := tx.GetSession(ctx, sessionID, false)
		if err != nil {
			return sessionLookupError(err)
		}
		if !session.Review.Exists() {
			return notFound("REVIEW_NOT_FOUND", "session has no review")
		}
		view, err = s.reviewView(ctx, tx, session)
		return err
	})
	if err != nil {
		return ReviewView{}, err
	}
	return view, nil
}

// reviewable holds once the session went through the submission gate and
// is not back with the participant for revision.
func reviewable(session store.ResponseSession, status string) bool {
	if session.SubmittedAt == nil {
		return false
	}
	switch status {
	case "", StatusDraft, StatusPaused, StatusNeedsRevision:
		return false
	}
	return true
}

func (s *Service) reviewView(ctx context.Context, tx store.Tx, session store.ResponseSession) (ReviewView, error) {
	current, err := s.ledger.Current(ctx, tx, store.EntitySession, session.ID)
	if err != nil {
		return ReviewView{}, err
	}
	comments, err := tx.ListReviewComments(ctx, session.ID)
	if err != nil {
		return ReviewView{}, err
	}
	scores, err := tx.ListJuryScores(ctx, session.ID)
	if err != nil {
		return ReviewView{}, err
	}

	review := session.Review
	view := ReviewView{
		SessionID:           session.ID,
		ReviewerID:          review.ReviewerID,
		Stage:               review.Stage,
		Decision:            review.Decision,
		OverallComments:     review.OverallComments,
		TotalScore:          review.TotalScore,
		DeliberationNotes:   review.DeliberationNotes,
		InternalNotes:       review.InternalNotes,
		ValidationChecklist: review.ValidationChecklist,
		ReviewedAt:          review.ReviewedAt,
		Comments:            make([]ReviewCommentView, 0, len(comments)),
		JuryScores:          make([]JuryScoreView, 0, len(scores)),
	}
	if current != nil {
		view.Status = current.Status
		view.StatusVersion = current.Version
	}
	for _, comment := range comments {
		view.Comments = append(view.Comments, ReviewCommentView{
			ID:         comment.ID,
			QuestionID: comment.QuestionID,
			Comment:    comment.Comment,
			IsCritical: comment.IsCritical,
			Stage:      comment.Stage,
			CreatedAt:  comment.CreatedAt,
		})
	}
	for _, score := range scores {
		view.JuryScores = append(view.JuryScores, JuryScoreView{
			ID:         score.ID,
			QuestionID: score.QuestionID,
			Score:      score.Score,
			Comments:   score.Comments,
			CreatedAt:  score.CreatedAt,
		})
	}
	return view, nil
}
