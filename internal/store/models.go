package store

import (
	"encoding/json"
	"time"
)

const (
	EntitySession = "session"
	EntityReview  = "review"
)

// StatusEntry is one immutable row of the status ledger.
type StatusEntry struct {
	ID             int64
	EntityType     string
	EntityID       string
	Status         string
	Version        int
	PreviousStatus *string
	ChangedBy      *int64
	ChangedAt      time.Time
	Metadata       json.RawMessage
}

type ResponseSession struct {
	ID                 string
	UserID             int64
	GroupID            int64
	ProgressPercentage int
	CurrentQuestionID  *int64
	AutoSaveEnabled    bool
	StartedAt          time.Time
	LastAutoSaveAt     *time.Time
	LastActivityAt     time.Time
	CompletedAt        *time.Time
	SubmittedAt        *time.Time
	Review             SessionReview
}

// SessionReview is the denormalized review projection written onto the
// session row by the review workflow.
type SessionReview struct {
	ReviewerID          *int64
	Stage               *string
	Decision            *string
	OverallComments     *string
	TotalScore          *float64
	DeliberationNotes   *string
	InternalNotes       *string
	ValidationChecklist json.RawMessage
	ReviewedAt          *time.Time
}

// Exists reports whether a reviewer has already written review data.
func (r SessionReview) Exists() bool {
	return r.ReviewerID != nil || r.Stage != nil || r.Decision != nil
}

// ValueSlots is the four-column storage of an answer value.
type ValueSlots struct {
	Text    *string
	Numeric *float64
	Boolean *bool
	Array   json.RawMessage
}

type QuestionResponse struct {
	ID               int64
	SessionID        string
	QuestionID       int64
	GroupQuestionID  int64
	Slots            ValueSlots
	IsDraft          bool
	IsComplete       bool
	IsSkipped        bool
	AutoSaveVersion  int
	TimeSpentSeconds int
	FirstAnsweredAt  time.Time
	LastModifiedAt   time.Time
	FinalizedAt      *time.Time
}

// ResponseWrite carries one auto-save. Nil flags keep the stored value
// (false when the row is created).
type ResponseWrite struct {
	SessionID       string
	QuestionID      int64
	GroupQuestionID int64
	Slots           ValueSlots
	IsDraft         bool
	IsComplete      *bool
	IsSkipped       *bool
	TimeSpentDelta  int
	SavedAt         time.Time
}

type ReviewComment struct {
	ID         string
	SessionID  string
	QuestionID int64
	Comment    string
	IsCritical bool
	Stage      string
	CreatedAt  time.Time
}

type JuryScore struct {
	ID         string
	SessionID  string
	QuestionID int64
	Score      float64
	Comments   *string
	CreatedAt  time.Time
}
