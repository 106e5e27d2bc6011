package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"assessment/api/internal/catalog"
	"assessment/api/internal/config"
	"assessment/api/internal/idempotency"
	"assessment/api/internal/ledger"
	"assessment/api/internal/progress"
	"assessment/api/internal/report"
	"assessment/api/internal/store"
	"assessment/api/internal/util"
)

// Session statuses recorded in the ledger.
const (
	StatusDraft            = "draft"
	StatusInProgress       = "in_progress"
	StatusPaused           = "paused"
	StatusSubmitted        = "submitted"
	StatusPendingReview    = "pending_review"
	StatusUnderReview      = "under_review"
	StatusNeedsRevision    = "needs_revision"
	StatusResubmitted      = "resubmitted"
	StatusApproved         = "approved"
	StatusRejected         = "rejected"
	StatusPassedToJury     = "passed_to_jury"
	StatusJuryScoring      = "jury_scoring"
	StatusJuryDeliberation = "jury_deliberation"
	StatusFinalDecision    = "final_decision"
	StatusCompleted        = "completed"
	StatusDeliberated      = "deliberated"
)

// Review-entity statuses.
const (
	ReviewCreated = "created"
	ReviewUpdated = "updated"
)

// Before submission, participants may change answers only in these statuses.
var editableStatuses = map[string]struct{}{
	StatusDraft:      {},
	StatusInProgress: {},
	StatusPaused:     {},
}

// participantCanEdit reports whether the participant may still change the
// session. Once submitted, only a revision request reopens it.
func participantCanEdit(session store.ResponseSession, status string) bool {
	if session.SubmittedAt != nil {
		return status == StatusNeedsRevision
	}
	if status == "" {
		return true
	}
	_, ok := editableStatuses[status]
	return ok
}

// AuthZ answers whether a participant may open a group's questionnaire.
type AuthZ interface {
	IsUserAssignedToGroup(ctx context.Context, userID, groupID int64) (bool, error)
}

// Catalog lists a group's questions in order, each flagged required or not.
type Catalog interface {
	RequiredQuestions(ctx context.Context, groupID int64) ([]catalog.Question, error)
}

type batchReplay interface {
	Load(ctx context.Context, sessionID, batchID string, dst any) (bool, error)
	Claim(ctx context.Context, sessionID, batchID string) error
	Release(ctx context.Context, sessionID, batchID string) error
	Save(ctx context.Context, sessionID, batchID string, result any) error
}

type Service struct {
	cfg       config.Config
	store     store.Store
	authz     AuthZ
	catalog   Catalog
	ledger    *ledger.Ledger
	replay    batchReplay
	reporter  report.Reporter
	validator *inputValidator
	now       func() time.Time
	newID     func(prefix string) string
}

func New(cfg config.Config, dataStore store.Store, authz AuthZ, questions Catalog, reporter report.Reporter) *Service {
	if reporter == nil {
		reporter = report.NewLogReporter(nil)
	}
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		authz:     authz,
		catalog:   questions,
		ledger:    ledger.New(),
		reporter:  reporter,
		validator: newInputValidator(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     util.NewID,
	}
}

// NewWithBatchReplay enables batch-id replay protection backed by Redis.
func NewWithBatchReplay(cfg config.Config, dataStore store.Store, replay *idempotency.RedisStore, authz AuthZ, questions Catalog, reporter report.Reporter) *Service {
	service := New(cfg, dataStore, authz, questions, reporter)
	if replay != nil {
		service.replay = replay
	}
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingReplay checks the batch replay backend; enabled is false when none is
// configured.
func (s *Service) PingReplay(ctx context.Context) (enabled bool, err error) {
	pinger, ok := s.replay.(interface{ Ping(context.Context) error })
	if !ok {
		return false, nil
	}
	return true, pinger.Ping(ctx)
}

// withTx retries the whole unit of work when it loses a unique-key race, so
// fn must assign its results afresh on every attempt.
func (s *Service) withTx(ctx context.Context, fn func(store.Tx) error) error {
	attempts := s.cfg.TxRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := s.store.WithTx(ctx, fn)
		if err == nil || !errors.Is(err, store.ErrConflict) || attempt >= attempts {
			return err
		}
		log.Printf("transaction conflict, retrying (attempt %d/%d): %v", attempt+1, attempts, err)
	}
}

type SessionView struct {
	ID                 string     `json:"id"`
	UserID             int64      `json:"userId"`
	GroupID            int64      `json:"groupId"`
	Status             string     `json:"status"`
	StatusVersion      int        `json:"statusVersion"`
	ProgressPercentage int        `json:"progressPercentage"`
	CurrentQuestionID  *int64     `json:"currentQuestionId"`
	AutoSaveEnabled    bool       `json:"autoSaveEnabled"`
	StartedAt          time.Time  `json:"startedAt"`
	LastAutoSaveAt     *time.Time `json:"lastAutoSaveAt"`
	LastActivityAt     time.Time  `json:"lastActivityAt"`
	CompletedAt        *time.Time `json:"completedAt"`
	SubmittedAt        *time.Time `json:"submittedAt"`
	Resumed            bool       `json:"resumed"`
}

type ResponseView struct {
	QuestionID       int64      `json:"questionId"`
	GroupQuestionID  int64      `json:"groupQuestionId"`
	Value            any        `json:"value"`
	IsDraft          bool       `json:"isDraft"`
	IsComplete       bool       `json:"isComplete"`
	IsSkipped        bool       `json:"isSkipped"`
	AutoSaveVersion  int        `json:"autoSaveVersion"`
	TimeSpentSeconds int        `json:"timeSpentSeconds"`
	FirstAnsweredAt  time.Time  `json:"firstAnsweredAt"`
	LastModifiedAt   time.Time  `json:"lastModifiedAt"`
	FinalizedAt      *time.Time `json:"finalizedAt"`
}

type SessionDetail struct {
	SessionView
	Progress  progress.Progress `json:"progress"`
	Responses []ResponseView    `json:"responses"`
}

type StatusEntryView struct {
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId"`
	Status         string          `json:"status"`
	Version        int             `json:"version"`
	PreviousStatus *string         `json:"previousStatus"`
	ChangedBy      *int64          `json:"changedBy"`
	ChangedAt      time.Time       `json:"changedAt"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

func sessionView(session store.ResponseSession, current *ledger.Current) SessionView {
	view := SessionView{
		ID:                 session.ID,
		UserID:             session.UserID,
		GroupID:            session.GroupID,
		ProgressPercentage: session.ProgressPercentage,
		CurrentQuestionID:  session.CurrentQuestionID,
		AutoSaveEnabled:    session.AutoSaveEnabled,
		StartedAt:          session.StartedAt,
		LastAutoSaveAt:     session.LastAutoSaveAt,
		LastActivityAt:     session.LastActivityAt,
		CompletedAt:        session.CompletedAt,
		SubmittedAt:        session.SubmittedAt,
	}
	if current != nil {
		view.Status = current.Status
		view.StatusVersion = current.Version
	}
	return view
}

func statusEntryView(entry store.StatusEntry) StatusEntryView {
	return StatusEntryView{
		EntityType:     entry.EntityType,
		EntityID:       entry.EntityID,
		Status:         entry.Status,
		Version:        entry.Version,
		PreviousStatus: entry.PreviousStatus,
		ChangedBy:      entry.ChangedBy,
		ChangedAt:      entry.ChangedAt,
		Metadata:       entry.Metadata,
	}
}

// GetCurrentStatus returns the newest ledger entry for an entity, nil when
// nothing was recorded.
func (s *Service) GetCurrentStatus(ctx context.Context, entityType, entityID string) (*ledger.Current, error) {
	if err := checkEntityType(entityType); err != nil {
		return nil, err
	}
	var current *ledger.Current
	err := s.withTx(ctx, func(tx store.Tx) error {
		var err error
		current, err = s.ledger.Current(ctx, tx, entityType, entityID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return current, nil
}

// GetStatusHistory returns the entity's entries, newest first.
func (s *Service) GetStatusHistory(ctx context.Context, entityType, entityID string) ([]StatusEntryView, error) {
	if err := checkEntityType(entityType); err != nil {
		return nil, err
	}
	views := []StatusEntryView{}
	for entry, err := range ledger.History(ctx, s.store, entityType, entityID) {
		if err != nil {
			return nil, err
		}
		views = append(views, statusEntryView(entry))
	}
	return views, nil
}

func checkEntityType(entityType string) error {
	switch entityType {
	case store.EntitySession, store.EntityReview:
		return nil
	}
	return invalidState("INVALID_ENTITY_TYPE", "entity type must be session or review", map[string]any{"entityType": entityType})
}

func (s *Service) requiredQuestions(ctx context.Context, groupID int64) ([]catalog.Question, error) {
	questions, err := s.catalog.RequiredQuestions(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return questions, nil
}
