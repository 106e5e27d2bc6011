package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. Transactions run one at a time
// against a private copy that replaces the committed state only when fn
// succeeds.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	working := s.data.clone()
	if err := fn(&memTx{data: working}); err != nil {
		return err
	}
	s.data = working
	return nil
}

type userGroupKey struct {
	userID  int64
	groupID int64
}

type memData struct {
	statuses       map[string][]StatusEntry
	nextStatusID   int64
	sessions       map[string]ResponseSession
	byUserGroup    map[userGroupKey]string
	responses      map[string]map[int64]QuestionResponse
	nextResponseID int64
	comments       map[string][]ReviewComment
	scores         map[string][]JuryScore
}

func newMemData() *memData {
	return &memData{
		statuses:    map[string][]StatusEntry{},
		sessions:    map[string]ResponseSession{},
		byUserGroup: map[userGroupKey]string{},
		responses:   map[string]map[int64]QuestionResponse{},
		comments:    map[string][]ReviewComment{},
		scores:      map[string][]JuryScore{},
	}
}

func (d *memData) clone() *memData {
	out := newMemData()
	out.nextStatusID = d.nextStatusID
	out.nextResponseID = d.nextResponseID
	for key, entries := range d.statuses {
		out.statuses[key] = append([]StatusEntry(nil), entries...)
	}
	for key, session := range d.sessions {
		out.sessions[key] = session
	}
	for key, id := range d.byUserGroup {
		out.byUserGroup[key] = id
	}
	for key, items := range d.responses {
		copied := make(map[int64]QuestionResponse, len(items))
		for questionID, response := range items {
			copied[questionID] = response
		}
		out.responses[key] = copied
	}
	for key, items := range d.comments {
		out.comments[key] = append([]ReviewComment(nil), items...)
	}
	for key, items := range d.scores {
		out.scores[key] = append([]JuryScore(nil), items...)
	}
	return out
}

type memTx struct {
	data *memData
}

func statusKey(entityType, entityID string) string {
	return entityType + "|" + entityID
}

// LockStatusKey is a no-op: the whole memory transaction is already exclusive.
func (t *memTx) LockStatusKey(context.Context, string, string) error { return nil }

func (t *memTx) LatestStatus(_ context.Context, entityType, entityID string) (StatusEntry, error) {
	entries := t.data.statuses[statusKey(entityType, entityID)]
	if len(entries) == 0 {
		return StatusEntry{}, ErrNotFound
	}
	return entries[len(entries)-1], nil
}

func (t *memTx) InsertStatusEntry(_ context.Context, entry StatusEntry) (StatusEntry, error) {
	key := statusKey(entry.EntityType, entry.EntityID)
	for _, existing := range t.data.statuses[key] {
		if existing.Version == entry.Version {
			return StatusEntry{}, ErrConflict
		}
	}
	t.data.nextStatusID++
	entry.ID = t.data.nextStatusID
	if len(entry.Metadata) > 0 {
		entry.Metadata = append(json.RawMessage(nil), entry.Metadata...)
	}
	entries := append(t.data.statuses[key], entry)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })
	t.data.statuses[key] = entries
	return entry, nil
}

func (t *memTx) ListStatusEntries(_ context.Context, entityType, entityID string) ([]StatusEntry, error) {
	entries := t.data.statuses[statusKey(entityType, entityID)]
	out := make([]StatusEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (t *memTx) GetSession(_ context.Context, sessionID string, _ bool) (ResponseSession, error) {
	session, ok := t.data.sessions[sessionID]
	if !ok {
		return ResponseSession{}, ErrNotFound
	}
	return session, nil
}

func (t *memTx) GetSessionByUserGroup(ctx context.Context, userID, groupID int64) (ResponseSession, error) {
	id, ok := t.data.byUserGroup[userGroupKey{userID: userID, groupID: groupID}]
	if !ok {
		return ResponseSession{}, ErrNotFound
	}
	return t.GetSession(ctx, id, false)
}

func (t *memTx) InsertSession(_ context.Context, session ResponseSession) error {
	key := userGroupKey{userID: session.UserID, groupID: session.GroupID}
	if _, exists := t.data.byUserGroup[key]; exists {
		return ErrConflict
	}
	if _, exists := t.data.sessions[session.ID]; exists {
		return ErrConflict
	}
	t.data.sessions[session.ID] = session
	t.data.byUserGroup[key] = session.ID
	return nil
}

func (t *memTx) updateSession(sessionID string, mutate func(*ResponseSession)) error {
	session, ok := t.data.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	mutate(&session)
	t.data.sessions[sessionID] = session
	return nil
}

func (t *memTx) TouchSession(_ context.Context, sessionID string, at time.Time) error {
	return t.updateSession(sessionID, func(s *ResponseSession) { s.LastActivityAt = at })
}

func (t *memTx) MarkSessionAutoSaved(_ context.Context, sessionID string, at time.Time) error {
	return t.updateSession(sessionID, func(s *ResponseSession) {
		s.LastAutoSaveAt = &at
		s.LastActivityAt = at
	})
}

func (t *memTx) UpdateSessionPosition(_ context.Context, sessionID string, currentQuestionID *int64, at time.Time) error {
	return t.updateSession(sessionID, func(s *ResponseSession) {
		if currentQuestionID == nil {
			s.CurrentQuestionID = nil
		} else {
			value := *currentQuestionID
			s.CurrentQuestionID = &value
		}
		s.LastActivityAt = at
	})
}

func (t *memTx) UpdateSessionProgress(_ context.Context, sessionID string, percentage int) error {
	return t.updateSession(sessionID, func(s *ResponseSession) { s.ProgressPercentage = percentage })
}

func (t *memTx) MarkSessionSubmitted(_ context.Context, sessionID string, percentage int, at time.Time) error {
	return t.updateSession(sessionID, func(s *ResponseSession) {
		s.SubmittedAt = &at
		if s.CompletedAt == nil {
			s.CompletedAt = &at
		}
		s.LastActivityAt = at
		s.ProgressPercentage = percentage
	})
}

func (t *memTx) UpdateSessionReview(_ context.Context, sessionID string, review SessionReview) error {
	return t.updateSession(sessionID, func(s *ResponseSession) { s.Review = review })
}

func (t *memTx) UpsertResponse(_ context.Context, write ResponseWrite) (QuestionResponse, error) {
	if _, ok := t.data.sessions[write.SessionID]; !ok {
		return QuestionResponse{}, ErrNotFound
	}
	items := t.data.responses[write.SessionID]
	if items == nil {
		items = map[int64]QuestionResponse{}
		t.data.responses[write.SessionID] = items
	}

	response, exists := items[write.QuestionID]
	if !exists {
		t.data.nextResponseID++
		response = QuestionResponse{
			ID:               t.data.nextResponseID,
			SessionID:        write.SessionID,
			QuestionID:       write.QuestionID,
			AutoSaveVersion:  1,
			TimeSpentSeconds: write.TimeSpentDelta,
			FirstAnsweredAt:  write.SavedAt,
		}
	} else {
		response.AutoSaveVersion++
		response.TimeSpentSeconds += write.TimeSpentDelta
	}

	response.GroupQuestionID = write.GroupQuestionID
	response.Slots = write.Slots
	response.IsDraft = write.IsDraft
	response.LastModifiedAt = write.SavedAt
	if write.IsComplete != nil {
		response.IsComplete = *write.IsComplete
		if response.IsComplete {
			if response.FinalizedAt == nil {
				at := write.SavedAt
				response.FinalizedAt = &at
			}
		} else {
			response.FinalizedAt = nil
		}
	}
	if write.IsSkipped != nil {
		response.IsSkipped = *write.IsSkipped
	}

	items[write.QuestionID] = response
	return response, nil
}

func (t *memTx) ListResponses(_ context.Context, sessionID string) ([]QuestionResponse, error) {
	items := t.data.responses[sessionID]
	out := make([]QuestionResponse, 0, len(items))
	for _, response := range items {
		out = append(out, response)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, nil
}

func (t *memTx) FinalizeDraftResponse(_ context.Context, sessionID string, questionID int64, at time.Time) (bool, error) {
	response, ok := t.data.responses[sessionID][questionID]
	if !ok || !response.IsDraft {
		return false, nil
	}
	response.IsDraft = false
	if response.FinalizedAt == nil {
		response.FinalizedAt = &at
	}
	response.LastModifiedAt = at
	t.data.responses[sessionID][questionID] = response
	return true, nil
}

func (t *memTx) FinalizeAllDrafts(_ context.Context, sessionID string, at time.Time) (int, error) {
	finalized := 0
	for questionID, response := range t.data.responses[sessionID] {
		if !response.IsDraft {
			continue
		}
		response.IsDraft = false
		response.IsComplete = true
		if response.FinalizedAt == nil {
			stamp := at
			response.FinalizedAt = &stamp
		}
		response.LastModifiedAt = at
		t.data.responses[sessionID][questionID] = response
		finalized++
	}
	return finalized, nil
}

func (t *memTx) InsertReviewComment(_ context.Context, comment ReviewComment) error {
	if _, ok := t.data.sessions[comment.SessionID]; !ok {
		return ErrNotFound
	}
	t.data.comments[comment.SessionID] = append(t.data.comments[comment.SessionID], comment)
	return nil
}

func (t *memTx) InsertJuryScore(_ context.Context, score JuryScore) error {
	if _, ok := t.data.sessions[score.SessionID]; !ok {
		return ErrNotFound
	}
	t.data.scores[score.SessionID] = append(t.data.scores[score.SessionID], score)
	return nil
}

func (t *memTx) ListReviewComments(_ context.Context, sessionID string) ([]ReviewComment, error) {
	return append([]ReviewComment(nil), t.data.comments[sessionID]...), nil
}

func (t *memTx) ListJuryScores(_ context.Context, sessionID string) ([]JuryScore, error) {
	return append([]JuryScore(nil), t.data.scores[sessionID]...), nil
}

func (t *memTx) DeleteReviewAnnotations(_ context.Context, sessionID string) (int, int, error) {
	comments := len(t.data.comments[sessionID])
	scores := len(t.data.scores[sessionID])
	delete(t.data.comments, sessionID)
	delete(t.data.scores, sessionID)
	return comments, scores, nil
}
