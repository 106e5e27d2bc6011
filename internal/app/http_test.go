package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"assessment/api/internal/config"
	"assessment/api/internal/store"
)

type recordingReporter struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingReporter) Error(msg string, _ error, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingReporter) Close() {}

// brokenStore fails every transaction.
type brokenStore struct{}

func (brokenStore) WithTx(context.Context, func(store.Tx) error) error {
	return errors.New("connection reset")
}

func (brokenStore) Ping(context.Context) error { return nil }

func doJSON(t *testing.T, handler http.Handler, method, path string, userID string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr.Code, payload
}

func TestHTTPRequiresUserHeader(t *testing.T) {
	handler := NewHTTPServer(newTestService(t), "*").Handler()

	for _, userID := range []string{"", "abc", "-4"} {
		code, payload := doJSON(t, handler, http.MethodPost, "/api/groups/3/session", userID, nil)
		if code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
			t.Fatalf("X-User-ID %q: expected 401, got %d %v", userID, code, payload)
		}
	}
}

func TestHTTPSessionLifecycle(t *testing.T) {
	handler := NewHTTPServer(newTestService(t), "*").Handler()

	code, created := doJSON(t, handler, http.MethodPost, "/api/groups/3/session", "7", nil)
	if code != http.StatusCreated || created["status"] != StatusDraft {
		t.Fatalf("expected 201 draft session, got %d %v", code, created)
	}
	sessionID, _ := created["id"].(string)

	code, resumed := doJSON(t, handler, http.MethodPost, "/api/groups/3/session", "7", nil)
	if code != http.StatusOK || resumed["id"] != sessionID || resumed["resumed"] != true {
		t.Fatalf("expected 200 resumed session, got %d %v", code, resumed)
	}

	base := "/api/sessions/" + sessionID
	code, saved := doJSON(t, handler, http.MethodPut, base+"/responses", "7", map[string]any{
		"questionId": 101, "value": "42", "isComplete": true, "timeSpentSeconds": 12,
	})
	if code != http.StatusOK || saved["autoSaveVersion"] != float64(1) {
		t.Fatalf("save: %d %v", code, saved)
	}

	code, failed := doJSON(t, handler, http.MethodPost, base+"/submit", "7", nil)
	if code != http.StatusBadRequest || failed["code"] != "SUBMISSION_INCOMPLETE" {
		t.Fatalf("expected SUBMISSION_INCOMPLETE, got %d %v", code, failed)
	}

	code, batch := doJSON(t, handler, http.MethodPost, base+"/responses/batch", "7", map[string]any{
		"responses":         []map[string]any{{"questionId": 102, "value": []string{"x"}, "isSkipped": true}},
		"currentQuestionId": 102,
	})
	if code != http.StatusOK || batch["saved"] != float64(1) {
		t.Fatalf("batch: %d %v", code, batch)
	}

	code, progress := doJSON(t, handler, http.MethodGet, base+"/progress", "7", nil)
	if code != http.StatusOK || progress["progressPercentage"] != float64(100) {
		t.Fatalf("progress: %d %v", code, progress)
	}

	code, submitted := doJSON(t, handler, http.MethodPost, base+"/submit", "7", nil)
	if code != http.StatusOK || submitted["status"] != StatusSubmitted {
		t.Fatalf("submit: %d %v", code, submitted)
	}

	code, review := doJSON(t, handler, http.MethodPost, base+"/review", "9", map[string]any{
		"stage": "admin_validation", "decision": "approve",
		"comments": []map[string]any{{"questionId": 101, "comment": "ok"}},
	})
	if code != http.StatusCreated || review["status"] != StatusApproved {
		t.Fatalf("review: %d %v", code, review)
	}

	code, again := doJSON(t, handler, http.MethodPost, base+"/review", "9", map[string]any{"stage": "jury_scoring", "decision": "reject"})
	if code != http.StatusBadRequest || again["code"] != "REVIEW_EXISTS" {
		t.Fatalf("expected REVIEW_EXISTS, got %d %v", code, again)
	}

	code, fetched := doJSON(t, handler, http.MethodGet, base+"/review", "9", nil)
	if code != http.StatusOK || fetched["decision"] != "approve" {
		t.Fatalf("get review: %d %v", code, fetched)
	}

	code, history := doJSON(t, handler, http.MethodGet, "/api/status/session/"+sessionID+"/history", "9", nil)
	entries, _ := history["entries"].([]any)
	if code != http.StatusOK || len(entries) != 4 {
		t.Fatalf("history: %d %v", code, history)
	}

	code, current := doJSON(t, handler, http.MethodGet, "/api/status/session/"+sessionID, "9", nil)
	currentEntry, _ := current["current"].(map[string]any)
	if code != http.StatusOK || currentEntry["status"] != StatusApproved || currentEntry["version"] != float64(4) {
		t.Fatalf("current: %d %v", code, current)
	}
}

func TestHTTPValidationErrorsListFields(t *testing.T) {
	handler := NewHTTPServer(newTestService(t), "*").Handler()
	_, created := doJSON(t, handler, http.MethodPost, "/api/groups/3/session", "7", nil)
	sessionID, _ := created["id"].(string)

	code, payload := doJSON(t, handler, http.MethodPut, "/api/sessions/"+sessionID+"/responses", "7", map[string]any{"questionId": 0, "timeSpentSeconds": -1})
	if code != http.StatusBadRequest || payload["code"] != "VALIDATION_FAILED" {
		t.Fatalf("expected VALIDATION_FAILED, got %d %v", code, payload)
	}
	details, _ := payload["details"].([]any)
	if len(details) != 2 {
		t.Fatalf("expected two field errors, got %v", payload["details"])
	}
}

func TestHTTPInvalidBodyAndUnknownRoutes(t *testing.T) {
	handler := NewHTTPServer(newTestService(t), "*").Handler()

	req := httptest.NewRequest(http.MethodPut, "/api/sessions/ses_1/responses", strings.NewReader("{not json"))
	req.Header.Set("X-User-ID", "7")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed body, got %d", rr.Code)
	}

	if code, _ := doJSON(t, handler, http.MethodGet, "/api/sessions/ses_missing", "7", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing session, got %d", code)
	}
	if code, _ := doJSON(t, handler, http.MethodGet, "/api/nowhere", "7", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown route, got %d", code)
	}
	if code, _ := doJSON(t, handler, http.MethodGet, "/api/groups/x/session", "7", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", code)
	}
	if code, payload := doJSON(t, handler, http.MethodPost, "/api/groups/x/session", "7", nil); code != http.StatusBadRequest || payload["code"] != "INVALID_GROUP" {
		t.Fatalf("expected INVALID_GROUP, got %d %v", code, payload)
	}
}

func TestHTTPServerErrorsAreReported(t *testing.T) {
	reporter := &recordingReporter{}
	questions := testCatalog()
	svc := New(config.Config{}, brokenStore{}, questions, questions, reporter)
	handler := NewHTTPServer(svc, "*").Handler()

	code, payload := doJSON(t, handler, http.MethodGet, "/api/sessions/ses_1", "7", nil)
	if code != http.StatusInternalServerError || payload["code"] != "SERVER_ERROR" {
		t.Fatalf("expected 500, got %d %v", code, payload)
	}
	if len(reporter.messages) != 1 {
		t.Fatalf("expected one reported error, got %v", reporter.messages)
	}
}
