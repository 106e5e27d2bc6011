package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "groups":
		// /api/groups/{groupId}/session
		if len(parts) == 4 && parts[3] == "session" {
			s.handleOpenSession(w, r, userID, parts[2])
			return
		}
	case "sessions":
		if len(parts) >= 3 {
			s.handleSessions(w, r, userID, parts[2], parts[3:])
			return
		}
	case "status":
		// /api/status/{entityType}/{entityId}[/history]
		if len(parts) == 4 || (len(parts) == 5 && parts[4] == "history") {
			s.handleStatus(w, r, parts[2], parts[3], len(parts) == 5)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	// Batch replay degrades to unprotected saves, so Redis is reported but
	// does not fail readiness.
	if enabled, err := s.service.PingReplay(ctx); enabled {
		if err != nil {
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["redis"] = map[string]any{"status": "ok"}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleOpenSession(w http.ResponseWriter, r *http.Request, userID int64, rawGroupID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	groupID, err := strconv.ParseInt(rawGroupID, 10, 64)
	if err != nil || groupID <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_GROUP", "group id must be a positive integer", nil)
		return
	}
	session, err := s.service.CreateOrResumeSession(r.Context(), userID, groupID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if session.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, session)
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, userID int64, sessionID string, rest []string) {
	action := strings.Join(rest, "/")
	ctx := r.Context()

	switch {
	case action == "" && r.Method == http.MethodGet:
		detail, err := s.service.GetSession(ctx, sessionID)
		s.respond(w, r, http.StatusOK, detail, err)

	case action == "pause" && r.Method == http.MethodPost:
		session, err := s.service.PauseSession(ctx, sessionID)
		s.respond(w, r, http.StatusOK, session, err)

	case action == "resume" && r.Method == http.MethodPost:
		session, err := s.service.ResumeSession(ctx, sessionID)
		s.respond(w, r, http.StatusOK, session, err)

	case action == "responses" && r.Method == http.MethodPut:
		var body SaveResponseInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.SaveResponse(ctx, sessionID, body)
		s.respond(w, r, http.StatusOK, result, err)

	case action == "responses/batch" && r.Method == http.MethodPost:
		var body BatchSaveInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.BatchSaveResponses(ctx, sessionID, body)
		s.respond(w, r, http.StatusOK, result, err)

	case action == "position" && r.Method == http.MethodPut:
		var body struct {
			CurrentQuestionID  *int64 `json:"currentQuestionId"`
			PreviousQuestionID *int64 `json:"previousQuestionId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.UpdatePosition(ctx, sessionID, body.CurrentQuestionID, body.PreviousQuestionID)
		s.respond(w, r, http.StatusOK, result, err)

	case action == "progress" && r.Method == http.MethodGet:
		result, err := s.service.GetProgress(ctx, sessionID)
		s.respond(w, r, http.StatusOK, result, err)

	case action == "submit" && r.Method == http.MethodPost:
		session, err := s.service.SubmitSession(ctx, sessionID)
		s.respond(w, r, http.StatusOK, session, err)

	case action == "review" && r.Method == http.MethodGet:
		review, err := s.service.GetReview(ctx, sessionID)
		s.respond(w, r, http.StatusOK, review, err)

	case action == "review" && r.Method == http.MethodPost:
		var body ReviewInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		review, err := s.service.CreateReview(ctx, userID, sessionID, body)
		s.respond(w, r, http.StatusCreated, review, err)

	case action == "review/batch" && r.Method == http.MethodPost:
		var body BatchReviewInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		review, err := s.service.BatchReview(ctx, userID, sessionID, body)
		s.respond(w, r, http.StatusOK, review, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request, entityType, entityID string, history bool) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if history {
		entries, err := s.service.GetStatusHistory(r.Context(), entityType, entityID)
		s.respond(w, r, http.StatusOK, map[string]any{"entries": entries}, err)
		return
	}
	current, err := s.service.GetCurrentStatus(r.Context(), entityType, entityID)
	s.respond(w, r, http.StatusOK, map[string]any{"current": current}, err)
}

// requireUser reads the caller id set by the upstream gateway.
func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get("X-User-ID"))
	userID, err := strconv.ParseInt(raw, 10, 64)
	if raw == "" || err != nil || userID <= 0 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return 0, false
	}
	return userID, true
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.service.reporter.Error("request failed", err, map[string]any{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
		})
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Request cancelled", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
