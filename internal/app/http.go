package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"liveedit/api/internal/store"
	"liveedit/api/internal/validate"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiter    *ipLimiter
	ws         http.Handler
}

// NewHTTPServer wires the REST surface. ws is the realtime upgrade handler
// mounted at /ws; pass nil to run without the realtime channel.
func NewHTTPServer(service *Service, corsOrigin string, perMinute, burst int, ws http.Handler) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		limiter:    newIPLimiter(perMinute, burst),
		ws:         ws,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /projects", s.handleRegisterProject)
	mux.HandleFunc("GET /projects-list", s.handleListProjects)
	mux.HandleFunc("GET /projects/{folderPath...}", s.handleGetProject)
	mux.HandleFunc("PATCH /projects/{projectId}", s.handleUpdateProject)
	mux.HandleFunc("DELETE /projects/{projectId}", s.handleDeleteProject)

	mux.HandleFunc("POST /edits", s.handleSaveEdit)
	mux.HandleFunc("GET /edits/project/{projectId}", s.handleListProjectEdits)
	mux.HandleFunc("GET /edits/history/{projectId}/{pagePath...}", s.handleHistory)
	mux.HandleFunc("GET /edits/by-id/{editId}", s.handleGetEditByID)
	mux.HandleFunc("GET /edits/{projectId}/{pagePath...}", s.handleGetLatestEdit)
	mux.HandleFunc("DELETE /edits/{rest...}", s.handleDeleteEdits)

	mux.HandleFunc("POST /comments", s.handleAddComment)
	mux.HandleFunc("GET /comments/{projectId}/{pagePath...}", s.handleListComments)
	mux.HandleFunc("PATCH /comments/{commentId}", s.handleResolveComment)
	mux.HandleFunc("DELETE /comments/{commentId}", s.handleDeleteComment)

	mux.HandleFunc("GET /presence/{projectId}/{pagePath...}", s.handleActiveUsers)

	if s.ws != nil {
		mux.Handle("GET /ws", s.ws)
	}

	return s.withMiddleware(mux)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	payload := s.service.Health()
	status := http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		payload["status"] = "degraded"
		payload["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) handleRegisterProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FolderPath string `json:"folder_path"`
		Name       string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.RegisterProject(r.Context(), body.FolderPath, body.Name)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list projects", nil)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.GetProject(r.Context(), "/"+r.PathValue("folderPath"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		DefaultPage string `json:"default_page"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.UpdateProject(r.Context(), r.PathValue("projectId"), body.Name, body.DefaultPage)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.DeleteProject(r.Context(), r.PathValue("projectId"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleSaveEdit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID   string `json:"project_id"`
		PagePath    string `json:"page_path"`
		HTMLContent string `json:"html_content"`
		EditedBy    string `json:"edited_by"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.SaveEdit(r.Context(), body.ProjectID, body.PagePath, body.HTMLContent, body.EditedBy)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleListProjectEdits(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListProjectEdits(r.Context(), r.PathValue("projectId"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	items, err := s.service.GetHistory(r.Context(), r.PathValue("projectId"), "/"+r.PathValue("pagePath"), limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleGetEditByID(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.GetEditByID(r.Context(), r.PathValue("editId"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleGetLatestEdit(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.GetLatestEdit(r.Context(), r.PathValue("projectId"), "/"+r.PathValue("pagePath"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleDeleteEdits serves both delete shapes under one wildcard: a single
// UUID segment deletes one snapshot, projectId/pagePath deletes a page's
// whole history. A lone segment that is not a UUID is a validation error
// from the single-snapshot branch.
func (s *HTTPServer) handleDeleteEdits(w http.ResponseWriter, r *http.Request) {
	rest := r.PathValue("rest")
	segments := strings.SplitN(rest, "/", 2)

	if len(segments) == 1 {
		if err := s.service.DeleteEdit(r.Context(), segments[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	payload, err := s.service.DeletePageEdits(r.Context(), segments[0], "/"+segments[1])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string  `json:"project_id"`
		PagePath  string  `json:"page_path"`
		XPosition float64 `json:"x_position"`
		YPosition float64 `json:"y_position"`
		Text      string  `json:"comment_text"`
		Author    string  `json:"author"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.AddComment(r.Context(), body.ProjectID, body.PagePath, body.XPosition, body.YPosition, body.Text, body.Author)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListComments(r.Context(), r.PathValue("projectId"), "/"+r.PathValue("pagePath"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleResolveComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolved bool `json:"resolved"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.ResolveComment(r.Context(), r.PathValue("commentId"), body.Resolved)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteComment(r.Context(), r.PathValue("commentId")); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.GetActiveUsers(r.Context(), r.PathValue("projectId"), "/"+r.PathValue("pagePath"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		// The websocket upgrade needs the raw ResponseWriter; the limiter
		// still applies to it.
		if r.URL.Path == "/ws" {
			if !s.limiter.allow(clientIP(r)) {
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else if !s.limiter.allow(clientIP(r)) {
			writeError(writer, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
		} else {
			next.ServeHTTP(writer, r)
		}

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
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *validate.Error
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, "VALIDATION_ERROR", validationErr.Message, map[string]any{"field": validationErr.Field}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if store.IsUniqueViolation(err) {
		return http.StatusConflict, "CONFLICT", "Resource already exists", nil
	}
	if store.IsForeignKeyViolation(err) {
		return http.StatusBadRequest, "VALIDATION_ERROR", "Referenced project does not exist", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipLimiter keeps one token bucket per client IP. The map is unbounded; the
// expected audience is a team's worth of addresses, not the open internet.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPLimiter(perMinute, burst int) *ipLimiter {
	if perMinute <= 0 {
		perMinute = 300
	}
	if burst <= 0 {
		burst = perMinute / 5
	}
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
