// Package api exposes the dispatch control plane over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/dispatch/internal/dispatch"
	"github.com/example/dispatch/internal/observability"
	"github.com/example/dispatch/internal/store"
	"github.com/example/dispatch/pkg/dispatchapi"
)

type Server struct {
	engine  *dispatch.Engine
	auth    *authorizer
	workers *workerAuth
	limiter *submitLimiter
}

func NewServer(engine *dispatch.Engine) *Server {
	return &Server{
		engine:  engine,
		auth:    newAuthorizerFromEnv(),
		workers: newWorkerAuthFromEnv(),
		limiter: newSubmitLimiterFromEnv(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/tasks", s.handleTasks)
	mux.HandleFunc("/v1/tasks/poll", s.handlePoll)
	mux.HandleFunc("/v1/tasks/report", s.handleReport)
	mux.HandleFunc("/v1/tasks/stats", s.handleStats)
	mux.HandleFunc("/v1/tasks/", s.handleTaskByID)
	mux.HandleFunc("/v1/agents/", s.handleAgentSubresource)
	return withSecurityHeaders(withTracing(withLogging(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req dispatchapi.EnqueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.OwnerID = ownerFromRequest(r, req.OwnerID)
	if _, ok := s.requireOwnerAction(w, r, req.OwnerID, "submit"); !ok {
		return
	}
	allowed, remaining := s.limiter.allow(req.OwnerID, time.Now().UTC())
	if remaining >= 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.perOwnerMax))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
		return
	}

	task, err := s.engine.Enqueue(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, dispatchapi.EnqueueTaskResponse{TaskID: task.ID, Status: task.Status})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireWorker(w, r) {
		return
	}
	ownerID := ownerFromRequest(r, r.URL.Query().Get("owner_id"))
	if _, ok := s.requireOwnerAction(w, r, ownerID, "read"); !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	resp, err := s.engine.Poll(r.Context(), ownerID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req dispatchapi.ReportStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.requireWorker(w, r) {
		return
	}
	if _, ok := s.requireScopes(w, r); !ok {
		return
	}
	// The report authorization is owner scoped; resolve the task so a token
	// bound to one owner cannot report on another owner's tasks.
	task, err := s.engine.GetTask(r.Context(), req.TaskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.requireTaskOwner(w, r, req.TaskID, task.OwnerID, "report") {
		return
	}
	resp, err := s.engine.ReportStatus(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	resp, err := s.engine.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getTask(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "retry" && r.Method == http.MethodPost:
		s.retryTask(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if _, ok := s.requireScopes(w, r); !ok {
		return
	}
	task, err := s.engine.GetTask(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.requireTaskOwner(w, r, taskID, task.OwnerID, "read") {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if _, ok := s.requireScopes(w, r); !ok {
		return
	}
	existing, err := s.engine.GetTask(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.requireTaskOwner(w, r, taskID, existing.OwnerID, "retry") {
		return
	}
	task, err := s.engine.RetryTask(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAgentSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/agents/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	ownerID := parts[0]
	switch {
	case parts[1] == "heartbeat" && r.Method == http.MethodPost:
		if _, ok := s.requireOwnerAction(w, r, ownerID, "heartbeat"); !ok {
			return
		}
		resp, err := s.engine.Heartbeat(ownerID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case parts[1] == "presence" && r.Method == http.MethodGet:
		if _, ok := s.requireOwnerAction(w, r, ownerID, "read"); !ok {
			return
		}
		resp, err := s.engine.Presence(ownerID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) requireScopes(w http.ResponseWriter, r *http.Request, scopes ...string) (principal, bool) {
	p, code, msg := s.auth.authorize(r, scopes...)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return principal{}, false
	}
	return p, true
}

func (s *Server) requireOwnerAction(w http.ResponseWriter, r *http.Request, ownerID, action string) (principal, bool) {
	p, code, msg := s.auth.authorize(r)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return principal{}, false
	}
	if !s.auth.enabled {
		return p, true
	}
	if !p.canOwnerAction(ownerID, action) {
		writeError(w, http.StatusForbidden, "owner action denied")
		return principal{}, false
	}
	return p, true
}

// requireTaskOwner authorizes an action on a resolved task. A token scoped
// to a different owner gets the same 404 a missing task would, so task IDs
// cannot be enumerated across owners.
func (s *Server) requireTaskOwner(w http.ResponseWriter, r *http.Request, taskID, ownerID, action string) bool {
	p, code, msg := s.auth.authorize(r)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return false
	}
	if !s.auth.enabled {
		return true
	}
	if !p.canOwnerAction(ownerID, action) {
		writeError(w, http.StatusNotFound, "task not found: "+taskID)
		return false
	}
	return true
}

// requireWorker enforces the shared-secret worker check on the task-transfer
// endpoints. It is fail closed: when credentials are configured, a request
// without a matching X-Worker-ID and X-Worker-Secret pair is rejected.
func (s *Server) requireWorker(w http.ResponseWriter, r *http.Request) bool {
	if s.workers.authorize(r) {
		return true
	}
	writeError(w, http.StatusUnauthorized, "invalid worker credentials")
	return false
}

func ownerFromRequest(r *http.Request, reqOwner string) string {
	o := strings.TrimSpace(reqOwner)
	if o == "" {
		o = strings.TrimSpace(r.Header.Get("X-Dispatch-Owner"))
	}
	return o
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}

func parseEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}
