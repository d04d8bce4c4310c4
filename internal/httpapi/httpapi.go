// Package httpapi implements the pipeline's HTTP surface: task listing,
// dead-letter requeue, task creation, run stats, and SSE streams over a
// task's live output and the chat notification channel. Grounded on the
// teacher's gateway.Server shape (a Config struct of collaborators, a single
// Handler() building one http.NewServeMux, manual path-prefix parsing for
// path segments rather than a router framework) with the WebSocket/JSON-RPC
// surface dropped entirely — this system has no chat-completion protocol to
// speak, only task lifecycle operations.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/pipelined/internal/audit"
	"github.com/basket/pipelined/internal/mode"
	"github.com/basket/pipelined/internal/queuestore"
	"github.com/basket/pipelined/internal/stream"
)

// Config collects the Server's collaborators.
type Config struct {
	Store       *queuestore.Store
	Registry    *mode.Registry
	FanOut      *stream.FanOut
	DefaultMode string // mode name used by POST /tasks and requeue when unspecified
	Logger      *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg              Config
	createTaskSchema *jsonschema.Schema
	logger           *slog.Logger
}

// New builds a Server. Returns an error only if the embedded create-task
// schema fails to compile, which would indicate a programming error.
func New(cfg Config) (*Server, error) {
	schema, err := compileCreateTaskSchema()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, createTaskSchema: schema, logger: logger}, nil
}

// Handler builds the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream/task/", s.handleStreamTask)
	mux.HandleFunc("/stream/chat", s.handleStreamChat)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/tasks/dead-letter", s.handleDeadLetterTasks)
	mux.HandleFunc("/tasks/", s.handleTaskRequeue)
	mux.HandleFunc("/tasks", s.handleTasks)
	return mux
}

func (s *Server) handleStreamTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/stream/task/")
	taskID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || taskID <= 0 {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	s.serveStream(w, r, taskID)
}

func (s *Server) handleStreamChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.serveStream(w, r, stream.ChatStreamID)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, taskID int64) {
	if s.cfg.FanOut == nil {
		http.Error(w, "streaming not available", http.StatusServiceUnavailable)
		return
	}
	sink, ok := newFlusherSink(w)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	setSSEHeaders(w)

	unsubscribe, err := s.cfg.FanOut.Subscribe(taskID, sink)
	if err != nil {
		s.logger.Warn("httpapi: stream subscribe failed", "task_id", taskID, "error", err)
		return
	}
	defer unsubscribe()

	<-r.Context().Done()
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	taskStats, err := s.cfg.Store.GetStats(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	runStats, err := s.cfg.Store.GetRunStats(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": taskStats,
		"runs":  runStats,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listActiveTasks(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listActiveTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	tasks, err := s.cfg.Store.GetActiveTasks(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleDeadLetterTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseLimit(r, 50)
	tasks, err := s.cfg.Store.GetDeadLetterTasks(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleTaskRequeue implements POST /tasks/{id}/requeue. Any other suffix
// under /tasks/ is a 404: there is no GET /tasks/{id} in this surface.
func (s *Server) handleTaskRequeue(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[1] != "requeue" || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	taskID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || taskID <= 0 {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}

	m, ok := s.cfg.Registry.Mode(s.cfg.DefaultMode)
	if !ok {
		http.Error(w, "default mode not configured", http.StatusInternalServerError)
		return
	}
	if err := s.cfg.Store.RequeueDeadLetter(r.Context(), taskID, m.InitialStatus); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	audit.Record("operator", audit.ActionRequeue, taskID, "requeued via HTTP API")
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": m.InitialStatus})
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	RepoPath    string `json:"repo_path"`
	CreatedBy   string `json:"created_by"`
	NotifyChat  string `json:"notify_chat"`
	Mode        string `json:"mode"`
	MaxAttempts int    `json:"max_attempts"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	body, err := jsonschema.UnmarshalJSON(r.Body)
	if err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.createTaskSchema.Validate(body); err != nil {
		http.Error(w, "schema validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	raw, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	var req createTaskRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	modeName := req.Mode
	if modeName == "" {
		modeName = s.cfg.DefaultMode
	}
	m, ok := s.cfg.Registry.Mode(modeName)
	if !ok {
		http.Error(w, "unknown mode: "+modeName, http.StatusBadRequest)
		return
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.DefaultMaxAttempts
	}

	id, err := s.createTaskRecord(r.Context(), req, m, maxAttempts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task_id": id, "status": m.InitialStatus})
}

func (s *Server) createTaskRecord(ctx context.Context, req createTaskRequest, m mode.Mode, maxAttempts int) (int64, error) {
	return s.cfg.Store.CreateTask(ctx, req.Title, req.Description, req.RepoPath, req.CreatedBy, req.NotifyChat, m.InitialStatus, maxAttempts)
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
