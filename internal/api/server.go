package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"coursechat/internal/auth"
	"coursechat/internal/chat"
	"coursechat/internal/hub"
	"coursechat/pkg/types"
)

// ChatService is the chat surface the REST handlers call
type ChatService interface {
	GetMessages(ctx context.Context, principal types.Principal, courseID string, opts chat.ListOptions) ([]*types.ChatMessage, error)
	PostMessage(ctx context.Context, principal types.Principal, courseID, rawBody string) (*types.ChatMessage, error)
	GetMessageCount(ctx context.Context, principal types.Principal, courseID string) (int, error)
}

// Authenticator resolves the principal of a request
type Authenticator interface {
	Authenticate(r *http.Request) (types.Principal, error)
}

// HealthChecker is implemented by the message store
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Registry interface to avoid tight coupling to websocket.Registry
type Registry interface {
	GetStats() map[string]int
}

// HubStats reports fan-out counters
type HubStats interface {
	Stats() hub.Stats
}

const maxRequestBody = 64 << 10

// Server is the HTTP surface: REST chat routes, /health and the /ws upgrade
type Server struct {
	chat     ChatService
	auth     Authenticator
	store    HealthChecker
	registry Registry
	hub      HubStats
	ws       http.Handler
	router   *mux.Router
	log      *slog.Logger
	started  time.Time
}

// NewServer wires the routes. ws may be nil when live transport is disabled.
func NewServer(chatService ChatService, authenticator Authenticator, store HealthChecker, registry Registry, hubStats HubStats, ws http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		chat:     chatService,
		auth:     authenticator,
		store:    store,
		registry: registry,
		hub:      hubStats,
		ws:       ws,
		router:   mux.NewRouter(),
		log:      logger.With("component", "api"),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	if s.ws != nil {
		s.router.Handle("/ws", s.ws).Methods(http.MethodGet)
	}

	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck)))).
		Methods(http.MethodGet, http.MethodOptions)

	courses := s.router.PathPrefix("/courses/{courseId}").Subrouter()
	courses.Use(s.corsMiddleware, s.jsonMiddleware, s.authMiddleware)
	courses.HandleFunc("/messages", s.getMessages).Methods(http.MethodGet, http.MethodOptions)
	courses.HandleFunc("/messages", s.postMessage).Methods(http.MethodPost)
	courses.HandleFunc("/messages/count", s.getMessageCount).Methods(http.MethodGet, http.MethodOptions)

	s.router.NotFoundHandler = s.jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.sendError(w, "Route not found", http.StatusNotFound)
	}))
	s.router.MethodNotAllowedHandler = s.jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type PostMessageRequest struct {
	Message string `json:"message"`
}

type MessageResponse struct {
	Message *types.ChatMessage `json:"message"`
}

type MessagesResponse struct {
	Messages []*types.ChatMessage `json:"messages"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Hub         *hub.Stats     `json:"hub,omitempty"`
	Uptime      string         `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /courses/{courseId}/messages?limit=N | ?after=RFC3339
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	courseID := mux.Vars(r)["courseId"]

	opts, err := parseListOptions(r)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	messages, err := s.chat.GetMessages(r.Context(), principal, courseID, opts)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MessagesResponse{Messages: messages})
}

// POST /courses/{courseId}/messages {"message": "..."}
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	courseID := mux.Vars(r)["courseId"]

	var req PostMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	message, err := s.chat.PostMessage(r.Context(), principal, courseID, req.Message)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, MessageResponse{Message: message})
}

// GET /courses/{courseId}/messages/count
func (s *Server) getMessageCount(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	courseID := mux.Vars(r)["courseId"]

	count, err := s.chat.GetMessageCount(r.Context(), principal, courseID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CountResponse{Count: count})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Database:  "healthy",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if err := s.store.HealthCheck(ctx); err != nil {
		response.Status = "unhealthy"
		response.Database = "error: " + err.Error()
	}
	if s.registry != nil {
		response.Connections = s.registry.GetStats()
	}
	if s.hub != nil {
		stats := s.hub.Stats()
		response.Hub = &stats
	}

	code := http.StatusOK
	if response.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

func parseListOptions(r *http.Request) (chat.ListOptions, error) {
	var opts chat.ListOptions
	query := r.URL.Query()

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return opts, fmt.Errorf("%w: %w", types.ErrValidation, types.ErrInvalidLimit)
		}
		opts.Limit = limit
	}

	if raw := query.Get("after"); raw != "" {
		after, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return opts, fmt.Errorf("%w: %w", types.ErrValidation, types.ErrInvalidAfter)
		}
		opts.After = &after
	}
	return opts, nil
}

func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	code := types.HTTPStatus(err)
	message := err.Error()
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
		message = "Internal server error"
	}
	s.sendError(w, message, code)
}

// Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", "error", err)
	}
}
