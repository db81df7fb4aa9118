package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/TheodoreChuang/habita/internal/messaging"
	"github.com/TheodoreChuang/habita/internal/models"
	"github.com/TheodoreChuang/habita/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the dependencies of the admin API handlers.
type Server struct {
	st         store.Store
	msgService messaging.Service
}

// NewServer creates an admin API server over the given store and transport.
func NewServer(st store.Store, msgService messaging.Service) *Server {
	return &Server{st: st, msgService: msgService}
}

// Router builds the chi router with all admin endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Route("/users", func(r chi.Router) {
		r.Get("/", s.listUsersHandler)
		r.Post("/", s.enrollUserHandler)
		r.Route("/{userID}", func(r chi.Router) {
			r.Get("/", s.getUserHandler)
			r.Get("/messages", s.getUserMessagesHandler)
			r.Get("/summaries", s.getUserSummariesHandler)
		})
	})
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

func (s *Server) listUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := s.st.ListUsers()
	if err != nil {
		slog.Error("listUsersHandler store error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list users"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(users))
}

// EnrollmentRequest is the POST /users payload.
type EnrollmentRequest struct {
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name,omitempty"`
}

// enrollUserHandler registers a new user so their first message is coached
// instead of answered with the registration notice.
func (s *Server) enrollUserHandler(w http.ResponseWriter, r *http.Request) {
	var req EnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.PhoneNumber == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("phone_number is required"))
		return
	}

	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(req.PhoneNumber)
	if err != nil {
		slog.Warn("enrollUserHandler phone validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number: "+err.Error()))
		return
	}
	phone := "+" + canonical

	existing, err := s.st.GetUserByPhone(phone)
	if err != nil {
		slog.Error("enrollUserHandler lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check existing user"))
		return
	}
	if existing != nil {
		writeJSONResponse(w, http.StatusConflict, models.Error("User with this phone number already enrolled"))
		return
	}

	user, err := s.st.UpsertUser(phone, canonical, req.Name)
	if err != nil {
		slog.Error("enrollUserHandler enrollment failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enroll user"))
		return
	}

	slog.Info("User enrolled via API", "userID", user.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(user))
}

func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := s.loadUser(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(user))
}

func (s *Server) getUserMessagesHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := s.loadUser(w, r)
	if !ok {
		return
	}
	messages, err := s.st.GetMessages(user.ID, store.MessageQuery{Limit: queryLimit(r)})
	if err != nil {
		slog.Error("getUserMessagesHandler store error", "error", err, "userID", user.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

func (s *Server) getUserSummariesHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := s.loadUser(w, r)
	if !ok {
		return
	}
	summaries, err := s.st.GetSummaries(user.ID, store.SummaryQuery{Limit: queryLimit(r)})
	if err != nil {
		slog.Error("getUserSummariesHandler store error", "error", err, "userID", user.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load summaries"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(summaries))
}

// loadUser resolves the {userID} path parameter, writing the error response
// itself when the user cannot be served.
func (s *Server) loadUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	userID := chi.URLParam(r, "userID")
	user, err := s.st.GetUser(userID)
	if err != nil {
		slog.Error("loadUser store error", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load user"))
		return nil, false
	}
	if user == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
		return nil, false
	}
	return user, true
}

// queryLimit parses the optional ?limit= parameter, 0 meaning no limit.
func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
