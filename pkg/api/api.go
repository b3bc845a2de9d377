// Package api serves the read side over HTTP: token issuing, room history
// and room membership.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/mahaj/roomcast/pkg/apperr"
	"github.com/mahaj/roomcast/pkg/auth"
	"github.com/mahaj/roomcast/pkg/history"
	"github.com/mahaj/roomcast/pkg/model"
	"github.com/mahaj/roomcast/pkg/presence"
	"github.com/samber/lo"
)

// MaxHistoryLimit caps the limit query parameter.
const MaxHistoryLimit = 500

type Server struct {
	history      history.Store
	presence     presence.Store
	issuer       *auth.Issuer
	historyLimit int
	validate     *validator.Validate
	log          *slog.Logger
}

// New builds the API. With a nil issuer /login is not served and the room
// endpoints are public.
func New(h history.Store, p presence.Store, issuer *auth.Issuer, historyLimit int, log *slog.Logger) *Server {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Server{
		history:      h,
		presence:     p,
		issuer:       issuer,
		historyLimit: historyLimit,
		validate:     validator.New(),
		log:          log.With("component", "api"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	protect := func(h http.HandlerFunc) http.Handler {
		if s.issuer == nil {
			return h
		}
		return s.AuthMiddleware(h)
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.issuer != nil {
		mux.HandleFunc("POST /login", s.Login)
	}
	mux.Handle("GET /rooms/{room}/history", protect(s.History))
	mux.Handle("GET /rooms/{room}/members", protect(s.Members))
	return CORSMiddleware(mux)
}

type LoginRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	token, err := s.issuer.GenerateToken(req.UserID)
	if err != nil {
		s.log.Error("Failed to generate token", "error", err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token})
}

type HistoryResponse struct {
	Room     string          `json:"room"`
	Messages []model.Message `json:"messages"`
}

func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	limit := s.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, MaxHistoryLimit)
	}

	messages, err := s.history.Recent(r.Context(), room, limit)
	if err != nil {
		s.fail(w, "history", room, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Room: room, Messages: lo.Ternary(messages == nil, []model.Message{}, messages)})
}

type MembersResponse struct {
	Room    string   `json:"room"`
	Members []string `json:"members"`
}

func (s *Server) Members(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	members, err := s.presence.Members(r.Context(), room)
	if err != nil {
		s.fail(w, "presence", room, err)
		return
	}
	writeJSON(w, http.StatusOK, MembersResponse{Room: room, Members: lo.Ternary(members == nil, []string{}, members)})
}

func (s *Server) fail(w http.ResponseWriter, what, room string, err error) {
	s.log.Error("Failed to fetch "+what, "room", room, "error", err)
	status := http.StatusInternalServerError
	if errors.Is(err, apperr.ErrStoreUnavailable) {
		status = http.StatusServiceUnavailable
	}
	http.Error(w, "Failed to fetch "+what, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
