package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/StricklySoft/teamskills-gateway/pkg/auth"
	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

// Messages written by the route handlers.
const (
	MsgNoAuthenticatedUser = "No authenticated user"
	MsgUserNotFound        = "User not found"
	MsgNotFound            = "Not found"
	MsgInvalidProfile      = "Invalid profile update"
)

// maxProfileNameLen bounds the name and team a user may set.
const maxProfileNameLen = 255

// Users is the part of the user store the routes need.
type Users interface {
	List(ctx context.Context) ([]auth.User, error)
	FindByID(ctx context.Context, id int64) (*auth.User, error)
	UpdateProfile(ctx context.Context, id int64, p auth.ProfileUpdate) (*auth.User, error)
}

// Profile routes name their target user in the query string (reads) or
// the JSON body (updates).
var (
	profileQueryOwner = auth.OwnerFromQuery("user_id")
	profileBodyOwner  = auth.OwnerFromJSONBody("user_id")
)

type profileRequest struct {
	Name *string `json:"name"`
	Team *string `json:"team"`
}

// HealthFunc reports whether the gateway can serve. A non-nil error turns
// /health into 503.
type HealthFunc func(ctx context.Context) error

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
	}
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log.WarnContext(r.Context(), "server: health check failed", "error", err)
			resp.Status = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMe returns the caller's profile. In demo mode no user is attached.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		sserr.WriteJSON(w, http.StatusNotFound, MsgNoAuthenticatedUser)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleAuthConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.Policy().ClientConfig(s.cfg.RedirectURI))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if err != nil {
		s.log.ErrorContext(r.Context(), "server: listing users failed",
			"request_id", auth.RequestIDFromContext(r.Context()),
			"error", err,
		)
		sserr.WriteHTTP(w, err)
		return
	}
	if users == nil {
		users = []auth.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	s.writeUser(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	s.writeUser(w, r, profileQueryOwner(r))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, err := auth.ParseUserID(profileBodyOwner(r))
	if err != nil {
		sserr.WriteHTTP(w, err)
		return
	}

	var req profileRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		sserr.WriteJSON(w, http.StatusBadRequest, MsgInvalidProfile)
		return
	}
	update, ok := req.toUpdate()
	if !ok {
		sserr.WriteJSON(w, http.StatusBadRequest, MsgInvalidProfile)
		return
	}

	user, err := s.users.UpdateProfile(r.Context(), id, update)
	switch {
	case sserr.IsNotFound(err):
		sserr.WriteJSON(w, http.StatusNotFound, MsgUserNotFound)
		return
	case err != nil:
		s.log.ErrorContext(r.Context(), "server: updating profile failed",
			"request_id", auth.RequestIDFromContext(r.Context()),
			"user_id", id,
			"error", err,
		)
		sserr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// toUpdate trims the fields and reports false when nothing valid is left
// to change. A name may not be blank.
func (p profileRequest) toUpdate() (auth.ProfileUpdate, bool) {
	var u auth.ProfileUpdate
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" || len(name) > maxProfileNameLen {
			return u, false
		}
		u.Name = &name
	}
	if p.Team != nil {
		team := strings.TrimSpace(*p.Team)
		if len(team) > maxProfileNameLen {
			return u, false
		}
		u.Team = &team
	}
	return u, u.Name != nil || u.Team != nil
}

func (s *Server) writeUser(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := auth.ParseUserID(rawID)
	if err != nil {
		sserr.WriteHTTP(w, err)
		return
	}
	user, err := s.users.FindByID(r.Context(), id)
	switch {
	case sserr.IsNotFound(err):
		sserr.WriteJSON(w, http.StatusNotFound, MsgUserNotFound)
		return
	case err != nil:
		s.log.ErrorContext(r.Context(), "server: loading user failed",
			"request_id", auth.RequestIDFromContext(r.Context()),
			"user_id", id,
			"error", err,
		)
		sserr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	sserr.WriteJSON(w, http.StatusNotFound, MsgNotFound)
}
