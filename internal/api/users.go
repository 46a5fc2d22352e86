package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/nexus-im/nexus/internal/apperr"
	"github.com/nexus-im/nexus/internal/auth"
	"github.com/nexus-im/nexus/model"
	"github.com/nexus-im/nexus/store/user"
)

type credentialsRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type tokenResponse struct {
	Token     string     `json:"token"`
	ExpiresIn int        `json:"expires_in"`
	User      model.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	u := &user.User{Username: req.Username, PasswordHash: hash}
	if err := s.users.Create(r.Context(), u); err != nil {
		if errors.Is(err, user.ErrDuplicateUsername) {
			err = apperr.Conflict("Username already exists", err)
		}
		s.writeError(w, r, err)
		return
	}

	s.writeToken(w, r, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	u, err := s.users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			err = apperr.Unauthorized("Invalid credentials", err)
		}
		s.writeError(w, r, err)
		return
	}

	if err := auth.CheckPassword(u.PasswordHash, req.Password); err != nil {
		s.writeError(w, r, apperr.Unauthorized("Invalid credentials", err))
		return
	}

	s.writeToken(w, r, http.StatusOK, u)
}

func (s *Server) writeToken(w http.ResponseWriter, r *http.Request, status int, u *user.User) {
	token, err := s.authn.GenerateToken(u.ID, u.Username)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, tokenResponse{
		Token:     token,
		ExpiresIn: int(s.authn.Validity() / time.Second),
		User:      u.Public(),
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.ListExcept(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}
