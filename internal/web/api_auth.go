package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/flopro/nexus/internal/auth"
	"github.com/flopro/nexus/internal/store"
)

type signupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type userOut struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type authResponse struct {
	User   userOut   `json:"user"`
	Tokens tokenPair `json:"tokens"`
}

func toUserOut(u store.User) userOut {
	return userOut{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}

func (s *Server) issuePair(u store.User) (tokenPair, error) {
	access, expiresIn, err := s.tokens.IssueAccess(u.ID, u.Email)
	if err != nil {
		return tokenPair{}, err
	}
	refresh, err := s.tokens.IssueRefresh(u.ID)
	if err != nil {
		return tokenPair{}, err
	}
	return tokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err := s.limiter.Check(r.Context(), clientAddr(r)); err != nil {
		s.writeOpError(w, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	user, err := s.users.CreateUser(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)), hash)
	if errors.Is(err, store.ErrEmailTaken) {
		writeError(w, http.StatusConflict, "email_already_registered", "Email is already registered")
		return
	}
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	pair, err := s.issuePair(user)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: toUserOut(user), Tokens: pair})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	user, err := s.users.UserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if errors.Is(err, store.ErrNotFound) || (err == nil && !auth.CheckPassword(user.PasswordHash, req.Password)) {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
		return
	}
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	pair, err := s.issuePair(user)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: toUserOut(user), Tokens: pair})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	userID, err := s.tokens.VerifyRefresh(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired refresh token")
		return
	}
	user, err := s.users.UserByID(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid_token", "Unknown user")
		return
	}
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	pair, err := s.issuePair(user)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: toUserOut(user), Tokens: pair})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, userID int64) {
	user, err := s.users.UserByID(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid_token", "Unknown user")
		return
	}
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserOut(user))
}
