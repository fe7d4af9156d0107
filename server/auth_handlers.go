package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/jupark12/build-broker/auth"
	"github.com/jupark12/build-broker/models"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.Credentials
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := s.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info("User registered", zap.String("email", u.Email))
	writeJSON(w, http.StatusCreated, models.MessageResponse{Message: "User registered"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.Credentials
	if !decodeJSON(w, r, &req) {
		return
	}

	token, expires, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.LoginResponse{
		Message:   "Login successful",
		Token:     token,
		ExpiresAt: expires,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeDomainError(w, auth.ErrInvalidToken)
		return
	}

	email, err := s.auth.ParseToken(token)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.MeResponse{Email: email})
}
