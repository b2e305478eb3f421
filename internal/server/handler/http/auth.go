// Package http provides the HTTP handlers of the sync server.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atinyakov/CipherSync/internal/middleware"
	"github.com/atinyakov/CipherSync/internal/service"
	"go.uber.org/zap"
)

// AuthService defines the interface for authentication operations
// required by the HTTP handlers.
type AuthService interface {
	// UserExists checks whether a user with the given login exists.
	UserExists(context.Context, string) (bool, error)
	// RegisterUser registers a new user with the given login.
	RegisterUser(context.Context, string) error
}

// CertIssuer issues client certificates signed by the server's CA.
type CertIssuer interface {
	Issue(commonName string) (certPEM, keyPEM []byte, err error)
}

// AuthHandler handles HTTP requests for user registration and login.
type AuthHandler struct {
	AuthService AuthService
	Issuer      CertIssuer
	Logger      *zap.Logger
}

// RegisterRequest represents the JSON payload for user registration.
type RegisterRequest struct {
	Login string `json:"login"`
}

// Register enrolls a new login and returns a PEM client certificate and
// key for it. The user is only stored once the certificate was issued.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Login == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	exists, err := h.AuthService.UserExists(r.Context(), req.Login)
	switch {
	case errors.Is(err, service.ErrInvalidLogin):
		http.Error(w, "invalid login", http.StatusBadRequest)
		return
	case err != nil:
		h.logger().Error("failed to look up user", zap.String("login", req.Login), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	case exists:
		http.Error(w, "user already exists", http.StatusConflict)
		return
	}

	certPEM, keyPEM, err := h.Issuer.Issue(req.Login)
	if err != nil {
		h.logger().Error("failed to issue certificate", zap.String("login", req.Login), zap.Error(err))
		http.Error(w, "failed to generate certificate", http.StatusInternalServerError)
		return
	}

	if err := h.AuthService.RegisterUser(r.Context(), req.Login); err != nil {
		h.logger().Error("failed to save user", zap.String("login", req.Login), zap.Error(err))
		http.Error(w, "failed to save user", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{
		"cert": string(certPEM),
		"key":  string(keyPEM),
	})
}

// Login confirms that the certificate's login is enrolled.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	login := middleware.LoginFromContext(r.Context())
	if login == "" {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}

	exists, err := h.AuthService.UserExists(r.Context(), login)
	switch {
	case errors.Is(err, service.ErrInvalidLogin):
		http.Error(w, "user not found", http.StatusForbidden)
		return
	case err != nil:
		h.logger().Error("failed to look up user", zap.String("login", login), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	case !exists:
		http.Error(w, "user not found", http.StatusForbidden)
		return
	}

	writeJSON(w, map[string]string{
		"status": "ok",
		"user":   login,
	})
}

func (h *AuthHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
